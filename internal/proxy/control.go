package proxy

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"

	"github.com/kelpejol/xdr/internal/chaos"
)

// budgetRequest is the body of POST /_xdr/budget/{agent}.
type budgetRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

// handleStatus handles GET /_xdr/status/{agent}.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	agentID := mux.Vars(r)["agent"]

	state, ok := s.ledger.GetState(agentID)
	if !ok {
		s.writeError(w, http.StatusNotFound, fmt.Sprintf("agent %s not found", agentID))
		return
	}

	s.writeJSON(w, http.StatusOK, state)
}

// handleBudget handles POST /_xdr/budget/{agent}. It overwrites the agent's
// balance, creating the wallet if the agent has never been seen.
func (s *Server) handleBudget(w http.ResponseWriter, r *http.Request) {
	agentID := mux.Vars(r)["agent"]

	var req budgetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON: "+err.Error())
		return
	}

	state := s.ledger.SetBalance(agentID, req.Amount)
	s.writeJSON(w, http.StatusOK, state)
}

// handleChaosSet handles POST /_xdr/chaos. The posted policy replaces the
// current one wholesale and reseeds the failure PRNG.
func (s *Server) handleChaosSet(w http.ResponseWriter, r *http.Request) {
	var cfg chaos.Config
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON: "+err.Error())
		return
	}

	s.chaos.SetConfig(cfg)
	s.writeJSON(w, http.StatusOK, s.chaos.GetConfig())
}

// handleChaosGet handles GET /_xdr/chaos.
func (s *Server) handleChaosGet(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.chaos.GetConfig())
}

// handleTraces handles GET /_xdr/traces. Traces come back oldest first.
func (s *Server) handleTraces(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.ring.Snapshot())
}

// handleAgents handles GET /_xdr/agents.
func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.ledger.ListAll())
}

// handleHealth handles GET /_xdr/health.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// writeJSON writes a JSON response.
func (s *Server) writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Error().Err(err).Msg("failed to encode JSON response")
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	s.writeJSON(w, statusCode, map[string]interface{}{
		"error": map[string]interface{}{
			"code":    statusCode,
			"message": message,
		},
		"timestamp": time.Now().Unix(),
	})
}
