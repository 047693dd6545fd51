package proxy

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/kelpejol/xdr/internal/ledger"
	"github.com/kelpejol/xdr/internal/metrics"
	"github.com/kelpejol/xdr/internal/trace"
)

const (
	l402Prefix     = "L402 "
	paymentAddress = "0x000000000000000000000000000000000000dead"
)

// invoiceAmount is the flat price of a payment-gated resource, in USDC.
var invoiceAmount = decimal.RequireFromString("0.01")

// challengeBody is the 402 challenge returned when a gated request carries
// no L402 token. The agent pays x402_invoice and retries with
// Authorization: L402 <invoice-id>.
type challengeBody struct {
	Status         int             `json:"status"`
	X402Invoice    string          `json:"x402_invoice"`
	Amount         decimal.Decimal `json:"amount"`
	Currency       string          `json:"currency"`
	Chain          string          `json:"chain"`
	Network        string          `json:"network"`
	ChainID        int             `json:"chain_id"`
	PaymentAddress string          `json:"payment_address"`
}

// paymentErrorBody is the 402 returned when settlement is rejected. Error
// carries the ledger's reason verbatim.
type paymentErrorBody struct {
	Status int    `json:"status"`
	Error  string `json:"error"`
	Agent  string `json:"agent"`
}

// handleProxy runs the data-plane pipeline: trace, latency, network chaos,
// identity, registration, payment gate, upstream resolution, forwarding.
// Every exit path commits the trace with the status the client sees.
func (s *Server) handleProxy(w http.ResponseWriter, r *http.Request) {
	tr := trace.New("unknown", r.Method, r.URL.String())

	s.chaos.InjectLatency(r.Context())

	if code, injected := s.chaos.RollNetworkFailure(); injected {
		tr.Log(trace.CategoryChaos, fmt.Sprintf("Injected network failure: %d", code))
		metrics.ChaosInjectionsTotal.WithLabelValues("network").Inc()
		s.finishText(w, tr, code, "Chaos Error")
		return
	}

	agentID := r.Header.Get(headerAgentID)
	if agentID == "" {
		tr.Log(trace.CategoryError, "Missing X-Agent-ID header")
		s.finishText(w, tr, http.StatusBadRequest, "Missing X-Agent-ID header")
		return
	}
	tr.AgentID = agentID
	tr.Log(trace.CategoryInfo, fmt.Sprintf("Agent identified: %s", agentID))

	s.ledger.RegisterOrGet(agentID)

	if s.paymentRequired(r) {
		if handled := s.paymentGate(w, r, tr, agentID); handled {
			return
		}
	}

	target, err := resolveUpstreamURL(r)
	if err != nil {
		tr.Log(trace.CategoryError, err.Error())
		s.finishText(w, tr, http.StatusBadRequest, err.Error())
		return
	}

	s.forward(w, r, tr, target)
}

// paymentRequired reports whether the request must pass the payment gate:
// the path mentions paid content, or the client asked for a simulated gate.
func (s *Server) paymentRequired(r *http.Request) bool {
	if strings.Contains(r.URL.Path, "paid") {
		return true
	}
	_, simulated := r.Header[headerSimulatePayment]
	return simulated
}

// paymentGate either settles a presented L402 token or issues a challenge.
// It reports true when it wrote the response; false means the payment
// cleared and the request continues upstream.
func (s *Server) paymentGate(w http.ResponseWriter, r *http.Request, tr *trace.Trace, agentID string) bool {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, l402Prefix) {
		return s.settle(w, r, tr, agentID, strings.TrimPrefix(auth, l402Prefix))
	}
	return s.challenge(w, tr, agentID)
}

func (s *Server) settle(w http.ResponseWriter, r *http.Request, tr *trace.Trace, agentID, invoiceID string) bool {
	if s.chaos.RollPaymentFailure() {
		tr.Log(trace.CategoryChaos, "Injected payment failure")
		metrics.ChaosInjectionsTotal.WithLabelValues("payment").Inc()
		metrics.PaymentsTotal.WithLabelValues("chaos").Inc()
		s.finishText(w, tr, http.StatusPaymentRequired, "Chaos: Payment Failed")
		return true
	}

	receipt, err := s.ledger.PayInvoice(invoiceID, agentID, s.network)
	if err != nil {
		tr.Log(trace.CategoryPayment, err.Error())
		metrics.PaymentsTotal.WithLabelValues(paymentResult(err)).Inc()
		s.finishJSON(w, tr, http.StatusPaymentRequired, paymentErrorBody{
			Status: http.StatusPaymentRequired,
			Error:  err.Error(),
			Agent:  agentID,
		})
		return true
	}

	metrics.PaymentsTotal.WithLabelValues("settled").Inc()
	tr.Log(trace.CategoryPayment, fmt.Sprintf("Payment confirmed on chain: tx %s at block %d", receipt.TxHash, receipt.BlockHeight))
	tr.Log(trace.CategoryPayment, fmt.Sprintf("Balance remaining: %s USDC", receipt.NewBalance))
	tr.Log(trace.CategoryInfo, fmt.Sprintf("Settled on chain id %s", receipt.ChainID))

	// Rug pull lands after the money moved: the ledger keeps the payment,
	// the client gets nothing.
	if s.chaos.RollRugPull() {
		tr.Log(trace.CategoryChaos, "Rug pull: payment settled, request dropped")
		metrics.ChaosInjectionsTotal.WithLabelValues("rug_pull").Inc()
		s.finishText(w, tr, http.StatusInternalServerError, "Rug Pull")
		return true
	}

	// The L402 token is spent; the upstream never sees it.
	r.Header.Del("Authorization")
	return false
}

func (s *Server) challenge(w http.ResponseWriter, tr *trace.Trace, agentID string) bool {
	inv := s.ledger.CreateInvoice(agentID, invoiceAmount)
	tr.Log(trace.CategoryPayment, fmt.Sprintf("Issued invoice %s for %s USDC", inv.ID, inv.Amount))
	metrics.PaymentsTotal.WithLabelValues("challenged").Inc()

	w.Header().Set("WWW-Authenticate", fmt.Sprintf("L402 token=%s", inv.ID))
	s.finishJSON(w, tr, http.StatusPaymentRequired, challengeBody{
		Status:         http.StatusPaymentRequired,
		X402Invoice:    inv.ID,
		Amount:         inv.Amount,
		Currency:       "USDC",
		Chain:          "cronos",
		Network:        s.network,
		ChainID:        338,
		PaymentAddress: paymentAddress,
	})
	return true
}

// paymentResult maps a settlement error to its metrics label.
func paymentResult(err error) string {
	switch {
	case errors.Is(err, ledger.ErrInvoiceInvalid):
		return "invoice_invalid"
	case errors.Is(err, ledger.ErrInvoiceAlreadyPaid):
		return "already_paid"
	case errors.Is(err, ledger.ErrInvoiceWrongAgent):
		return "wrong_agent"
	case errors.Is(err, ledger.ErrAgentNotFound):
		return "agent_not_found"
	case errors.Is(err, ledger.ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, ledger.ErrBudgetExceeded):
		return "budget_exceeded"
	default:
		return "error"
	}
}

// commit finishes the trace, appends it to the ring, publishes it on the
// event feed, and counts the request. Exactly one commit per data-plane
// request.
func (s *Server) commit(tr *trace.Trace, status int) {
	tr.Finish(status)
	s.ring.Commit(tr)
	s.bus.Publish(*tr)
	metrics.RequestsTotal.WithLabelValues(strconv.Itoa(status)).Inc()
}

func (s *Server) finishText(w http.ResponseWriter, tr *trace.Trace, status int, body string) {
	s.commit(tr, status)
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	if _, err := w.Write([]byte(body)); err != nil {
		s.log.Debug().Err(err).Str("trace_id", tr.ID).Msg("client write failed")
	}
}

func (s *Server) finishJSON(w http.ResponseWriter, tr *trace.Trace, status int, body interface{}) {
	s.commit(tr, status)
	s.writeJSON(w, status, body)
}
