package proxy

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kelpejol/xdr/internal/chaos"
	"github.com/kelpejol/xdr/internal/config"
	"github.com/kelpejol/xdr/internal/events"
	"github.com/kelpejol/xdr/internal/ledger"
	"github.com/kelpejol/xdr/internal/trace"
)

type testStack struct {
	server *Server
	ledger *ledger.Ledger
	chaos  *chaos.Engine
	ring   *trace.Ring
	bus    *events.Bus
	router http.Handler
}

func newTestStack(t *testing.T) *testStack {
	t.Helper()

	logger := zerolog.Nop()
	cfg := &config.Config{
		Host:            "127.0.0.1",
		Port:            4002,
		Network:         "cronos-testnet",
		UpstreamTimeout: 5 * time.Second,
	}

	l := ledger.NewLedger(logger)
	e := chaos.NewEngine(logger)
	r := trace.NewRing(trace.DefaultCapacity)
	b := events.NewBus(logger)
	t.Cleanup(b.Close)

	srv := NewServer(cfg, l, e, r, b, logger)
	return &testStack{server: srv, ledger: l, chaos: e, ring: r, bus: b, router: srv.Router()}
}

func (ts *testStack) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	return rec
}

func (ts *testStack) lastTrace(t *testing.T) trace.Trace {
	t.Helper()
	traces := ts.ring.Snapshot()
	require.NotEmpty(t, traces)
	return traces[len(traces)-1]
}

func TestGatedPathWithoutTokenIsChallenged(t *testing.T) {
	ts := newTestStack(t)

	req := httptest.NewRequest(http.MethodGet, "/paid/data", nil)
	req.Header.Set("X-Agent-ID", "agent-1")
	rec := ts.do(req)

	require.Equal(t, http.StatusPaymentRequired, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body challengeBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, http.StatusPaymentRequired, body.Status)
	assert.NotEmpty(t, body.X402Invoice)
	assert.True(t, body.Amount.Equal(decimal.RequireFromString("0.01")))
	assert.Equal(t, "USDC", body.Currency)
	assert.Equal(t, "cronos", body.Chain)
	assert.Equal(t, "cronos-testnet", body.Network)
	assert.Equal(t, 338, body.ChainID)
	assert.Equal(t, "0x000000000000000000000000000000000000dead", body.PaymentAddress)

	assert.Equal(t, "L402 token="+body.X402Invoice, rec.Header().Get("WWW-Authenticate"))
	assert.Contains(t, rec.Body.String(), `"amount":"0.01"`)

	inv, ok := ts.ledger.GetInvoice(body.X402Invoice)
	require.True(t, ok)
	assert.Equal(t, "agent-1", inv.AgentID)
	assert.False(t, inv.Paid)

	traces := ts.ring.Snapshot()
	require.Len(t, traces, 1)
	assert.Equal(t, "agent-1", traces[0].AgentID)
	require.NotNil(t, traces[0].StatusCode)
	assert.Equal(t, http.StatusPaymentRequired, *traces[0].StatusCode)
}

func TestPaymentLifecycleSettlesAndForwards(t *testing.T) {
	ts := newTestStack(t)

	seen := make(chan http.Header, 1)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen <- r.Header.Clone()
		fmt.Fprint(w, "premium content")
	}))
	defer upstream.Close()

	target := upstream.URL + "/paid/data"

	// First attempt carries no token and is challenged.
	req := httptest.NewRequest(http.MethodGet, target, nil)
	req.Header.Set("X-Agent-ID", "agent-2")
	rec := ts.do(req)
	require.Equal(t, http.StatusPaymentRequired, rec.Code)

	var challenge challengeBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &challenge))

	// Retrying with the token settles the invoice and reaches the upstream.
	req = httptest.NewRequest(http.MethodGet, target, nil)
	req.Header.Set("X-Agent-ID", "agent-2")
	req.Header.Set("Authorization", "L402 "+challenge.X402Invoice)
	rec = ts.do(req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "premium content", rec.Body.String())

	h := <-seen
	assert.Empty(t, h.Get("Authorization"), "spent token must not leak upstream")
	assert.Equal(t, "agent-2", h.Get("X-Agent-ID"))

	state, ok := ts.ledger.GetState("agent-2")
	require.True(t, ok)
	assert.True(t, state.Balance.Equal(decimal.RequireFromString("99.99")))
	assert.True(t, state.TotalSpend.Equal(decimal.RequireFromString("0.01")))
	assert.Equal(t, int64(1), state.PaymentCount)

	inv, ok := ts.ledger.GetInvoice(challenge.X402Invoice)
	require.True(t, ok)
	assert.True(t, inv.Paid)

	traces := ts.ring.Snapshot()
	require.Len(t, traces, 2)
	settled := traces[1]
	require.NotNil(t, settled.StatusCode)
	assert.Equal(t, http.StatusOK, *settled.StatusCode)

	var messages []string
	for _, ev := range settled.Events {
		messages = append(messages, ev.Message)
	}
	joined := strings.Join(messages, "\n")
	assert.Contains(t, joined, "Payment confirmed on chain")
	assert.Contains(t, joined, "Balance remaining: 99.99 USDC")
}

func TestMissingAgentHeaderRejected(t *testing.T) {
	ts := newTestStack(t)

	rec := ts.do(httptest.NewRequest(http.MethodGet, "/anything", nil))

	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Missing X-Agent-ID header", rec.Body.String())
	assert.Empty(t, ts.ledger.ListAll())

	tr := ts.lastTrace(t)
	assert.Equal(t, "unknown", tr.AgentID)
	require.NotNil(t, tr.StatusCode)
	assert.Equal(t, http.StatusBadRequest, *tr.StatusCode)
}

func TestUnresolvableUpstreamRejected(t *testing.T) {
	ts := newTestStack(t)

	req := httptest.NewRequest(http.MethodGet, "/free/data", nil)
	req.Header.Set("X-Agent-ID", "agent-3")
	rec := ts.do(req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Missing X-Upstream-Host header or Absolute URL", rec.Body.String())

	// Identification precedes resolution, so the wallet already exists.
	_, ok := ts.ledger.GetState("agent-3")
	assert.True(t, ok)
}

func TestSimulatePaymentHeaderForcesGate(t *testing.T) {
	ts := newTestStack(t)

	req := httptest.NewRequest(http.MethodGet, "/free/data", nil)
	req.Header.Set("X-Agent-ID", "agent-4")
	// Present but empty still engages the gate.
	req.Header["X-Simulate-Payment"] = []string{""}
	rec := ts.do(req)

	require.Equal(t, http.StatusPaymentRequired, rec.Code)
	assert.Contains(t, rec.Header().Get("WWW-Authenticate"), "L402 token=")
}

func TestNonL402AuthorizationIsStillChallenged(t *testing.T) {
	ts := newTestStack(t)

	req := httptest.NewRequest(http.MethodGet, "/paid/data", nil)
	req.Header.Set("X-Agent-ID", "agent-5")
	req.Header.Set("Authorization", "Bearer something-else")
	rec := ts.do(req)

	require.Equal(t, http.StatusPaymentRequired, rec.Code)

	var body challengeBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.NotEmpty(t, body.X402Invoice)

	state, ok := ts.ledger.GetState("agent-5")
	require.True(t, ok)
	assert.True(t, state.Balance.Equal(decimal.RequireFromString("100.00")))
}

func TestTokenFromAnotherAgentRejected(t *testing.T) {
	ts := newTestStack(t)

	req := httptest.NewRequest(http.MethodGet, "/paid/data", nil)
	req.Header.Set("X-Agent-ID", "agent-a")
	rec := ts.do(req)
	require.Equal(t, http.StatusPaymentRequired, rec.Code)

	var challenge challengeBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &challenge))

	req = httptest.NewRequest(http.MethodGet, "/paid/data", nil)
	req.Header.Set("X-Agent-ID", "agent-b")
	req.Header.Set("Authorization", "L402 "+challenge.X402Invoice)
	rec = ts.do(req)

	require.Equal(t, http.StatusPaymentRequired, rec.Code)

	var errBody paymentErrorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &errBody))
	assert.Equal(t, http.StatusPaymentRequired, errBody.Status)
	assert.Equal(t, "Invoice belongs to another agent", errBody.Error)
	assert.Equal(t, "agent-b", errBody.Agent)

	// Neither wallet moved and the invoice is still pending.
	a, _ := ts.ledger.GetState("agent-a")
	b, _ := ts.ledger.GetState("agent-b")
	assert.True(t, a.Balance.Equal(decimal.RequireFromString("100.00")))
	assert.True(t, b.Balance.Equal(decimal.RequireFromString("100.00")))

	inv, _ := ts.ledger.GetInvoice(challenge.X402Invoice)
	assert.False(t, inv.Paid)
}

func TestUnknownTokenRejected(t *testing.T) {
	ts := newTestStack(t)

	req := httptest.NewRequest(http.MethodGet, "/paid/data", nil)
	req.Header.Set("X-Agent-ID", "agent-6")
	req.Header.Set("Authorization", "L402 no-such-invoice")
	rec := ts.do(req)

	require.Equal(t, http.StatusPaymentRequired, rec.Code)

	var errBody paymentErrorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &errBody))
	assert.Equal(t, "Invalid invoice", errBody.Error)
}

func TestNetworkChaosShortCircuitsPipeline(t *testing.T) {
	ts := newTestStack(t)
	ts.chaos.SetConfig(chaos.Config{Enabled: true, Seed: 42, GlobalFailureRate: 1.0})

	req := httptest.NewRequest(http.MethodGet, "/free/data", nil)
	req.Header.Set("X-Agent-ID", "agent-7")
	req.Header.Set("X-Upstream-Host", "api.example.com")
	rec := ts.do(req)

	assert.Contains(t, []int{503, 429, 504}, rec.Code)
	assert.Equal(t, "Chaos Error", rec.Body.String())

	// The failure lands before identification, so no wallet was created.
	assert.Empty(t, ts.ledger.ListAll())

	tr := ts.lastTrace(t)
	require.NotEmpty(t, tr.Events)
	assert.Equal(t, trace.CategoryChaos, tr.Events[0].Category)
	assert.Contains(t, tr.Events[0].Message, "Injected network failure")
	require.NotNil(t, tr.StatusCode)
	assert.Equal(t, rec.Code, *tr.StatusCode)
}

func TestPaymentChaosRejectsSettlement(t *testing.T) {
	ts := newTestStack(t)
	ts.chaos.SetConfig(chaos.Config{Enabled: true, Seed: 7, PaymentFailureRate: 1.0})

	req := httptest.NewRequest(http.MethodGet, "/paid/data", nil)
	req.Header.Set("X-Agent-ID", "agent-8")
	req.Header.Set("Authorization", "L402 anything")
	rec := ts.do(req)

	require.Equal(t, http.StatusPaymentRequired, rec.Code)
	assert.Equal(t, "Chaos: Payment Failed", rec.Body.String())

	// Registration already happened; the ledger itself was never touched.
	state, ok := ts.ledger.GetState("agent-8")
	require.True(t, ok)
	assert.True(t, state.Balance.Equal(decimal.RequireFromString("100.00")))
	assert.Equal(t, int64(0), state.PaymentCount)
}

func TestRugPullKeepsPaymentDropsRequest(t *testing.T) {
	ts := newTestStack(t)

	var hits atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer upstream.Close()

	target := upstream.URL + "/paid/data"

	// Obtain a token while chaos is off.
	req := httptest.NewRequest(http.MethodGet, target, nil)
	req.Header.Set("X-Agent-ID", "agent-9")
	rec := ts.do(req)
	require.Equal(t, http.StatusPaymentRequired, rec.Code)

	var challenge challengeBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &challenge))

	ts.chaos.SetConfig(chaos.Config{Enabled: true, Seed: 1, RugRate: 1.0})

	req = httptest.NewRequest(http.MethodGet, target, nil)
	req.Header.Set("X-Agent-ID", "agent-9")
	req.Header.Set("Authorization", "L402 "+challenge.X402Invoice)
	rec = ts.do(req)

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "Rug Pull", rec.Body.String())
	assert.Equal(t, int32(0), hits.Load(), "rug-pulled request must not reach the upstream")

	// The money moved anyway.
	state, _ := ts.ledger.GetState("agent-9")
	assert.True(t, state.Balance.Equal(decimal.RequireFromString("99.99")))
	assert.Equal(t, int64(1), state.PaymentCount)

	tr := ts.lastTrace(t)
	var messages []string
	for _, ev := range tr.Events {
		messages = append(messages, ev.Message)
	}
	joined := strings.Join(messages, "\n")
	assert.Contains(t, joined, "Payment confirmed on chain")
	assert.Contains(t, joined, "Rug pull")
}

func TestSameSeedSameChaosOutcomes(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer upstream.Close()

	run := func() []int {
		ts := newTestStack(t)
		ts.chaos.SetConfig(chaos.Config{Enabled: true, Seed: 42, GlobalFailureRate: 0.4})

		codes := make([]int, 0, 40)
		for i := 0; i < 40; i++ {
			req := httptest.NewRequest(http.MethodGet, upstream.URL+"/free/data", nil)
			req.Header.Set("X-Agent-ID", "agent-det")
			codes = append(codes, ts.do(req).Code)
		}
		return codes
	}

	first := run()
	second := run()
	assert.Equal(t, first, second)

	injected := 0
	for _, code := range first {
		if code != http.StatusOK {
			injected++
		}
	}
	assert.Greater(t, injected, 0)
	assert.Less(t, injected, 40)
}

func TestRingDropsOldestBeyondCapacity(t *testing.T) {
	ts := newTestStack(t)

	total := trace.DefaultCapacity + 500
	for i := 0; i < total; i++ {
		ts.do(httptest.NewRequest(http.MethodGet, fmt.Sprintf("/req/%d", i), nil))
	}

	traces := ts.ring.Snapshot()
	require.Len(t, traces, trace.DefaultCapacity)
	assert.Equal(t, "/req/500", traces[0].URL)
	assert.Equal(t, fmt.Sprintf("/req/%d", total-1), traces[len(traces)-1].URL)
}
