// Package ledger manages virtual agent wallets and invoice settlement.
//
// This is the financial core of XDR. Every simulated payment flows through
// this package. All state is process-local: agents are pre-funded mock
// wallets, settlements debit them under a per-agent budget cap, and nothing
// survives a restart.
//
// Concurrency model:
//
// The maps from agent ID to wallet and from invoice ID to invoice are behind
// a read-write mutex so lookups from concurrent requests do not serialize.
// Each wallet and each invoice carries its own exclusive lock, and all
// mutation happens under the entry lock. PayInvoice holds the invoice lock
// and the agent lock together for its whole check-and-mutate sequence,
// acquiring the invoice first, then the agent. Any future operation that
// touches both kinds of entries must acquire in the same order.
//
// Amounts are decimals, not floats: budget enforcement must make
// 1000 settlements of 0.01 come out at exactly 10.00.
package ledger

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Settlement failures, ordered by check sequence. The texts are surfaced
// verbatim in 402 response bodies.
var (
	ErrInvoiceInvalid     = errors.New("Invalid invoice")
	ErrInvoiceAlreadyPaid = errors.New("Invoice already paid")
	ErrInvoiceWrongAgent  = errors.New("Invoice belongs to another agent")
	ErrAgentNotFound      = errors.New("Agent not found")
	ErrInsufficientFunds  = errors.New("Insufficient funds")
	ErrBudgetExceeded     = errors.New("Budget cap exceeded")
)

var (
	// New agents are pre-funded so a fresh runtime is usable immediately.
	initialBalance = decimal.RequireFromString("100.00")
	defaultBudget  = decimal.RequireFromString("10.00")
)

// baseBlockHeight anchors the mock chain; receipts report
// baseBlockHeight + payment_count.
const baseBlockHeight = 10_000_000

// AgentState is one agent's virtual wallet.
type AgentState struct {
	ID           string          `json:"id"`
	Balance      decimal.Decimal `json:"balance"`
	TotalSpend   decimal.Decimal `json:"total_spend"`
	PaymentCount int64           `json:"payment_count"`
	BudgetLimit  decimal.Decimal `json:"budget_limit"`
	Active       bool            `json:"active"`
}

func newAgentState(id string) AgentState {
	return AgentState{
		ID:          id,
		Balance:     initialBalance,
		TotalSpend:  decimal.Zero,
		BudgetLimit: defaultBudget,
		Active:      true,
	}
}

// Invoice is a pending charge awaiting an L402 token.
type Invoice struct {
	ID      string          `json:"id"`
	Amount  decimal.Decimal `json:"amount"`
	AgentID string          `json:"agent_id"`
	Paid    bool            `json:"paid"`
}

// PaymentReceipt is returned by a successful settlement. TxHash is a mock
// value; ChainID depends on the configured network.
type PaymentReceipt struct {
	NewBalance  decimal.Decimal `json:"new_balance"`
	TxHash      string          `json:"tx_hash"`
	ChainID     string          `json:"chain_id"`
	BlockHeight int64           `json:"block_height"`
}

type agentEntry struct {
	mu    sync.Mutex
	state AgentState
}

type invoiceEntry struct {
	mu  sync.Mutex
	inv Invoice
}

// Ledger holds all wallets and invoices for one runtime.
//
// Thread safety: all methods are safe for concurrent use.
type Ledger struct {
	mu       sync.RWMutex
	agents   map[string]*agentEntry
	invoices map[string]*invoiceEntry
	log      zerolog.Logger
}

// NewLedger creates an empty in-memory ledger.
func NewLedger(logger zerolog.Logger) *Ledger {
	return &Ledger{
		agents:   make(map[string]*agentEntry),
		invoices: make(map[string]*invoiceEntry),
		log:      logger.With().Str("component", "ledger").Logger(),
	}
}

// RegisterOrGet returns the agent's state, creating a pre-funded wallet on
// first reference. The second return is true when the agent was created by
// this call.
func (l *Ledger) RegisterOrGet(agentID string) (AgentState, bool) {
	l.mu.RLock()
	entry, ok := l.agents[agentID]
	l.mu.RUnlock()

	if !ok {
		l.mu.Lock()
		entry, ok = l.agents[agentID]
		if !ok {
			state := newAgentState(agentID)
			l.agents[agentID] = &agentEntry{state: state}
			l.mu.Unlock()

			l.log.Info().
				Str("agent_id", agentID).
				Str("balance", state.Balance.String()).
				Str("budget_limit", state.BudgetLimit.String()).
				Msg("agent registered")

			return state, true
		}
		l.mu.Unlock()
	}

	entry.mu.Lock()
	state := entry.state
	entry.mu.Unlock()
	return state, false
}

// GetState returns the agent's state without side effects.
func (l *Ledger) GetState(agentID string) (AgentState, bool) {
	l.mu.RLock()
	entry, ok := l.agents[agentID]
	l.mu.RUnlock()
	if !ok {
		return AgentState{}, false
	}

	entry.mu.Lock()
	state := entry.state
	entry.mu.Unlock()
	return state, true
}

// ListAll returns every agent's state, sorted by ID for stable output.
func (l *Ledger) ListAll() []AgentState {
	l.mu.RLock()
	entries := make([]*agentEntry, 0, len(l.agents))
	for _, entry := range l.agents {
		entries = append(entries, entry)
	}
	l.mu.RUnlock()

	states := make([]AgentState, 0, len(entries))
	for _, entry := range entries {
		entry.mu.Lock()
		states = append(states, entry.state)
		entry.mu.Unlock()
	}

	sort.Slice(states, func(i, j int) bool { return states[i].ID < states[j].ID })
	return states
}

// SetBalance is the admin override used by the budget control endpoint. It
// creates the agent if absent.
func (l *Ledger) SetBalance(agentID string, amount decimal.Decimal) AgentState {
	l.mu.RLock()
	entry, ok := l.agents[agentID]
	l.mu.RUnlock()

	if !ok {
		l.mu.Lock()
		entry, ok = l.agents[agentID]
		if !ok {
			entry = &agentEntry{state: newAgentState(agentID)}
			l.agents[agentID] = entry
		}
		l.mu.Unlock()
	}

	entry.mu.Lock()
	entry.state.Balance = amount
	state := entry.state
	entry.mu.Unlock()

	l.log.Info().
		Str("agent_id", agentID).
		Str("balance", amount.String()).
		Msg("balance set")

	return state
}

// CreateInvoice records a pending charge against the agent and returns it.
func (l *Ledger) CreateInvoice(agentID string, amount decimal.Decimal) Invoice {
	inv := Invoice{
		ID:      uuid.New().String(),
		Amount:  amount,
		AgentID: agentID,
	}

	l.mu.Lock()
	l.invoices[inv.ID] = &invoiceEntry{inv: inv}
	l.mu.Unlock()

	l.log.Debug().
		Str("invoice_id", inv.ID).
		Str("agent_id", agentID).
		Str("amount", amount.String()).
		Msg("invoice created")

	return inv
}

// GetInvoice returns an invoice by ID.
func (l *Ledger) GetInvoice(invoiceID string) (Invoice, bool) {
	l.mu.RLock()
	entry, ok := l.invoices[invoiceID]
	l.mu.RUnlock()
	if !ok {
		return Invoice{}, false
	}

	entry.mu.Lock()
	inv := entry.inv
	entry.mu.Unlock()
	return inv, true
}

// PayInvoice settles an invoice against the paying agent's wallet.
//
// Checks run in a fixed order and the first failure returns its error with
// no state change: invoice exists, not already paid, belongs to the paying
// agent, agent exists, sufficient balance, within budget cap. On success the
// debit, spend accounting, payment count, and paid flag all change inside
// one critical section, so concurrent settlements against the same agent
// can never overdraw the wallet or breach the cap.
func (l *Ledger) PayInvoice(invoiceID, agentID, network string) (PaymentReceipt, error) {
	l.mu.RLock()
	invEntry, ok := l.invoices[invoiceID]
	l.mu.RUnlock()
	if !ok {
		return PaymentReceipt{}, ErrInvoiceInvalid
	}

	// Lock order is invoice, then agent.
	invEntry.mu.Lock()
	defer invEntry.mu.Unlock()

	if invEntry.inv.Paid {
		return PaymentReceipt{}, ErrInvoiceAlreadyPaid
	}
	if invEntry.inv.AgentID != agentID {
		return PaymentReceipt{}, ErrInvoiceWrongAgent
	}

	l.mu.RLock()
	agEntry, ok := l.agents[agentID]
	l.mu.RUnlock()
	if !ok {
		return PaymentReceipt{}, ErrAgentNotFound
	}

	agEntry.mu.Lock()
	defer agEntry.mu.Unlock()

	amount := invEntry.inv.Amount
	if agEntry.state.Balance.LessThan(amount) {
		return PaymentReceipt{}, ErrInsufficientFunds
	}
	if agEntry.state.TotalSpend.Add(amount).GreaterThan(agEntry.state.BudgetLimit) {
		return PaymentReceipt{}, ErrBudgetExceeded
	}

	agEntry.state.Balance = agEntry.state.Balance.Sub(amount)
	agEntry.state.TotalSpend = agEntry.state.TotalSpend.Add(amount)
	agEntry.state.PaymentCount++
	invEntry.inv.Paid = true

	receipt := PaymentReceipt{
		NewBalance:  agEntry.state.Balance,
		TxHash:      mockTxHash(),
		ChainID:     chainIDFor(network),
		BlockHeight: baseBlockHeight + agEntry.state.PaymentCount,
	}

	l.log.Info().
		Str("agent_id", agentID).
		Str("invoice_id", invoiceID).
		Str("amount", amount.String()).
		Str("new_balance", receipt.NewBalance.String()).
		Int64("payment_count", agEntry.state.PaymentCount).
		Str("tx_hash", receipt.TxHash).
		Msg("invoice settled")

	return receipt, nil
}

func chainIDFor(network string) string {
	if network == "cronos-mainnet" {
		return "25"
	}
	return "338"
}

// mockTxHash fabricates a settlement hash: 0x plus 64 lowercase hex chars.
// It draws from the global math/rand source so the chaos PRNG sequence is
// not perturbed.
func mockTxHash() string {
	return fmt.Sprintf("0x%016x%016x%016x%016x",
		rand.Uint64(), rand.Uint64(), rand.Uint64(), rand.Uint64())
}
