// Package chaos injects deterministic failures into the proxy pipeline.
//
// The engine owns a ChaCha8 stream-cipher PRNG seeded from the configured
// seed, so a fixed seed and a fixed order of roll operations reproduce the
// same outcomes across runs. Every roll advances the PRNG, which is why the
// whole engine sits behind one exclusive mutex rather than a reader-writer
// split. Reconfiguring reseeds the PRNG before the new config takes effect,
// making any chaos run replayable from its seed.
package chaos

import (
	"context"
	"encoding/binary"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Config is the live chaos policy. Rates are probabilities in [0.0, 1.0];
// latencies are milliseconds.
type Config struct {
	Enabled            bool    `json:"enabled"`
	Seed               uint64  `json:"seed"`
	GlobalFailureRate  float64 `json:"global_failure_rate"`
	PaymentFailureRate float64 `json:"payment_failure_rate"`
	RugRate            float64 `json:"rug_rate"`
	MinLatencyMs       uint64  `json:"min_latency_ms"`
	MaxLatencyMs       uint64  `json:"max_latency_ms"`
}

// networkErrorCodes are the injected upstream-style failures: node down,
// rate limited, consensus stuck.
var networkErrorCodes = [...]int{503, 429, 504}

// Engine holds the chaos policy and its PRNG under a single mutex.
type Engine struct {
	mu  sync.Mutex
	cfg Config
	rng *rand.Rand
	log zerolog.Logger
}

// NewEngine creates a disabled engine. Enable it via SetConfig.
func NewEngine(logger zerolog.Logger) *Engine {
	return &Engine{
		rng: newRNG(0),
		log: logger.With().Str("component", "chaos").Logger(),
	}
}

func newRNG(seed uint64) *rand.Rand {
	var key [32]byte
	binary.LittleEndian.PutUint64(key[:8], seed)
	return rand.New(rand.NewChaCha8(key))
}

// SetConfig installs a new policy. The PRNG is reseeded first so the very
// next roll already draws from the new seed.
func (e *Engine) SetConfig(cfg Config) {
	e.mu.Lock()
	e.rng = newRNG(cfg.Seed)
	e.cfg = cfg
	e.mu.Unlock()

	e.log.Info().
		Bool("enabled", cfg.Enabled).
		Uint64("seed", cfg.Seed).
		Float64("failure_rate", cfg.GlobalFailureRate).
		Float64("payment_failure_rate", cfg.PaymentFailureRate).
		Float64("rug_rate", cfg.RugRate).
		Uint64("min_latency_ms", cfg.MinLatencyMs).
		Uint64("max_latency_ms", cfg.MaxLatencyMs).
		Msg("chaos configuration updated")
}

// GetConfig returns a snapshot of the current policy.
func (e *Engine) GetConfig() Config {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg
}

// RollNetworkFailure decides whether to fail the request before it reaches
// the upstream. On a hit it returns one of 503, 429, or 504.
func (e *Engine) RollNetworkFailure() (int, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.bernoulli(e.cfg.GlobalFailureRate) {
		return 0, false
	}
	return networkErrorCodes[e.rng.IntN(len(networkErrorCodes))], true
}

// RollPaymentFailure decides whether a settlement attempt is rejected
// before it reaches the ledger.
func (e *Engine) RollPaymentFailure() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.bernoulli(e.cfg.PaymentFailureRate)
}

// RollRugPull decides whether to drop a request whose payment already
// settled.
func (e *Engine) RollRugPull() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.bernoulli(e.cfg.RugRate)
}

// bernoulli draws once with the given probability. Caller must hold e.mu.
// A disabled engine never draws, so it never advances the PRNG.
func (e *Engine) bernoulli(rate float64) bool {
	if !e.cfg.Enabled {
		return false
	}
	return e.rng.Float64() < rate
}

// InjectLatency sleeps for a uniformly drawn duration between the
// configured bounds. The draw happens under the lock; the sleep does not.
// Returns early if ctx is cancelled.
func (e *Engine) InjectLatency(ctx context.Context) {
	e.mu.Lock()
	if !e.cfg.Enabled || e.cfg.MaxLatencyMs == 0 {
		e.mu.Unlock()
		return
	}
	lo, hi := e.cfg.MinLatencyMs, e.cfg.MaxLatencyMs
	if lo > hi {
		lo = hi
	}
	var delay uint64
	if span := hi - lo + 1; span == 0 {
		delay = e.rng.Uint64()
	} else {
		delay = lo + e.rng.Uint64N(span)
	}
	e.mu.Unlock()

	timer := time.NewTimer(time.Duration(delay) * time.Millisecond)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}
