// Package router dispatches a seat's LM call across an ordered list of
// providers with per-provider retries, a time-windowed circuit breaker, and
// an optional budget gate (spec §4.4). It is a best-effort shield against
// hammering a failing provider, not a strict rate limiter.
package router

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/localcouncil/council/internal/atomicfile"
	"github.com/localcouncil/council/internal/counciltypes"
)

// ProviderSpec describes one callable backend the router may attempt.
type ProviderSpec struct {
	Name    string
	Model   string
	Call    func() (string, error)
	Retries int
}

// Breaker persists per-provider open/closed state to providers.json so it
// survives across seats and rounds within a run.
type Breaker struct {
	statePath string
	openFor   time.Duration
}

// NewBreaker builds a Breaker backed by statePath (normally
// <rundir>/state/providers.json).
func NewBreaker(statePath string, openFor time.Duration) *Breaker {
	if openFor <= 0 {
		openFor = 120 * time.Second
	}
	return &Breaker{statePath: statePath, openFor: openFor}
}

func (b *Breaker) load() map[string]counciltypes.BreakerState {
	st := map[string]counciltypes.BreakerState{}
	data, err := os.ReadFile(b.statePath)
	if err != nil {
		return st
	}
	_ = json.Unmarshal(data, &st) // corrupted state is treated as empty
	return st
}

func (b *Breaker) save(st map[string]counciltypes.BreakerState) {
	if err := os.MkdirAll(filepath.Dir(b.statePath), 0o700); err != nil {
		return
	}
	_ = atomicfile.WriteJSON(b.statePath, st)
}

// IsOpen reports whether provider's breaker is currently tripped.
func (b *Breaker) IsOpen(provider string) bool {
	st := b.load()
	row := st[provider]
	return row.IsOpen(time.Now())
}

// RecordSuccess clears provider's open-until window.
func (b *Breaker) RecordSuccess(provider string) {
	st := b.load()
	row := st[provider]
	row.OpenUntil = 0
	row.LastOK = counciltypes.NowUnix()
	row.LastErr = ""
	st[provider] = row
	b.save(st)
}

// RecordFailure opens provider's breaker for b.openFor from now.
func (b *Breaker) RecordFailure(provider, errMsg string) {
	st := b.load()
	row := st[provider]
	row.OpenUntil = float64(time.Now().Add(b.openFor).Unix())
	row.LastErr = truncate(errMsg, 400)
	st[provider] = row
	b.save(st)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// BudgetOK is consulted before every provider attempt; returning false skips
// the provider with a budget_exhausted outcome without touching the breaker.
type BudgetOK func(provider string) bool

// Router fans a call out across ProviderSpecs in order, honoring the
// breaker and budget gate, and returns the first success or the last
// failure observed.
type Router struct {
	Breaker  *Breaker
	BudgetOK BudgetOK
}

// Route attempts each provider in order. A provider with Retries>0 is tried
// up to Retries+1 times before moving on; the breaker only records failure
// after all of a provider's attempts are exhausted.
func (r *Router) Route(providers []ProviderSpec) counciltypes.AttemptResult {
	var last *counciltypes.AttemptResult

	for _, spec := range providers {
		if r.BudgetOK != nil && !r.BudgetOK(spec.Name) {
			res := counciltypes.AttemptResult{OK: false, Provider: spec.Name, Model: spec.Model, Error: counciltypes.ErrBudgetExhausted.Error()}
			last = &res
			continue
		}
		if r.Breaker != nil && r.Breaker.IsOpen(spec.Name) {
			res := counciltypes.AttemptResult{OK: false, Provider: spec.Name, Model: spec.Model, Error: counciltypes.ErrCircuitOpen.Error()}
			last = &res
			continue
		}

		tries := spec.Retries + 1
		if tries < 1 {
			tries = 1
		}
		for attempt := 0; attempt < tries; attempt++ {
			t0 := time.Now()
			text, err := spec.Call()
			duration := time.Since(t0).Seconds()

			if err == nil {
				res := counciltypes.AttemptResult{OK: true, Provider: spec.Name, Model: spec.Model, Duration: duration, Text: text}
				if r.Breaker != nil {
					r.Breaker.RecordSuccess(spec.Name)
				}
				return res
			}

			res := counciltypes.AttemptResult{OK: false, Provider: spec.Name, Model: spec.Model, Duration: duration, Error: err.Error()}
			last = &res
			if attempt == tries-1 && r.Breaker != nil {
				r.Breaker.RecordFailure(spec.Name, err.Error())
			}
		}
	}

	if last != nil {
		return *last
	}
	return counciltypes.AttemptResult{OK: false, Error: counciltypes.ErrNoProviders.Error()}
}

// Err maps an AttemptResult's Error string back to a sentinel from the
// closed taxonomy, for callers that need errors.Is semantics.
func Err(res counciltypes.AttemptResult) error {
	if res.OK {
		return nil
	}
	switch res.Error {
	case counciltypes.ErrBudgetExhausted.Error():
		return counciltypes.ErrBudgetExhausted
	case counciltypes.ErrCircuitOpen.Error():
		return counciltypes.ErrCircuitOpen
	case counciltypes.ErrNoProviders.Error():
		return counciltypes.ErrNoProviders
	default:
		return fmt.Errorf("%w: %s", counciltypes.ErrProviderError, res.Error)
	}
}
