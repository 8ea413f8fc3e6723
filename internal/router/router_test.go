package router

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/localcouncil/council/internal/counciltypes"
)

func TestRouteFirstProviderSucceeds(t *testing.T) {
	r := &Router{}
	res := r.Route([]ProviderSpec{
		{Name: "primary", Call: func() (string, error) { return "ok", nil }},
	})
	require.True(t, res.OK)
	require.Equal(t, "ok", res.Text)
}

func TestRouteFallsBackOnFailure(t *testing.T) {
	r := &Router{}
	calls := 0
	res := r.Route([]ProviderSpec{
		{Name: "bad", Call: func() (string, error) { calls++; return "", errors.New("boom") }},
		{Name: "good", Call: func() (string, error) { calls++; return "fallback", nil }},
	})
	require.True(t, res.OK)
	require.Equal(t, "fallback", res.Text)
	require.Equal(t, 2, calls)
}

func TestRouteRetriesBeforeFallingBack(t *testing.T) {
	r := &Router{}
	attempts := 0
	res := r.Route([]ProviderSpec{
		{Name: "flaky", Retries: 2, Call: func() (string, error) {
			attempts++
			if attempts < 3 {
				return "", errors.New("transient")
			}
			return "recovered", nil
		}},
	})
	require.True(t, res.OK)
	require.Equal(t, 3, attempts)
}

func TestRouteAllFailReturnsLastError(t *testing.T) {
	r := &Router{}
	res := r.Route([]ProviderSpec{
		{Name: "a", Call: func() (string, error) { return "", errors.New("err-a") }},
		{Name: "b", Call: func() (string, error) { return "", errors.New("err-b") }},
	})
	require.False(t, res.OK)
	require.Equal(t, "b", res.Provider)
	require.ErrorIs(t, Err(res), counciltypes.ErrProviderError)
}

func TestRouteNoProviders(t *testing.T) {
	r := &Router{}
	res := r.Route(nil)
	require.False(t, res.OK)
	require.ErrorIs(t, Err(res), counciltypes.ErrNoProviders)
}

func TestBreakerOpensAfterFailureAndSkipsProvider(t *testing.T) {
	statePath := filepath.Join(t.TempDir(), "providers.json")
	breaker := NewBreaker(statePath, time.Minute)
	r := &Router{Breaker: breaker}

	calls := 0
	res := r.Route([]ProviderSpec{
		{Name: "flaky", Call: func() (string, error) { calls++; return "", errors.New("down") }},
	})
	require.False(t, res.OK)
	require.Equal(t, 1, calls)
	require.True(t, breaker.IsOpen("flaky"))

	res2 := r.Route([]ProviderSpec{
		{Name: "flaky", Call: func() (string, error) { calls++; return "should not run", nil }},
	})
	require.False(t, res2.OK)
	require.Equal(t, 1, calls, "breaker must skip the call entirely while open")
	require.ErrorIs(t, Err(res2), counciltypes.ErrCircuitOpen)
}

func TestBreakerClearsOnSuccess(t *testing.T) {
	statePath := filepath.Join(t.TempDir(), "providers.json")
	breaker := NewBreaker(statePath, time.Minute)
	breaker.RecordFailure("p", "down")
	require.True(t, breaker.IsOpen("p"))
	breaker.RecordSuccess("p")
	require.False(t, breaker.IsOpen("p"))
}

func TestBudgetOKSkipsWithoutTouchingBreaker(t *testing.T) {
	statePath := filepath.Join(t.TempDir(), "providers.json")
	breaker := NewBreaker(statePath, time.Minute)
	r := &Router{Breaker: breaker, BudgetOK: func(string) bool { return false }}

	res := r.Route([]ProviderSpec{{Name: "p", Call: func() (string, error) { return "x", nil }}})
	require.False(t, res.OK)
	require.ErrorIs(t, Err(res), counciltypes.ErrBudgetExhausted)
	require.False(t, breaker.IsOpen("p"))
}
