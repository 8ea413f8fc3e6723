package main

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/localcouncil/council/internal/counciltypes"
	"github.com/localcouncil/council/internal/orchestrator"
	"github.com/localcouncil/council/internal/router"
)

// buildSeatRunner adapts a list of provider argv templates into an
// orchestrator.SeatRunner: each provider is invoked in order via the
// provider router (fallback + breaker + retries), passing the seat's
// prompt file path as the final argument and capturing stdout as the
// seat's raw output (spec §4.1/§4.4 — "each agent is an invocation of an
// external language-model runner").
func buildSeatRunner(providerCmds [][]string, breaker *router.Breaker, budgetOK router.BudgetOK, retries int) func(ctx context.Context, seat counciltypes.Seat) (string, error) {
	rt := &router.Router{Breaker: breaker, BudgetOK: budgetOK}
	return func(ctx context.Context, seat counciltypes.Seat) (string, error) {
		var partial string // stdout of the last provider process that failed
		specs := make([]router.ProviderSpec, 0, len(providerCmds))
		for _, argv := range providerCmds {
			argv := argv
			specs = append(specs, router.ProviderSpec{
				Name:    argv[0],
				Retries: retries,
				Call: func() (string, error) {
					full := append(append([]string{}, argv[1:]...), seat.PromptPath)
					cmd := exec.CommandContext(ctx, argv[0], full...)
					var stdout bytes.Buffer
					cmd.Stdout = &stdout
					if err := cmd.Start(); err != nil {
						return "", fmt.Errorf("%s: %w", argv[0], err)
					}
					orchestrator.ReportSeatPID(ctx, cmd.Process.Pid)
					if err := cmd.Wait(); err != nil {
						partial = stdout.String()
						return stdout.String(), fmt.Errorf("%s: %w", argv[0], err)
					}
					return stdout.String(), nil
				},
			})
		}
		if len(specs) == 0 {
			return "", fmt.Errorf("%w: no --provider-cmd configured", counciltypes.ErrNoProviders)
		}
		res := rt.Route(specs)
		if !res.OK {
			return partial, router.Err(res)
		}
		return res.Text, nil
	}
}

// parseProviderCmds splits each "--provider-cmd" value into an argv, e.g.
// "claude -p --json" -> ["claude", "-p", "--json"].
func parseProviderCmds(raw []string) [][]string {
	var out [][]string
	for _, r := range raw {
		fields := strings.Fields(r)
		if len(fields) == 0 {
			continue
		}
		out = append(out, fields)
	}
	return out
}
