package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/localcouncil/council/internal/counciltypes"
	"github.com/localcouncil/council/internal/stopflag"
)

func newTestSeats(n int, runDir string) []counciltypes.Seat {
	seats := make([]counciltypes.Seat, n)
	for i := 0; i < n; i++ {
		idx := i + 1
		seats[i] = counciltypes.Seat{
			Index:   idx,
			Role:    "Engineer",
			OutPath: filepath.Join(runDir, fmt.Sprintf("round1_agent%d.md", idx)),
		}
	}
	return seats
}

func decisionMD(summary string, confidence float64) string {
	return fmt.Sprintf("Some prose.\n```json DECISION_JSON\n{\"summary\": %q, \"files\": [], \"commands\": [], \"confidence\": %f}\n```\n", summary, confidence)
}

func TestRunRoundAllSeatsSucceed(t *testing.T) {
	runDir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(runDir, "state"), 0o700))
	seats := newTestSeats(3, runDir)

	opts := Options{
		RunDir: runDir,
		Round:  1,
		Seats:  seats,
		Stop:   stopflag.NewPaths(runDir, "", runDir),
		RunSeat: func(ctx context.Context, seat counciltypes.Seat) (string, error) {
			return decisionMD(fmt.Sprintf("seat-%d", seat.Index), 0.5+0.1*float64(seat.Index)), nil
		},
	}

	result, err := RunRound(context.Background(), opts)
	require.NoError(t, err)
	require.Equal(t, StateComplete, result.State)
	require.True(t, result.RoundReport.OK)
	require.Empty(t, result.RoundReport.Missing)
	require.NotNil(t, result.Winner)
	require.Equal(t, 3, result.Winner.Agent, "highest confidence seat should win")
}

func TestRunRoundStopFlagShortCircuits(t *testing.T) {
	runDir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(runDir, "state"), 0o700))
	stopPaths := stopflag.NewPaths(runDir, "", runDir)
	require.NoError(t, os.WriteFile(stopPaths.RunDir, []byte("stop"), 0o600))

	called := false
	opts := Options{
		RunDir: runDir,
		Round:  1,
		Seats:  newTestSeats(2, runDir),
		Stop:   stopPaths,
		RunSeat: func(ctx context.Context, seat counciltypes.Seat) (string, error) {
			called = true
			return "", nil
		},
	}

	result, err := RunRound(context.Background(), opts)
	require.Error(t, err)
	require.Equal(t, StateStopped, result.State)
	require.False(t, called, "seats must never launch once a stop flag is already present")
}

func TestRunRoundStopFlagMidLaunch(t *testing.T) {
	runDir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(runDir, "state"), 0o700))
	stopPaths := stopflag.NewPaths(runDir, "", runDir)

	started := make(chan struct{}, 2)
	opts := Options{
		RunDir: runDir,
		Round:  1,
		Seats:  newTestSeats(2, runDir),
		Stop:   stopPaths,
		RunSeat: func(ctx context.Context, seat counciltypes.Seat) (string, error) {
			started <- struct{}{}
			<-ctx.Done()
			return "", ctx.Err()
		},
	}

	go func() {
		<-started
		<-started
		require.NoError(t, os.WriteFile(stopPaths.RunDir, []byte("stop"), 0o600))
	}()

	done := make(chan struct{})
	var result Result
	var err error
	go func() {
		result, err = RunRound(context.Background(), opts)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(30 * time.Second):
		t.Fatal("RunRound did not observe the mid-round stop flag in time")
	}

	require.ErrorIs(t, err, counciltypes.ErrStopRequested)
	require.Equal(t, StateStopped, result.State)
	require.True(t, result.RoundReport.Stopped)
	require.Equal(t, stopflag.ReasonRunDir, result.StopReason)
}

func TestContextWithPIDSinkReportsPID(t *testing.T) {
	var got int
	ctx := ContextWithPIDSink(context.Background(), func(pid int) { got = pid })
	ReportSeatPID(ctx, 4242)
	require.Equal(t, 4242, got)
}

func TestReportSeatPIDWithoutSinkIsNoop(t *testing.T) {
	require.NotPanics(t, func() {
		ReportSeatPID(context.Background(), 1)
	})
}

func TestRunRoundRepairsMissingSeat(t *testing.T) {
	runDir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(runDir, "state"), 0o700))
	seats := newTestSeats(2, runDir)

	opts := Options{
		RunDir:     runDir,
		RepoRoot:   runDir,
		Round:      1,
		Seats:      seats,
		RepairTask: "produce a decision",
		Stop:       stopflag.NewPaths(runDir, "", runDir),
		RunSeat: func(ctx context.Context, seat counciltypes.Seat) (string, error) {
			if seat.Index == 1 {
				return decisionMD("good seat", 0.7), nil
			}
			return "no structured output here", nil
		},
		RunRepair: func(ctx context.Context, seat counciltypes.Seat) (string, error) {
			return decisionMD("repaired seat", 0.6), nil
		},
	}

	result, err := RunRound(context.Background(), opts)
	require.NoError(t, err)
	require.Equal(t, StateComplete, result.State)
	require.True(t, result.RoundReport.OK, "repair should have recovered the missing seat")
	require.NotNil(t, result.Winner)
}

func TestRunRoundContractViolationWhenAllSeatsMissing(t *testing.T) {
	runDir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(runDir, "state"), 0o700))
	seats := newTestSeats(2, runDir)

	opts := Options{
		RunDir: runDir,
		Round:  1,
		Seats:  seats,
		Stop:   stopflag.NewPaths(runDir, "", runDir),
		RunSeat: func(ctx context.Context, seat counciltypes.Seat) (string, error) {
			return "no decision at all", nil
		},
	}

	result, err := RunRound(context.Background(), opts)
	require.Error(t, err)
	require.ErrorIs(t, err, counciltypes.ErrContractViolation)
	require.Equal(t, StateFailed, result.State)
}
