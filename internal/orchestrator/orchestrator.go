// Package orchestrator drives one round's state machine: fan out seats
// subject to the governor, collect outputs, extract decisions, repair
// missing seats, rank a winner, and optionally patch + verify (spec §4.2,
// the hardest subsystem here).
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/localcouncil/council/internal/atomicfile"
	"github.com/localcouncil/council/internal/counciltypes"
	"github.com/localcouncil/council/internal/decision"
	"github.com/localcouncil/council/internal/governor"
	"github.com/localcouncil/council/internal/idempotency"
	"github.com/localcouncil/council/internal/patchapply"
	"github.com/localcouncil/council/internal/procutil"
	"github.com/localcouncil/council/internal/stopflag"
	"github.com/localcouncil/council/internal/verify"
)

// stopPollInterval is the fixed interval WAITING polls stop flags at, on top
// of the fsnotify fast path (spec §5, §8 invariant 6: "one state-transition
// tick").
const stopPollInterval = 500 * time.Millisecond

// stopGracePeriod is G from spec §8 invariant 6: seconds after SIGTERM
// before a still-alive seat process tree is escalated to SIGKILL.
const stopGracePeriod = 10 * time.Second

// State names every node of the per-round state machine, in the order
// listed by the round orchestrator's transition table.
type State string

const (
	StateInit      State = "INIT"
	StateLaunching State = "LAUNCHING"
	StateWaiting   State = "WAITING"
	StateExtract   State = "EXTRACTING"
	StateRepair    State = "REPAIRING"
	StateEnrich    State = "ENRICHING"
	StateRanking   State = "RANKING"
	StateApplying  State = "APPLYING"
	StateVerifying State = "VERIFYING"
	StateComplete  State = "COMPLETE"
	StateFailed    State = "FAILED"
	StateStopped   State = "STOPPED"
)

// SeatRunner invokes one seat's subprocess. It must honor ctx's deadline
// and return the seat's raw markdown output (possibly partial) alongside
// any error; a deadline-exceeded context still returns whatever output the
// process produced before being killed.
type SeatRunner func(ctx context.Context, seat counciltypes.Seat) (output string, err error)

type pidSinkKey struct{}

// ContextWithPIDSink attaches a PID-reporting hook to ctx. A SeatRunner that
// shells out to a subprocess should call ReportSeatPID with the ctx it was
// given right after starting it, so the round orchestrator can terminate the
// right process tree the moment a stop flag is observed (spec §8 invariant
// 6). Seat runners that never observe a PID (in-process mocks, tests) simply
// never call it; the round still stops via context cancellation.
func ContextWithPIDSink(ctx context.Context, report func(pid int)) context.Context {
	return context.WithValue(ctx, pidSinkKey{}, report)
}

// ReportSeatPID invokes the PID sink registered on ctx via
// ContextWithPIDSink, if any.
func ReportSeatPID(ctx context.Context, pid int) {
	if report, ok := ctx.Value(pidSinkKey{}).(func(pid int)); ok {
		report(pid)
	}
}

// pidRegistry tracks the live OS PID of each seat currently running, so a
// mid-round stop can terminate every seat's process tree.
type pidRegistry struct {
	mu   sync.Mutex
	pids map[int]int
}

func newPIDRegistry() *pidRegistry { return &pidRegistry{pids: map[int]int{}} }

func (r *pidRegistry) set(seat, pid int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pids[seat] = pid
}

func (r *pidRegistry) snapshot() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]int, 0, len(r.pids))
	for _, pid := range r.pids {
		out = append(out, pid)
	}
	return out
}

// Enricher is a pluggable post-round step that must not mutate decisions;
// its failures are logged as warnings but never fail the round.
type Enricher struct {
	Name    string
	Timeout time.Duration
	Run     func(ctx context.Context, runDir string, round int) error
}

// Options configures one round's execution.
type Options struct {
	RunDir          string
	RepoRoot        string
	Round           int
	Seats           []counciltypes.Seat
	SeatDeadline    time.Duration // default 900s
	MaxRepairTries  int           // default 2
	RepairTask      string        // task text rendered into the repair prompt
	Require         bool          // fail the mission if any seat ends up missing
	Strict          bool          // verify failure in an applying round is mission-fatal
	VerifyBuildCmd  []string      // verify check #1 override; empty auto-detects (verify.DetectBuildCmd)
	AllowRiskyCode  bool          // passed through to the staged secret scan
	AllowApply      bool          // only rounds >= 2 per spec §4.2
	AllowedPrefixes []string
	Approvals       *idempotency.Approvals
	ActionID        string
	Enrichers       []Enricher
	Stop            stopflag.Paths
	Logger          *zap.Logger // nil uses zap.NewNop()

	Governor  *governor.Governor
	RunSeat   SeatRunner
	RunRepair SeatRunner
}

// Result captures everything written/decided for this round.
type Result struct {
	State        State
	RoundReport  counciltypes.RoundReport
	Winner       *counciltypes.Decision
	PatchReport  *counciltypes.PatchApplyReport
	VerifyReport *counciltypes.VerifyReport
	StopReason   stopflag.Reason
}

// RunRound drives the full per-round state machine described by spec §4.2.
func RunRound(ctx context.Context, opts Options) (Result, error) {
	if opts.SeatDeadline <= 0 {
		opts.SeatDeadline = 900 * time.Second
	}
	if opts.MaxRepairTries <= 0 {
		opts.MaxRepairTries = 2
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	log := opts.Logger.With(zap.Int("round", opts.Round))
	log.Info("round starting", zap.Int("seats", len(opts.Seats)), zap.Bool("allow_apply", opts.AllowApply))

	if ok, reason := stopflag.Check(opts.Stop); ok {
		log.Warn("round stopped before launch", zap.String("reason", string(reason)))
		return Result{State: StateStopped, StopReason: reason}, counciltypes.ErrStopRequested
	}

	stopped, reason, err := launchSeats(ctx, opts, log)
	if err != nil {
		log.Error("seat launch failed", zap.Error(err))
		return Result{State: StateFailed}, err
	}
	if stopped {
		log.Warn("round stopped mid-launch", zap.String("reason", string(reason)))
		return Result{
			State:      StateStopped,
			StopReason: reason,
			RoundReport: counciltypes.RoundReport{
				Round:       opts.Round,
				AgentCount:  len(opts.Seats),
				Stopped:     true,
				GeneratedAt: counciltypes.NowUnix(),
			},
		}, counciltypes.ErrStopRequested
	}

	if ok, reason := stopflag.Check(opts.Stop); ok {
		log.Warn("round stopped after launch", zap.String("reason", string(reason)))
		return Result{
			State:      StateStopped,
			StopReason: reason,
			RoundReport: counciltypes.RoundReport{
				Round:       opts.Round,
				AgentCount:  len(opts.Seats),
				Stopped:     true,
				GeneratedAt: counciltypes.NowUnix(),
			},
		}, counciltypes.ErrStopRequested
	}

	report, err := decision.ExtractRound(opts.RunDir, opts.Round, len(opts.Seats))
	if err != nil {
		log.Error("decision extraction failed", zap.Error(err))
		return Result{State: StateFailed}, err
	}

	if len(report.Missing) > 0 && opts.RunRepair != nil {
		log.Info("repairing missing seats", zap.Ints("missing", report.Missing))
		if err := runRepairRounds(ctx, opts, report.Missing); err != nil {
			if errors.Is(err, counciltypes.ErrStopRequested) {
				log.Warn("round stopped during repair")
				return Result{State: StateStopped}, err
			}
			log.Error("repair failed", zap.Error(err))
			return Result{State: StateFailed}, err
		}
		report, err = decision.ExtractRound(opts.RunDir, opts.Round, len(opts.Seats))
		if err != nil {
			return Result{State: StateFailed}, err
		}
	}

	if len(opts.Enrichers) > 0 {
		runEnrichers(ctx, opts)
	}

	decisions, err := loadRoundDecisions(opts.RunDir, opts.Round, len(opts.Seats))
	if err != nil {
		return Result{State: StateFailed}, err
	}
	winner := Rank(decisions)
	if winner != nil {
		log.Info("winner ranked", zap.Int("seat", winner.Agent), zap.Float64("confidence", winner.Confidence))
	} else {
		log.Warn("no winner ranked", zap.Int("decisions", len(decisions)))
	}

	result := Result{State: StateComplete, RoundReport: report, Winner: winner}

	if opts.AllowApply && opts.Round >= 2 && winner != nil {
		patchReport, err := patchapply.ApplyRound(ctx, opts.Round, winner.Agent, rawTextOf(*winner), patchapply.Options{
			RepoRoot:        opts.RepoRoot,
			AllowedPrefixes: opts.AllowedPrefixes,
			Approvals:       opts.Approvals,
			ActionID:        opts.ActionID,
		})
		if err != nil {
			log.Error("patch apply failed", zap.Error(err))
			return Result{State: StateFailed}, err
		}
		if err := atomicfile.WriteJSON(filepath.Join(opts.RunDir, "state", fmt.Sprintf("patch_apply_round%d.json", opts.Round)), patchReport); err != nil {
			return Result{State: StateFailed}, err
		}
		result.PatchReport = &patchReport
		log.Info("patch applied", zap.Bool("skipped", patchReport.Skipped), zap.Int("blocks", len(patchReport.Blocks)))

		pipeline := verify.Pipeline{
			RepoRoot:       opts.RepoRoot,
			BuildCmd:       opts.VerifyBuildCmd,
			Strict:         opts.Strict,
			AllowRiskyCode: opts.AllowRiskyCode,
		}
		verifyReport, vErr := pipeline.Run(ctx, opts.RunDir)
		result.VerifyReport = &verifyReport
		log.Info("verify pipeline ran", zap.Bool("ok", verifyReport.OK), zap.Int("checks", len(verifyReport.Checks)))
		if vErr != nil && opts.Strict {
			log.Error("verify failed in strict mode", zap.Error(vErr))
			result.State = StateFailed
			return result, fmt.Errorf("round %d: %w", opts.Round, vErr)
		}
	}

	if !report.OK && (opts.Require || len(report.Missing) == len(opts.Seats)) {
		log.Error("round failed contract requirement", zap.Ints("missing", report.Missing))
		result.State = StateFailed
		return result, fmt.Errorf("round %d: %w", opts.Round, counciltypes.ErrContractViolation)
	}

	log.Info("round complete")
	return result, nil
}

// launchSeats fans seats out under the errgroup, racing their completion
// against a stop-flag watcher and a fixed-interval poll (spec §5: "polled at
// each state boundary and at a fixed interval inside WAITING"). The instant
// a stop is observed it cancels the round context and escalates every
// running seat's process tree from SIGTERM to SIGKILL within
// stopGracePeriod (spec §8 invariant 6), rather than waiting for seats to
// finish on their own.
func launchSeats(ctx context.Context, opts Options, log *zap.Logger) (stopped bool, reason stopflag.Reason, err error) {
	roundCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	registry := newPIDRegistry()
	g, gctx := errgroup.WithContext(roundCtx)
	for _, seat := range opts.Seats {
		seat := seat
		g.Go(func() error {
			runSeat(gctx, opts, seat, registry)
			return nil // seat-level failures surface as missing decisions, not round errors
		})
	}

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	watcher, werr := stopflag.NewWatcher(opts.Stop)
	if werr != nil {
		log.Debug("stop-flag watcher unavailable, falling back to polling", zap.Error(werr))
	} else {
		defer watcher.Close()
	}

	ticker := time.NewTicker(stopPollInterval)
	defer ticker.Stop()

	var hit <-chan stopflag.Reason
	if watcher != nil {
		hit = watcher.Hit()
	}

	for {
		select {
		case err := <-done:
			return false, "", err
		case r := <-hit:
			killSeatsWithGrace(registry.snapshot(), log)
			cancel()
			<-done
			return true, r, nil
		case <-ticker.C:
			if ok, r := stopflag.Check(opts.Stop); ok {
				killSeatsWithGrace(registry.snapshot(), log)
				cancel()
				<-done
				return true, r, nil
			}
		}
	}
}

// killSeatsWithGrace sends SIGTERM to every given head PID's process tree,
// then polls for liveness up to stopGracePeriod before escalating any
// survivor to SIGKILL (spec §8 invariant 6).
func killSeatsWithGrace(pids []int, log *zap.Logger) {
	if len(pids) == 0 {
		return
	}
	for _, pid := range pids {
		if err := KillSeat(pid); err != nil {
			log.Warn("SIGTERM to seat process tree failed", zap.Int("pid", pid), zap.Error(err))
		}
	}

	deadline := time.Now().Add(stopGracePeriod)
	poll := time.NewTicker(100 * time.Millisecond)
	defer poll.Stop()
	for time.Now().Before(deadline) {
		alive := false
		for _, pid := range pids {
			if procutil.Alive(pid) {
				alive = true
				break
			}
		}
		if !alive {
			return
		}
		<-poll.C
	}

	for _, pid := range pids {
		if !procutil.Alive(pid) {
			continue
		}
		log.Warn("escalating to SIGKILL after grace period", zap.Int("pid", pid))
		if _, err := procutil.KillTree(pid, syscall.SIGKILL, os.Getpid()); err != nil {
			log.Warn("SIGKILL to seat process tree failed", zap.Int("pid", pid), zap.Error(err))
		}
	}
}

func runSeat(ctx context.Context, opts Options, seat counciltypes.Seat, registry *pidRegistry) {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	log = log.With(zap.Int("round", opts.Round), zap.Int("seat", seat.Index))

	var lease *governor.Lease
	if opts.Governor != nil {
		l, waitDuration, err := opts.Governor.Acquire(ctx, fmt.Sprintf("seat-%d", seat.Index))
		_ = governor.RecordMetric(filepath.Join(opts.RunDir, "state"), counciltypes.AgentMetric{
			TS:             counciltypes.NowUnix(),
			Seat:           seat.Index,
			LocalSlotWaitS: waitDuration.Seconds(),
			OK:             err == nil,
			Error:          errString(err),
		})
		if err != nil {
			log.Warn("seat could not acquire a governor slot", zap.Error(err), zap.Duration("waited", waitDuration))
			return
		}
		lease = l
	}
	if lease != nil {
		defer lease.Release()
	}

	seatCtx, cancel := context.WithTimeout(ctx, opts.SeatDeadline)
	defer cancel()
	seatCtx = ContextWithPIDSink(seatCtx, func(pid int) { registry.set(seat.Index, pid) })

	log.Debug("seat launching")
	t0 := time.Now()
	output, err := opts.RunSeat(seatCtx, seat)
	duration := time.Since(t0).Seconds()

	if seat.OutPath != "" {
		_ = os.WriteFile(seat.OutPath, []byte(output), 0o600)
	}
	_ = governor.RecordMetric(filepath.Join(opts.RunDir, "state"), counciltypes.AgentMetric{
		TS:        counciltypes.NowUnix(),
		Seat:      seat.Index,
		DurationS: duration,
		OK:        err == nil,
		Error:     errString(err),
	})
	if err != nil {
		log.Warn("seat finished with an error", zap.Error(err), zap.Float64("duration_s", duration))
	} else {
		log.Debug("seat finished", zap.Float64("duration_s", duration))
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func runRepairRounds(ctx context.Context, opts Options, missing []int) error {
	for attempt := 1; attempt <= opts.MaxRepairTries; attempt++ {
		if ok, reason := stopflag.Check(opts.Stop); ok {
			return fmt.Errorf("%w: %s", counciltypes.ErrStopRequested, reason)
		}

		runSeatFn := func(agentID int, promptPath, outPath string) (float64, error) {
			seat := counciltypes.Seat{Index: agentID, PromptPath: promptPath, OutPath: outPath}
			seatCtx, cancel := context.WithTimeout(ctx, opts.SeatDeadline)
			defer cancel()

			t0 := time.Now()
			output, err := opts.RunRepair(seatCtx, seat)
			duration := time.Since(t0).Seconds()
			if werr := os.WriteFile(outPath, []byte(output), 0o600); werr != nil && err == nil {
				err = werr
			}
			return duration, err
		}

		if _, err := decision.Run(opts.RepoRoot, opts.RunDir, opts.Round, attempt, missing, opts.RepairTask, 4000, opts.Stop, runSeatFn); err != nil {
			return err
		}

		report, err := decision.ExtractRound(opts.RunDir, opts.Round, len(opts.Seats))
		if err != nil {
			return err
		}
		if len(report.Missing) == 0 {
			return nil
		}
		missing = report.Missing
	}
	return nil
}

func runEnrichers(ctx context.Context, opts Options) {
	for _, e := range opts.Enrichers {
		timeout := e.Timeout
		if timeout <= 0 {
			timeout = 120 * time.Second
		}
		eCtx, cancel := context.WithTimeout(ctx, timeout)
		if err := e.Run(eCtx, opts.RunDir, opts.Round); err != nil {
			// enricher failures are non-fatal
			opts.Logger.Warn("enricher failed", zap.String("enricher", e.Name), zap.Error(err))
		}
		cancel()
	}
}

func loadRoundDecisions(runDir string, round, agentCount int) ([]counciltypes.Decision, error) {
	var out []counciltypes.Decision
	for seat := 1; seat <= agentCount; seat++ {
		path := filepath.Join(runDir, "state", "decisions", fmt.Sprintf("round%d_agent%d.json", round, seat))
		if !atomicfile.Exists(path) {
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var d counciltypes.Decision
		if err := unmarshalDecision(data, &d); err != nil {
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

func rawTextOf(d counciltypes.Decision) string {
	data, err := os.ReadFile(d.SourcePath)
	if err != nil {
		return ""
	}
	return string(data)
}

// KillSeat terminates a seat's process tree on deadline/stop, per spec §4.2
// ("killed (process tree, not just the head)").
func KillSeat(headPID int) error {
	sig, err := procutil.ParseSignal("TERM")
	if err != nil {
		return err
	}
	_, err = procutil.KillTree(headPID, sig, os.Getpid())
	return err
}
