// Package governor enforces local parallelism caps and adaptively reduces
// them under stress (spec §4.3). K slot lock files live under
// state/local_slots/; exclusive creation of slotI.lock represents ownership
// of one parallelism quantum. A recommender reads agent_metrics.jsonl and
// writes state/concurrency.json, consumed by the next round; it never
// increases parallelism automatically.
package governor

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/localcouncil/council/internal/atomicfile"
	"github.com/localcouncil/council/internal/counciltypes"
	"github.com/localcouncil/council/internal/procutil"
)

// Governor gates seats on available local slots and tracks metrics feeding
// the adaptive recommender.
type Governor struct {
	stateDir     string
	maxLocal     int
	slotWait     time.Duration
	minFreeMemMB int
	staleGrace   time.Duration

	sem *semaphore.Weighted
}

// Options configures a Governor. Zero values fall back to spec defaults.
type Options struct {
	StateDir     string
	MaxLocal     int
	SlotWait     time.Duration
	MinFreeMemMB int
	StaleGrace   time.Duration
}

// New builds a Governor rooted at opts.StateDir (normally <rundir>/state).
func New(opts Options) *Governor {
	if opts.MaxLocal <= 0 {
		opts.MaxLocal = 3
	}
	if opts.SlotWait <= 0 {
		opts.SlotWait = 60 * time.Second
	}
	if opts.MinFreeMemMB <= 0 {
		opts.MinFreeMemMB = 1200
	}
	if opts.StaleGrace <= 0 {
		opts.StaleGrace = 30 * time.Second
	}
	return &Governor{
		stateDir:     opts.StateDir,
		maxLocal:     opts.MaxLocal,
		slotWait:     opts.SlotWait,
		minFreeMemMB: opts.MinFreeMemMB,
		staleGrace:   opts.StaleGrace,
		sem:          semaphore.NewWeighted(int64(opts.MaxLocal)),
	}
}

func (g *Governor) slotsDir() string {
	return filepath.Join(g.stateDir, "local_slots")
}

// slotLockBody is the payload written into an acquired slotI.lock file.
type slotLockBody struct {
	PID  int     `json:"pid"`
	Seat string  `json:"seat"`
	TS   float64 `json:"ts"`
}

// Lease represents a held slot; callers must call Release when the seat
// finishes (success or failure).
type Lease struct {
	g        *Governor
	slotPath string
	acquired bool
}

// Acquire blocks (bounded by g.slotWait) until a slot is free or evictable,
// or the wait elapses, in which case it returns counciltypes.ErrLocalOverload
// along with the wait duration observed for adaptive-feedback recording.
// It also samples available memory before acquiring, per spec §4.3, waiting
// out a short backoff loop if below the configured floor.
func (g *Governor) Acquire(ctx context.Context, seatIdentity string) (*Lease, time.Duration, error) {
	if err := os.MkdirAll(g.slotsDir(), 0o700); err != nil {
		return nil, 0, fmt.Errorf("create slots dir: %w", err)
	}

	start := time.Now()
	deadline := start.Add(g.slotWait)

	for {
		if err := g.waitForMemory(ctx, deadline); err != nil {
			return nil, time.Since(start), err
		}

		if path, ok := g.tryAcquireSlot(seatIdentity); ok {
			if err := g.sem.Acquire(ctx, 1); err != nil {
				_ = os.Remove(path)
				return nil, time.Since(start), err
			}
			return &Lease{g: g, slotPath: path, acquired: true}, time.Since(start), nil
		}

		if time.Now().After(deadline) {
			return nil, time.Since(start), counciltypes.ErrLocalOverload
		}

		select {
		case <-ctx.Done():
			return nil, time.Since(start), ctx.Err()
		case <-time.After(250 * time.Millisecond):
		}
	}
}

// tryAcquireSlot scans slot1.lock..slotK.lock, reaping stale locks (owner
// pid not alive past staleGrace) before giving up, and exclusively creates
// the first slot it can claim.
func (g *Governor) tryAcquireSlot(seatIdentity string) (string, bool) {
	for i := 1; i <= g.maxLocal; i++ {
		path := filepath.Join(g.slotsDir(), fmt.Sprintf("slot%d.lock", i))

		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err == nil {
			body := slotLockBody{PID: os.Getpid(), Seat: seatIdentity, TS: counciltypes.NowUnix()}
			enc := json.NewEncoder(f)
			_ = enc.Encode(body)
			_ = f.Sync()
			_ = f.Close()
			return path, true
		}

		if g.reapIfStale(path) {
			// Slot is now free; try again on the same index.
			f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
			if err == nil {
				body := slotLockBody{PID: os.Getpid(), Seat: seatIdentity, TS: counciltypes.NowUnix()}
				enc := json.NewEncoder(f)
				_ = enc.Encode(body)
				_ = f.Sync()
				_ = f.Close()
				return path, true
			}
		}
	}
	return "", false
}

// reapIfStale removes path if its owning pid is no longer alive and the
// lock is older than g.staleGrace.
func (g *Governor) reapIfStale(path string) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	var body slotLockBody
	if err := json.Unmarshal(data, &body); err != nil {
		// Corrupted lock metadata is treated as stale.
		_ = os.Remove(path)
		return true
	}

	age := time.Since(time.Unix(int64(body.TS), 0))
	if age < g.staleGrace {
		return false
	}
	if procutil.Alive(body.PID) {
		return false
	}
	_ = os.Remove(path)
	return true
}

// waitForMemory samples available memory via /proc/meminfo (when present)
// and blocks in short increments until it clears the configured floor or
// deadline passes; platforms without /proc/meminfo are treated as
// unconstrained.
func (g *Governor) waitForMemory(ctx context.Context, deadline time.Time) error {
	for {
		freeMB, ok := readAvailableMemMB()
		if !ok || freeMB >= g.minFreeMemMB {
			return nil
		}
		if time.Now().After(deadline) {
			return nil // fall through to normal slot-wait accounting
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(250 * time.Millisecond):
		}
	}
}

func readAvailableMemMB() (int, bool) {
	data, err := os.ReadFile("/proc/meminfo")
	if err != nil {
		return 0, false
	}
	kb, found := parseMemAvailable(data)
	if !found {
		return 0, false
	}
	return kb / 1024, true
}

func splitLines(data []byte) []string {
	var out []string
	start := 0
	for i, b := range data {
		if b == '\n' {
			out = append(out, string(data[start:i]))
			start = i + 1
		}
	}
	if start < len(data) {
		out = append(out, string(data[start:]))
	}
	return out
}

func parseMemAvailable(data []byte) (int, bool) {
	for _, line := range splitLines(data) {
		if len(line) < 13 || line[:13] != "MemAvailable:" {
			continue
		}
		fields := make([]byte, 0, len(line))
		for _, c := range line[13:] {
			if c >= '0' && c <= '9' {
				fields = append(fields, byte(c))
			} else if len(fields) > 0 {
				break
			}
		}
		if n, err := strconv.Atoi(string(fields)); err == nil {
			return n, true
		}
	}
	return 0, false
}

// Release deletes the slot lock file and frees the in-process semaphore
// weight. Safe to call once per Lease.
func (l *Lease) Release() {
	if l == nil || !l.acquired {
		return
	}
	l.acquired = false
	_ = os.Remove(l.slotPath)
	l.g.sem.Release(1)
}

// RecordMetric appends one agent_metrics.jsonl row, the sole input to the
// adaptive recommender.
func RecordMetric(stateDir string, m counciltypes.AgentMetric) error {
	return atomicfile.AppendJSONL(filepath.Join(stateDir, "agent_metrics.jsonl"), m)
}

// Recommend reads agent_metrics.jsonl, computes p95(duration) and
// p95(local_slot_wait), applies the exact threshold rules used by the
// reference adaptive-concurrency tool, and writes state/concurrency.json.
// It never increases parallelism: only >= thresholds can reduce caps.
func Recommend(stateDir string, currentMaxParallel, currentMaxLocal int, cpuLoadPercent float64) (*counciltypes.ConcurrencyRecommendation, error) {
	rows, err := readAgentMetrics(stateDir)
	if err != nil {
		return nil, err
	}

	var durations, waits []float64
	overloads := 0
	for _, r := range rows {
		if r.DurationS > 0 {
			durations = append(durations, r.DurationS)
		}
		if r.LocalSlotWaitS > 0 {
			waits = append(waits, r.LocalSlotWaitS)
		}
		if !r.OK && containsLocalOverload(r.Error) {
			overloads++
		}
	}

	d95 := p95(durations)
	w95 := p95(waits)

	maxParallel := maxInt(1, currentMaxParallel)
	maxLocal := maxInt(1, currentMaxLocal)
	var reasons []string

	if cpuLoadPercent >= 90.0 {
		maxParallel = 1
		reasons = append(reasons, fmt.Sprintf("cpu_load=%.1f%% >= 90%% -> thermal failsafe throttle to 1", cpuLoadPercent))
	}
	if w95 >= 30 && maxParallel > 1 {
		maxParallel = maxInt(1, maxParallel-1)
		reasons = append(reasons, fmt.Sprintf("local_slot_wait_p95=%.1fs >= 30s -> reduce max_parallel", w95))
	}
	if d95 >= 240 {
		maxParallel = maxInt(1, maxParallel-1)
		reasons = append(reasons, fmt.Sprintf("duration_p95=%.1fs >= 240s -> reduce max_parallel", d95))
	}
	if w95 >= 60 {
		maxLocal = maxInt(1, maxLocal-1)
		reasons = append(reasons, fmt.Sprintf("local_slot_wait_p95=%.1fs >= 60s -> reduce max_local_concurrency", w95))
	}

	rec := &counciltypes.ConcurrencyRecommendation{
		GeneratedAt: counciltypes.NowUnix(),
		Current: counciltypes.ConcurrencySetting{
			MaxParallel:         currentMaxParallel,
			MaxLocalConcurrency: currentMaxLocal,
		},
		Recommended: counciltypes.ConcurrencySetting{
			MaxParallel:         maxParallel,
			MaxLocalConcurrency: maxLocal,
		},
		Metrics: counciltypes.ConcurrencyMetrics{
			DurationP95S:      d95,
			LocalSlotWaitP95S: w95,
			Rows:              len(rows),
			Overloads:         overloads,
		},
		Reasons: reasons,
	}

	if err := atomicfile.WriteJSON(filepath.Join(stateDir, "concurrency.json"), rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func readAgentMetrics(stateDir string) ([]counciltypes.AgentMetric, error) {
	var rows []counciltypes.AgentMetric
	err := atomicfile.ScanJSONL(filepath.Join(stateDir, "agent_metrics.jsonl"), func(line []byte) error {
		var m counciltypes.AgentMetric
		if err := json.Unmarshal(line, &m); err != nil {
			return nil // skip malformed rows
		}
		rows = append(rows, m)
		return nil
	})
	return rows, err
}

func containsLocalOverload(errStr string) bool {
	return len(errStr) > 0 && indexOfSubstr(errStr, "local_overload") >= 0
}

func indexOfSubstr(s, sub string) int {
	n, m := len(s), len(sub)
	if m == 0 {
		return 0
	}
	for i := 0; i+m <= n; i++ {
		if s[i:i+m] == sub {
			return i
		}
	}
	return -1
}

// p95 computes the nearest-rank 95th percentile over xs, matching the
// reference recommender's round(0.95*(n-1)) index math exactly.
func p95(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sorted := append([]float64(nil), xs...)
	sort.Float64s(sorted)
	idx := int(math.Round(0.95 * float64(len(sorted)-1)))
	if idx < 0 {
		idx = 0
	}
	if idx > len(sorted)-1 {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
