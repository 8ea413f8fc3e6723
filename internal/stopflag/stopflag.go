// Package stopflag implements the single cancellation primitive of the
// orchestrator (spec §5, §8 invariant 6): presence of any of three STOP
// files — repo-global, namespace-scoped, RunDir-scoped — or the STOP_ALL
// env var halts progress. Disk is the source of truth; no in-memory
// singleton is kept that could diverge from it.
package stopflag

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/localcouncil/council/internal/councilconfig"
)

// Paths is the set of STOP file locations polled at each state boundary.
type Paths struct {
	Global    string // repo-global STOP file
	Namespace string // namespace STOP file
	RunDir    string // RunDir-scoped STOP file
}

// Reason names which flag tripped, for round-report diagnostics.
type Reason string

const (
	ReasonNone      Reason = ""
	ReasonGlobal    Reason = "global"
	ReasonNamespace Reason = "namespace"
	ReasonRunDir    Reason = "run_dir"
	ReasonStopAll   Reason = "stop_all_env"
)

// NewPaths builds the three canonical STOP paths under repoRoot, namespace
// dir, and runDir. namespace may be empty when a mission has no namespace.
func NewPaths(repoRoot, namespace, runDir string) Paths {
	p := Paths{
		Global: filepath.Join(repoRoot, "STOP"),
		RunDir: filepath.Join(runDir, "STOP"),
	}
	if namespace != "" {
		p.Namespace = filepath.Join(namespace, "STOP")
	}
	return p
}

// Check polls STOP_ALL plus all three files and reports the first one found,
// in env -> global -> namespace -> run_dir priority order.
func Check(p Paths) (bool, Reason) {
	if councilconfig.StopAll() {
		return true, ReasonStopAll
	}
	if p.Global != "" && fileExists(p.Global) {
		return true, ReasonGlobal
	}
	if p.Namespace != "" && fileExists(p.Namespace) {
		return true, ReasonNamespace
	}
	if p.RunDir != "" && fileExists(p.RunDir) {
		return true, ReasonRunDir
	}
	return false, ReasonNone
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Watcher delivers a fast-path notification when a STOP file is created,
// supplementing the tick-based Check poll with sub-tick responsiveness
// (spec §8 invariant 6: observe within one state-transition tick).
type Watcher struct {
	fsw *fsnotify.Watcher
	hit chan Reason
}

// NewWatcher watches the parent directories of every non-empty path in p so
// that a STOP file created later (the common case — it does not exist yet
// at watch-setup time) is still caught.
func NewWatcher(p Paths) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{fsw: fsw, hit: make(chan Reason, 3)}
	dirs := map[string]Reason{}
	if p.Global != "" {
		dirs[filepath.Dir(p.Global)] = ReasonGlobal
	}
	if p.Namespace != "" {
		dirs[filepath.Dir(p.Namespace)] = ReasonNamespace
	}
	if p.RunDir != "" {
		dirs[filepath.Dir(p.RunDir)] = ReasonRunDir
	}

	watched := map[string]Reason{}
	for dir, reason := range dirs {
		if err := fsw.Add(dir); err != nil {
			continue // directory may not exist yet; Check's poll is the fallback
		}
		watched[dir] = reason
	}

	targets := map[string]Reason{
		p.Global:    ReasonGlobal,
		p.Namespace: ReasonNamespace,
		p.RunDir:    ReasonRunDir,
	}

	go func() {
		for ev := range fsw.Events {
			if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			if reason, ok := targets[ev.Name]; ok {
				select {
				case w.hit <- reason:
				default:
				}
			}
		}
	}()

	return w, nil
}

// Hit returns a channel that receives a Reason the moment a watched STOP
// file is created. Callers still fall back to Check on a ticker, since
// fsnotify delivery is best-effort.
func (w *Watcher) Hit() <-chan Reason { return w.hit }

// Close stops the underlying fsnotify watcher.
func (w *Watcher) Close() error { return w.fsw.Close() }

// WaitOrStop blocks until ctx is done or a stop flag is observed, either by
// the Check poll every pollInterval or by the watch, whichever comes first.
// The round orchestrator's WAITING loop (launchSeats) runs its own
// equivalent select and does not call this.
func WaitOrStop(ctx context.Context, p Paths, pollInterval time.Duration) (stopped bool, reason Reason) {
	if ok, r := Check(p); ok {
		return true, r
	}

	w, err := NewWatcher(p)
	var hitCh <-chan Reason
	if err == nil {
		defer w.Close()
		hitCh = w.Hit()
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return false, ReasonNone
		case r := <-hitCh:
			return true, r
		case <-ticker.C:
			if ok, r := Check(p); ok {
				return true, r
			}
		}
	}
}
