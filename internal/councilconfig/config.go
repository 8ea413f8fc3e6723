// Package councilconfig centralizes council configuration in a single record
// populated once at intake, per spec §9's "config via ad-hoc environment
// lookups" design note: downstream components receive the Config, they never
// read the environment themselves. Precedence (highest to lowest):
// flags > environment (see applyEnv) > project config (.council/config.yaml) >
// home config (~/.council/config.yaml) > defaults.
package councilconfig

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds all council configuration.
type Config struct {
	// RepoRoot overrides repo-root resolution (env REPO_ROOT).
	RepoRoot string `yaml:"repo_root" json:"repo_root"`

	// RunDirBase is the directory new RunDirs are created under.
	RunDirBase string `yaml:"run_dir_base" json:"run_dir_base"`

	// Output controls the CLI's default output format (table, json).
	Output  string `yaml:"output" json:"output"`
	Verbose bool   `yaml:"verbose" json:"verbose"`
	DryRun  bool   `yaml:"-" json:"-"`

	Governor GovernorConfig `yaml:"governor" json:"governor"`
	Router   RouterConfig   `yaml:"router" json:"router"`
	Ledger   LedgerConfig   `yaml:"ledger" json:"ledger"`
	Verify   VerifyConfig   `yaml:"verify" json:"verify"`
	Mission  MissionConfig  `yaml:"mission" json:"mission"`
	Patch    PatchConfig    `yaml:"patch" json:"patch"`
}

// PatchConfig holds patch-apply edit-surface settings (spec §4.6).
type PatchConfig struct {
	// AllowedPrefixes restricts automatic patch apply to repo-relative path
	// prefixes. Empty means "anywhere under the repo"; use
	// DefaultAllowedPrefixes for the spec's default edit surface.
	AllowedPrefixes []string `yaml:"allowed_prefixes" json:"allowed_prefixes"`
}

// DefaultAllowedPrefixes is the spec's default edit surface: "the repo's
// code/docs/config directories" (spec §4.6).
func DefaultAllowedPrefixes() []string {
	return []string{"src/", "lib/", "internal/", "cmd/", "pkg/", "docs/", "config/", "configs/"}
}

// GovernorConfig holds concurrency-governor settings (spec §4.3).
type GovernorConfig struct {
	MaxParallel    int     `yaml:"max_parallel" json:"max_parallel"`
	MaxLocal       int     `yaml:"max_local" json:"max_local"`
	SlotWaitS      float64 `yaml:"slot_wait_s" json:"slot_wait_s"`
	MinFreeMemMB   int     `yaml:"min_free_mem_mb" json:"min_free_mem_mb"`
	StaleLockGraceS float64 `yaml:"stale_lock_grace_s" json:"stale_lock_grace_s"`
}

// RouterConfig holds provider-router settings (spec §4.4).
type RouterConfig struct {
	BreakerOpenS float64 `yaml:"breaker_open_s" json:"breaker_open_s"`
}

// LedgerConfig holds evidence-ledger settings (spec §4.9).
type LedgerConfig struct {
	HMACKey          string            `yaml:"-" json:"-"`
	HMACKeyID        string            `yaml:"-" json:"-"`
	HMACKeyRing      map[string]string `yaml:"-" json:"-"`
	SigningRequired  bool              `yaml:"signing_required" json:"signing_required"`
	SinkPath         string            `yaml:"-" json:"-"`
	SinkURL          string            `yaml:"-" json:"-"`
}

// VerifyConfig holds verify-pipeline / scanner settings (spec §4.7, §4.8).
type VerifyConfig struct {
	Strict         bool `yaml:"strict" json:"strict"`
	AllowRiskyCode bool `yaml:"-" json:"-"`

	// BuildCmd is the mandatory default check #1 (spec §4.7: "repo-wide
	// syntax/bytecode compile of the code tree"). Empty means auto-detect
	// from the repo root at verify time (see verify.DetectBuildCmd).
	BuildCmd []string `yaml:"build_cmd" json:"build_cmd"`
}

// MissionConfig holds mission-intake defaults (spec §4.1).
type MissionConfig struct {
	MaxRounds   int `yaml:"max_rounds" json:"max_rounds"`
	MaxParallel int `yaml:"max_parallel" json:"max_parallel"`
}

// StopAll mirrors the STOP_ALL env var: treat as presence of the global stop
// flag. Read directly (not cached in Config) since it is checked frequently
// and is meant to be toggled live by an operator.
func StopAll() bool {
	v := strings.TrimSpace(os.Getenv("STOP_ALL"))
	return v == "1" || strings.EqualFold(v, "true")
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		RunDirBase: ".council/runs",
		Output:     "table",
		Governor: GovernorConfig{
			MaxParallel:     3,
			MaxLocal:        3,
			SlotWaitS:       60,
			MinFreeMemMB:    1200,
			StaleLockGraceS: 30,
		},
		Router: RouterConfig{
			BreakerOpenS: 120,
		},
		Ledger: LedgerConfig{
			HMACKeyID:       "local-v1",
			SigningRequired: true,
			HMACKeyRing:     map[string]string{},
		},
		Verify: VerifyConfig{
			Strict: false,
		},
		Mission: MissionConfig{
			MaxRounds:   1,
			MaxParallel: 3,
		},
		Patch: PatchConfig{
			AllowedPrefixes: DefaultAllowedPrefixes(),
		},
	}
}

// Load loads configuration with full precedence: home -> project -> env ->
// flagOverrides.
func Load(flagOverrides *Config) (*Config, error) {
	cfg := Default()

	if home, err := loadFromPath(homeConfigPath()); err == nil && home != nil {
		cfg = merge(cfg, home)
	}
	if proj, err := loadFromPath(projectConfigPath()); err == nil && proj != nil {
		cfg = merge(cfg, proj)
	}

	cfg = applyEnv(cfg)

	if flagOverrides != nil {
		cfg = merge(cfg, flagOverrides)
	}
	return cfg, nil
}

func homeConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".council", "config.yaml")
}

func projectConfigPath() string {
	if override := strings.TrimSpace(os.Getenv("COUNCIL_CONFIG")); override != "" {
		return override
	}
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}
	return filepath.Join(cwd, ".council", "config.yaml")
}

func loadFromPath(path string) (*Config, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnv reads the spec's recognized environment variables (§6) plus a few
// COUNCIL_*-namespaced aliases used by the ambient config layer.
func applyEnv(cfg *Config) *Config {
	if v := strings.TrimSpace(os.Getenv("REPO_ROOT")); v != "" {
		cfg.RepoRoot = v
	}
	if v := strings.TrimSpace(os.Getenv("MIN_FREE_MEM_MB")); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Governor.MinFreeMemMB = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("ALLOW_RISKY_CODE")); v == "1" || strings.EqualFold(v, "true") {
		cfg.Verify.AllowRiskyCode = true
	}
	if v := strings.TrimSpace(os.Getenv("VERIFY_BUILD_CMD")); v != "" {
		cfg.Verify.BuildCmd = strings.Fields(v)
	}
	if v := strings.TrimSpace(os.Getenv("PATCH_ALLOWED_PREFIXES")); v != "" {
		cfg.Patch.AllowedPrefixes = strings.Split(v, ",")
	}
	if v := strings.TrimSpace(os.Getenv("EVIDENCE_HMAC_KEY")); v != "" {
		cfg.Ledger.HMACKey = v
	}
	if v := strings.TrimSpace(os.Getenv("EVIDENCE_HMAC_KEY_ID")); v != "" {
		cfg.Ledger.HMACKeyID = v
	}
	if v := strings.TrimSpace(os.Getenv("EVIDENCE_HMAC_KEYS_JSON")); v != "" {
		ring, err := parseKeyRingJSON(v)
		if err == nil {
			for k, val := range ring {
				cfg.Ledger.HMACKeyRing[k] = val
			}
		}
	}
	if v := strings.TrimSpace(os.Getenv("EVIDENCE_SIGNING_REQUIRED")); v != "" {
		cfg.Ledger.SigningRequired = v == "1" || strings.EqualFold(v, "true")
	}
	if v := strings.TrimSpace(os.Getenv("EVIDENCE_SINK_PATH")); v != "" {
		cfg.Ledger.SinkPath = v
	}
	if v := strings.TrimSpace(os.Getenv("EVIDENCE_SINK_URL")); v != "" {
		cfg.Ledger.SinkURL = v
	}
	if v := strings.TrimSpace(os.Getenv("COUNCIL_OUTPUT")); v != "" {
		cfg.Output = v
	}
	if v := os.Getenv("COUNCIL_VERBOSE"); v == "true" || v == "1" {
		cfg.Verbose = true
	}
	return cfg
}

func merge(dst, src *Config) *Config {
	if src.RepoRoot != "" {
		dst.RepoRoot = src.RepoRoot
	}
	if src.RunDirBase != "" {
		dst.RunDirBase = src.RunDirBase
	}
	if src.Output != "" {
		dst.Output = src.Output
	}
	if src.Verbose {
		dst.Verbose = true
	}
	if src.DryRun {
		dst.DryRun = true
	}
	if src.Governor.MaxParallel != 0 {
		dst.Governor.MaxParallel = src.Governor.MaxParallel
	}
	if src.Governor.MaxLocal != 0 {
		dst.Governor.MaxLocal = src.Governor.MaxLocal
	}
	if src.Governor.SlotWaitS != 0 {
		dst.Governor.SlotWaitS = src.Governor.SlotWaitS
	}
	if src.Governor.MinFreeMemMB != 0 {
		dst.Governor.MinFreeMemMB = src.Governor.MinFreeMemMB
	}
	if src.Governor.StaleLockGraceS != 0 {
		dst.Governor.StaleLockGraceS = src.Governor.StaleLockGraceS
	}
	if src.Router.BreakerOpenS != 0 {
		dst.Router.BreakerOpenS = src.Router.BreakerOpenS
	}
	if src.Ledger.HMACKey != "" {
		dst.Ledger.HMACKey = src.Ledger.HMACKey
	}
	if src.Ledger.HMACKeyID != "" {
		dst.Ledger.HMACKeyID = src.Ledger.HMACKeyID
	}
	if src.Ledger.SinkPath != "" {
		dst.Ledger.SinkPath = src.Ledger.SinkPath
	}
	if src.Ledger.SinkURL != "" {
		dst.Ledger.SinkURL = src.Ledger.SinkURL
	}
	if src.Verify.Strict {
		dst.Verify.Strict = true
	}
	if src.Verify.AllowRiskyCode {
		dst.Verify.AllowRiskyCode = true
	}
	if len(src.Verify.BuildCmd) > 0 {
		dst.Verify.BuildCmd = src.Verify.BuildCmd
	}
	if len(src.Patch.AllowedPrefixes) > 0 {
		dst.Patch.AllowedPrefixes = src.Patch.AllowedPrefixes
	}
	if src.Mission.MaxRounds != 0 {
		dst.Mission.MaxRounds = src.Mission.MaxRounds
	}
	if src.Mission.MaxParallel != 0 {
		dst.Mission.MaxParallel = src.Mission.MaxParallel
	}
	return dst
}

func parseKeyRingJSON(raw string) (map[string]string, error) {
	out := map[string]string{}
	var data map[string]any
	if err := yamlUnmarshalJSON(raw, &data); err != nil {
		return nil, err
	}
	for k, v := range data {
		if s, ok := v.(string); ok && strings.TrimSpace(s) != "" {
			out[k] = s
		}
	}
	return out, nil
}

// yamlUnmarshalJSON decodes a JSON document with the YAML unmarshaler, which
// accepts JSON as a subset of YAML; avoids an extra import for a one-shot env
// parse.
func yamlUnmarshalJSON(raw string, out any) error {
	return yaml.Unmarshal([]byte(raw), out)
}
