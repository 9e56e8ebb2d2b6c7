package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"
)

const (
	DefaultRPCURL     = "https://api.mainnet-beta.solana.com"
	DefaultPlannerURL = "http://127.0.0.1:5000"
)

type GlobalFlags struct {
	ConfigPath  string
	JSON        bool
	Plain       bool
	Select      string
	ResultsOnly bool
	Timeout     string
	Retries     int
	RPCURL      string
	PlannerURL  string
	LogLevel    string

	// EnableCommands is a comma-separated command allowlist.
	EnableCommands string
}

type LoggingConfig struct {
	Level       string
	Encoding    string
	OutputPaths []string
	Development bool
}

type Settings struct {
	OutputMode   string
	SelectFields []string
	ResultsOnly  bool
	Timeout      time.Duration
	Retries      int

	RPCURL            string
	RPCRequestsPerSec float64
	PlannerURL        string

	SlippageBps     int
	MaxSlippageBps  int
	PollInterval    time.Duration
	ConfirmTimeout  time.Duration
	BlockhashMaxAge time.Duration

	RunStorePath   string
	RunLockPath    string
	SessionLockDir string
	PoolCachePath  string
	PoolCacheLock  string
	PoolCacheTTL   time.Duration

	Logging        LoggingConfig
	PushgatewayURL string
	EnableCommands []string
}

type fileConfig struct {
	Output  string `yaml:"output"`
	Timeout string `yaml:"timeout"`
	Retries *int   `yaml:"retries"`
	RPC     struct {
		URL               string   `yaml:"url"`
		URLEnv            string   `yaml:"url_env"`
		RequestsPerSecond *float64 `yaml:"requests_per_second"`
	} `yaml:"rpc"`
	Planner struct {
		URL string `yaml:"url"`
	} `yaml:"planner"`
	Execution struct {
		SlippageBps     *int   `yaml:"slippage_bps"`
		MaxSlippageBps  *int   `yaml:"max_slippage_bps"`
		PollInterval    string `yaml:"poll_interval"`
		ConfirmTimeout  string `yaml:"confirm_timeout"`
		BlockhashMaxAge string `yaml:"blockhash_max_age"`
		RunsPath        string `yaml:"runs_path"`
		RunsLockPath    string `yaml:"runs_lock_path"`
		SessionLockDir  string `yaml:"session_lock_dir"`
	} `yaml:"execution"`
	PoolCache struct {
		Path     string `yaml:"path"`
		LockPath string `yaml:"lock_path"`
		TTL      string `yaml:"ttl"`
	} `yaml:"pool_cache"`
	Logging struct {
		Level       string   `yaml:"level"`
		Encoding    string   `yaml:"encoding"`
		OutputPaths []string `yaml:"output_paths"`
	} `yaml:"logging"`
	Metrics struct {
		PushgatewayURL string `yaml:"pushgateway_url"`
	} `yaml:"metrics"`

	EnableCommands []string `yaml:"enable_commands"`
}

func Load(flags GlobalFlags) (Settings, error) {
	settings, err := defaultSettings()
	if err != nil {
		return Settings{}, err
	}

	cfgPath, err := resolveConfigPath(flags.ConfigPath)
	if err != nil {
		return Settings{}, err
	}
	if err := applyFileConfig(cfgPath, &settings); err != nil {
		return Settings{}, err
	}
	if err := applyEnv(&settings); err != nil {
		return Settings{}, err
	}
	if err := applyFlags(flags, &settings); err != nil {
		return Settings{}, err
	}
	if err := settings.Validate(); err != nil {
		return Settings{}, err
	}
	return settings, nil
}

// Validate reports every invalid setting at once.
func (s Settings) Validate() error {
	var err error
	if s.OutputMode != "json" && s.OutputMode != "plain" {
		err = multierr.Append(err, fmt.Errorf("output must be json or plain"))
	}
	if s.Timeout <= 0 {
		err = multierr.Append(err, fmt.Errorf("timeout must be positive"))
	}
	if s.Retries < 0 {
		err = multierr.Append(err, fmt.Errorf("retries must be >= 0"))
	}
	if s.SlippageBps <= 0 {
		err = multierr.Append(err, fmt.Errorf("slippage_bps must be positive"))
	}
	if s.MaxSlippageBps < s.SlippageBps {
		err = multierr.Append(err, fmt.Errorf("max_slippage_bps (%d) must be >= slippage_bps (%d)", s.MaxSlippageBps, s.SlippageBps))
	}
	if s.MaxSlippageBps > 10_000 {
		err = multierr.Append(err, fmt.Errorf("max_slippage_bps cannot exceed 10000"))
	}
	if s.PollInterval <= 0 {
		err = multierr.Append(err, fmt.Errorf("poll_interval must be positive"))
	}
	if s.ConfirmTimeout < s.PollInterval {
		err = multierr.Append(err, fmt.Errorf("confirm_timeout must be >= poll_interval"))
	}
	if s.BlockhashMaxAge <= 0 {
		err = multierr.Append(err, fmt.Errorf("blockhash_max_age must be positive"))
	}
	if s.RPCRequestsPerSec < 0 {
		err = multierr.Append(err, fmt.Errorf("rpc requests_per_second must be >= 0"))
	}
	if strings.TrimSpace(s.RPCURL) == "" {
		err = multierr.Append(err, fmt.Errorf("rpc url is required"))
	}
	if strings.TrimSpace(s.PlannerURL) == "" {
		err = multierr.Append(err, fmt.Errorf("planner url is required"))
	}
	return err
}

func defaultSettings() (Settings, error) {
	stateDir, err := defaultStateDir()
	if err != nil {
		return Settings{}, err
	}
	return Settings{
		OutputMode:        "json",
		Timeout:           15 * time.Second,
		Retries:           2,
		RPCURL:            DefaultRPCURL,
		RPCRequestsPerSec: 8,
		PlannerURL:        DefaultPlannerURL,
		SlippageBps:       50,
		MaxSlippageBps:    500,
		PollInterval:      2 * time.Second,
		ConfirmTimeout:    90 * time.Second,
		BlockhashMaxAge:   60 * time.Second,
		RunStorePath:      filepath.Join(stateDir, "runs.db"),
		RunLockPath:       filepath.Join(stateDir, "runs.lock"),
		SessionLockDir:    filepath.Join(stateDir, "sessions"),
		PoolCachePath:     filepath.Join(stateDir, "pools.db"),
		PoolCacheLock:     filepath.Join(stateDir, "pools.lock"),
		PoolCacheTTL:      5 * time.Minute,
		Logging:           LoggingConfig{Level: "warn", Encoding: "console"},
	}, nil
}

func resolveConfigPath(input string) (string, error) {
	if strings.TrimSpace(input) != "" {
		return input, nil
	}
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "lpmint", "config.yaml"), nil
}

func defaultStateDir() (string, error) {
	base := os.Getenv("XDG_STATE_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		base = filepath.Join(home, ".local", "state")
	}
	return filepath.Join(base, "lpmint"), nil
}

func applyFileConfig(path string, settings *Settings) error {
	buf, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}

	var cfg fileConfig
	if err := yaml.Unmarshal(buf, &cfg); err != nil {
		return fmt.Errorf("parse config yaml: %w", err)
	}

	if cfg.Output != "" {
		settings.OutputMode = strings.ToLower(cfg.Output)
	}
	if err := setDuration(cfg.Timeout, "timeout", &settings.Timeout); err != nil {
		return err
	}
	if cfg.Retries != nil {
		settings.Retries = *cfg.Retries
	}
	if cfg.RPC.URL != "" {
		settings.RPCURL = cfg.RPC.URL
	}
	if cfg.RPC.URLEnv != "" {
		if v := os.Getenv(cfg.RPC.URLEnv); v != "" {
			settings.RPCURL = v
		}
	}
	if cfg.RPC.RequestsPerSecond != nil {
		settings.RPCRequestsPerSec = *cfg.RPC.RequestsPerSecond
	}
	if cfg.Planner.URL != "" {
		settings.PlannerURL = cfg.Planner.URL
	}
	if cfg.Execution.SlippageBps != nil {
		settings.SlippageBps = *cfg.Execution.SlippageBps
	}
	if cfg.Execution.MaxSlippageBps != nil {
		settings.MaxSlippageBps = *cfg.Execution.MaxSlippageBps
	}
	if err := setDuration(cfg.Execution.PollInterval, "execution.poll_interval", &settings.PollInterval); err != nil {
		return err
	}
	if err := setDuration(cfg.Execution.ConfirmTimeout, "execution.confirm_timeout", &settings.ConfirmTimeout); err != nil {
		return err
	}
	if err := setDuration(cfg.Execution.BlockhashMaxAge, "execution.blockhash_max_age", &settings.BlockhashMaxAge); err != nil {
		return err
	}
	if cfg.Execution.RunsPath != "" {
		settings.RunStorePath = cfg.Execution.RunsPath
	}
	if cfg.Execution.RunsLockPath != "" {
		settings.RunLockPath = cfg.Execution.RunsLockPath
	}
	if cfg.Execution.SessionLockDir != "" {
		settings.SessionLockDir = cfg.Execution.SessionLockDir
	}
	if cfg.PoolCache.Path != "" {
		settings.PoolCachePath = cfg.PoolCache.Path
	}
	if cfg.PoolCache.LockPath != "" {
		settings.PoolCacheLock = cfg.PoolCache.LockPath
	}
	if err := setDuration(cfg.PoolCache.TTL, "pool_cache.ttl", &settings.PoolCacheTTL); err != nil {
		return err
	}
	if cfg.Logging.Level != "" {
		settings.Logging.Level = cfg.Logging.Level
	}
	if cfg.Logging.Encoding != "" {
		settings.Logging.Encoding = cfg.Logging.Encoding
	}
	if len(cfg.Logging.OutputPaths) > 0 {
		settings.Logging.OutputPaths = cfg.Logging.OutputPaths
	}
	if cfg.Metrics.PushgatewayURL != "" {
		settings.PushgatewayURL = cfg.Metrics.PushgatewayURL
	}
	if len(cfg.EnableCommands) > 0 {
		settings.EnableCommands = cfg.EnableCommands
	}
	return nil
}

func setDuration(raw, name string, dst *time.Duration) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("config %s: %w", name, err)
	}
	*dst = d
	return nil
}

func applyEnv(settings *Settings) error {
	if v := os.Getenv("LPMINT_OUTPUT"); v != "" {
		settings.OutputMode = strings.ToLower(v)
	}
	if v := os.Getenv("LPMINT_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			settings.Timeout = d
		}
	}
	if v := os.Getenv("LPMINT_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			settings.Retries = n
		}
	}
	if v := os.Getenv("LPMINT_RPC_URL"); v != "" {
		settings.RPCURL = v
	}
	if v := os.Getenv("LPMINT_RPC_RPS"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			settings.RPCRequestsPerSec = f
		}
	}
	if v := os.Getenv("LPMINT_PLANNER_URL"); v != "" {
		settings.PlannerURL = v
	}
	if v := os.Getenv("LPMINT_SLIPPAGE_BPS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse LPMINT_SLIPPAGE_BPS: %w", err)
		}
		settings.SlippageBps = n
	}
	if v := os.Getenv("LPMINT_MAX_SLIPPAGE_BPS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse LPMINT_MAX_SLIPPAGE_BPS: %w", err)
		}
		settings.MaxSlippageBps = n
	}
	if v := os.Getenv("LPMINT_CONFIRM_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			settings.ConfirmTimeout = d
		}
	}
	if v := os.Getenv("LPMINT_RUNS_PATH"); v != "" {
		settings.RunStorePath = v
	}
	if v := os.Getenv("LPMINT_RUNS_LOCK_PATH"); v != "" {
		settings.RunLockPath = v
	}
	if v := os.Getenv("LPMINT_SESSION_LOCK_DIR"); v != "" {
		settings.SessionLockDir = v
	}
	if v := os.Getenv("LPMINT_POOL_CACHE_PATH"); v != "" {
		settings.PoolCachePath = v
	}
	if v := os.Getenv("LPMINT_POOL_CACHE_LOCK_PATH"); v != "" {
		settings.PoolCacheLock = v
	}
	if v := os.Getenv("LPMINT_LOG_LEVEL"); v != "" {
		settings.Logging.Level = v
	}
	if v := os.Getenv("LPMINT_PUSHGATEWAY_URL"); v != "" {
		settings.PushgatewayURL = v
	}
	if v := os.Getenv("LPMINT_ENABLE_COMMANDS"); v != "" {
		settings.EnableCommands = splitCSV(v)
	}
	return nil
}

func applyFlags(flags GlobalFlags, settings *Settings) error {
	if flags.JSON && flags.Plain {
		return fmt.Errorf("cannot use --json and --plain together")
	}
	if flags.JSON {
		settings.OutputMode = "json"
	}
	if flags.Plain {
		settings.OutputMode = "plain"
	}
	if strings.TrimSpace(flags.Select) != "" {
		parts := strings.Split(flags.Select, ",")
		fields := make([]string, 0, len(parts))
		for _, part := range parts {
			if f := strings.TrimSpace(part); f != "" {
				fields = append(fields, f)
			}
		}
		settings.SelectFields = fields
	}
	settings.ResultsOnly = flags.ResultsOnly

	if flags.Timeout != "" {
		d, err := time.ParseDuration(flags.Timeout)
		if err != nil {
			return fmt.Errorf("parse --timeout: %w", err)
		}
		settings.Timeout = d
	}
	if flags.Retries >= 0 {
		settings.Retries = flags.Retries
	}
	if strings.TrimSpace(flags.RPCURL) != "" {
		settings.RPCURL = strings.TrimSpace(flags.RPCURL)
	}
	if strings.TrimSpace(flags.PlannerURL) != "" {
		settings.PlannerURL = strings.TrimSpace(flags.PlannerURL)
	}
	if strings.TrimSpace(flags.LogLevel) != "" {
		settings.Logging.Level = strings.TrimSpace(flags.LogLevel)
	}
	if strings.TrimSpace(flags.EnableCommands) != "" {
		settings.EnableCommands = splitCSV(flags.EnableCommands)
	}
	return nil
}

func splitCSV(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if norm := strings.TrimSpace(part); norm != "" {
			out = append(out, norm)
		}
	}
	return out
}
