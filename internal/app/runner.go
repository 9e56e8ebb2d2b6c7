package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/ggonzalez94/lpmint/internal/config"
	clierr "github.com/ggonzalez94/lpmint/internal/errors"
	"github.com/ggonzalez94/lpmint/internal/execution"
	"github.com/ggonzalez94/lpmint/internal/httpx"
	applog "github.com/ggonzalez94/lpmint/internal/log"
	"github.com/ggonzalez94/lpmint/internal/metrics"
	"github.com/ggonzalez94/lpmint/internal/model"
	"github.com/ggonzalez94/lpmint/internal/out"
	"github.com/ggonzalez94/lpmint/internal/planner"
	"github.com/ggonzalez94/lpmint/internal/policy"
	"github.com/ggonzalez94/lpmint/internal/poolcache"
	"github.com/ggonzalez94/lpmint/internal/schema"
	"github.com/ggonzalez94/lpmint/internal/version"
)

// transportDialer opens the network transport used for execution. The
// returned func releases it.
type transportDialer func(ctx context.Context, settings config.Settings) (execution.Transport, func(), error)

type Runner struct {
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
	now    func() time.Time
	dial   transportDialer
}

func NewRunner() *Runner {
	return NewRunnerWithWriters(os.Stdout, os.Stderr)
}

func NewRunnerWithWriters(stdout, stderr io.Writer) *Runner {
	return &Runner{
		stdin:  os.Stdin,
		stdout: stdout,
		stderr: stderr,
		now:    time.Now,
		dial:   dialSolana,
	}
}

type runtimeState struct {
	runner       *Runner
	flags        config.GlobalFlags
	settings     config.Settings
	root         *cobra.Command
	lastCommand  string
	lastWarnings []string
	// lastData is attached to the error envelope, e.g. a partial run result.
	lastData any

	logger    *zap.Logger
	metrics   *metrics.Recorder
	planner   *planner.Client
	poolCache *poolcache.Cache
	runStore  *execution.Store
}

func (r *Runner) Run(args []string) int {
	state := &runtimeState{runner: r}
	root := state.newRootCommand()
	state.root = root
	root.SetArgs(args)
	root.SetIn(r.stdin)
	root.SetOut(r.stdout)
	root.SetErr(r.stderr)
	root.SilenceUsage = true
	root.SilenceErrors = true

	err := root.Execute()
	err = normalizeRunError(err)
	if err != nil {
		state.renderError("", err, state.lastWarnings)
	}
	state.close()
	if err == nil {
		return 0
	}
	return clierr.ExitCode(err)
}

func (s *runtimeState) newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   version.CLIName,
		Short: "Copy concentrated liquidity positions: plan, swap and mint",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "help" {
				return nil
			}
			settings, err := config.Load(s.flags)
			if err != nil {
				return clierr.Wrap(clierr.CodeUsage, "load configuration", err)
			}
			s.settings = settings
			s.lastCommand = trimRootPath(cmd.CommandPath())
			if err := policy.CheckCommandAllowed(settings.EnableCommands, s.lastCommand); err != nil {
				return err
			}

			if s.logger == nil {
				logger, err := applog.NewLogger(settings.Logging)
				if err != nil {
					return clierr.Wrap(clierr.CodeUsage, "configure logging", err)
				}
				s.logger = logger.With(zap.String("command", s.lastCommand))
			}
			if s.metrics == nil {
				s.metrics = metrics.New()
			}
			if s.planner == nil {
				s.planner = planner.New(httpx.New(settings.Timeout, settings.Retries), settings.PlannerURL)
			}
			return nil
		},
	}
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return clierr.Wrap(clierr.CodeUsage, "parse flags", err)
	})

	cmd.PersistentFlags().BoolVar(&s.flags.JSON, "json", false, "Output JSON (default)")
	cmd.PersistentFlags().BoolVar(&s.flags.Plain, "plain", false, "Output plain text")
	cmd.PersistentFlags().StringVar(&s.flags.Select, "select", "", "Select fields from data (comma-separated, dotted paths allowed)")
	cmd.PersistentFlags().BoolVar(&s.flags.ResultsOnly, "results-only", false, "Output only data payload")
	cmd.PersistentFlags().StringVar(&s.flags.Timeout, "timeout", "", "Planner request timeout")
	cmd.PersistentFlags().IntVar(&s.flags.Retries, "retries", -1, "Retries per pool init request")
	cmd.PersistentFlags().StringVar(&s.flags.ConfigPath, "config", "", "Path to config file")
	cmd.PersistentFlags().StringVar(&s.flags.RPCURL, "rpc-url", "", "Solana JSON-RPC endpoint")
	cmd.PersistentFlags().StringVar(&s.flags.PlannerURL, "planner-url", "", "Mint planner base URL")
	cmd.PersistentFlags().StringVar(&s.flags.LogLevel, "log-level", "", "Log level (debug|info|warn|error)")
	cmd.PersistentFlags().StringVar(&s.flags.EnableCommands, "enable-commands", "", "Allowlist command paths (comma-separated)")

	cmd.AddCommand(s.newSchemaCommand())
	cmd.AddCommand(s.newPoolCommand())
	cmd.AddCommand(s.newPlanCommand())
	cmd.AddCommand(s.newRunCommand())
	cmd.AddCommand(s.newExecuteCommand())
	cmd.AddCommand(s.newRunsCommand())
	cmd.AddCommand(newVersionCommand())

	return cmd
}

func newVersionCommand() *cobra.Command {
	var long bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print CLI version",
		Run: func(cmd *cobra.Command, args []string) {
			if long {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), version.Long())
				return
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), version.CLIVersion)
		},
	}
	cmd.Flags().BoolVar(&long, "long", false, "Print extended build metadata")
	return cmd
}

func (s *runtimeState) newSchemaCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "schema [command path]",
		Short: "Print machine-readable command schema",
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := schema.Build(s.root, strings.Join(args, " "), policy.Signs, errorCatalog())
			if err != nil {
				return clierr.Wrap(clierr.CodeUsage, "build schema", err)
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), data, nil, cacheMetaBypass(), "")
		},
	}
}

func (s *runtimeState) ensureRunStore() error {
	if s.runStore != nil {
		return nil
	}
	store, err := execution.OpenStore(s.settings.RunStorePath, s.settings.RunLockPath)
	if err != nil {
		return clierr.Wrap(clierr.CodeInternal, "open run journal", err)
	}
	s.runStore = store
	return nil
}

func (s *runtimeState) ensurePoolCache() error {
	if s.poolCache != nil {
		return nil
	}
	c, err := poolcache.Open(s.settings.PoolCachePath, s.settings.PoolCacheLock)
	if err != nil {
		return clierr.Wrap(clierr.CodeInternal, "open pool cache", err)
	}
	s.poolCache = c
	return nil
}

// close releases stores and pushes metrics when a gateway is configured.
func (s *runtimeState) close() {
	if s.metrics != nil && s.settings.PushgatewayURL != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.metrics.Push(ctx, s.settings.PushgatewayURL, version.CLIName); err != nil && s.logger != nil {
			s.logger.Warn("metrics push failed", zap.Error(err))
		}
		cancel()
	}
	var err error
	if s.runStore != nil {
		err = multierr.Append(err, s.runStore.Close())
	}
	if s.poolCache != nil {
		err = multierr.Append(err, s.poolCache.Close())
	}
	if err != nil && s.logger != nil {
		s.logger.Warn("closing state stores", zap.Error(err))
	}
	if s.logger != nil {
		_ = s.logger.Sync()
	}
}

func (s *runtimeState) emitSuccess(commandPath string, data any, warnings []string, cacheStatus model.CacheStatus, runID string) error {
	env := model.Envelope{
		Version:  model.EnvelopeVersion,
		Success:  true,
		Data:     data,
		Error:    nil,
		Warnings: warnings,
		Meta: model.EnvelopeMeta{
			RequestID: newRequestID(),
			Timestamp: s.runner.now().UTC(),
			Command:   commandPath,
			RunID:     runID,
			Cache:     cacheStatus,
		},
	}
	return out.Render(s.runner.stdout, env, s.settings)
}

func (s *runtimeState) renderError(commandPath string, err error, warnings []string) {
	if strings.TrimSpace(commandPath) == "" {
		commandPath = s.lastCommand
		if commandPath == "" {
			commandPath = version.CLIName
		}
	}
	code := clierr.ExitCode(err)
	message := err.Error()
	if cErr, ok := clierr.As(err); ok {
		message = cErr.Message
		if cErr.Cause != nil {
			message = fmt.Sprintf("%s: %v", cErr.Message, cErr.Cause)
		}
	}

	settings := s.settings
	if settings.OutputMode == "" {
		settings.OutputMode = "json"
	}
	settings.ResultsOnly = false
	settings.SelectFields = nil
	var data any = []any{}
	runID := ""
	if s.lastData != nil {
		data = s.lastData
		if res, ok := s.lastData.(model.ExecutionOutput); ok {
			runID = res.RunID
		}
	}
	env := model.Envelope{
		Version: model.EnvelopeVersion,
		Success: false,
		Data:    data,
		Error: &model.ErrorBody{
			Code:    code,
			Type:    errorType(err),
			Message: message,
		},
		Warnings: warnings,
		Meta: model.EnvelopeMeta{
			RequestID: newRequestID(),
			Timestamp: s.runner.now().UTC(),
			Command:   commandPath,
			RunID:     runID,
			Cache:     cacheMetaBypass(),
		},
	}
	_ = out.Render(s.runner.stderr, env, settings)
}

func errorType(err error) string {
	cErr, ok := clierr.As(err)
	if !ok {
		return "internal_error"
	}
	switch cErr.Code {
	case clierr.CodeUsage:
		return "usage_error"
	case clierr.CodeRateLimited:
		return "rate_limited"
	case clierr.CodeUnavailable:
		return "network_failure"
	case clierr.CodeUnsupported:
		return "unsupported"
	case clierr.CodeStale:
		return "stale_transaction"
	case clierr.CodeActionPlan:
		return "invalid_plan"
	case clierr.CodeActionSim:
		return "simulation_failed"
	case clierr.CodeActionTimeout:
		return "confirmation_timeout"
	case clierr.CodeSigner:
		return "signer_error"
	case clierr.CodeUserRejected:
		return "user_rejected"
	case clierr.CodeSlippage:
		return "slippage_exceeded"
	case clierr.CodeBusy:
		return "execution_in_progress"
	case clierr.CodeTxFailed:
		return "transaction_failed"
	case clierr.CodeBlocked:
		return "command_blocked"
	default:
		return "internal_error"
	}
}

func errorCatalog() []schema.ErrorSchema {
	codes := []clierr.Code{
		clierr.CodeInternal, clierr.CodeUsage, clierr.CodeRateLimited, clierr.CodeUnavailable,
		clierr.CodeUnsupported, clierr.CodeStale, clierr.CodeBlocked, clierr.CodeActionPlan,
		clierr.CodeActionSim, clierr.CodeActionTimeout, clierr.CodeSigner, clierr.CodeUserRejected,
		clierr.CodeSlippage, clierr.CodeBusy, clierr.CodeTxFailed,
	}
	out := make([]schema.ErrorSchema, 0, len(codes))
	for _, code := range codes {
		out = append(out, schema.ErrorSchema{ExitCode: int(code), Type: errorType(clierr.New(code, ""))})
	}
	return out
}

func newRequestID() string {
	buf := make([]byte, 16)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func trimRootPath(path string) string {
	parts := strings.Fields(path)
	if len(parts) <= 1 {
		return path
	}
	return strings.Join(parts[1:], " ")
}

func cacheMetaBypass() model.CacheStatus {
	return model.CacheStatus{Status: "bypass", AgeMS: 0, Stale: false}
}

func normalizeRunError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := clierr.As(err); ok {
		return err
	}
	if isLikelyUsageError(err) {
		return clierr.Wrap(clierr.CodeUsage, "invalid command input", err)
	}
	return clierr.Wrap(clierr.CodeInternal, "execute command", err)
}

func isLikelyUsageError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(strings.TrimSpace(err.Error()))
	patterns := []string{
		"unknown command",
		"unknown flag",
		"required flag(s)",
		"flag needs an argument",
		"requires at least",
		"requires exactly",
		"accepts ",
		"invalid argument",
		"invalid args",
	}
	for _, p := range patterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}
