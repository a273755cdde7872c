package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/devplan/autopilot-executor/internal/actuator"
	"github.com/devplan/autopilot-executor/internal/checkpoint"
	"github.com/devplan/autopilot-executor/internal/classifier"
	"github.com/devplan/autopilot-executor/internal/config"
	"github.com/devplan/autopilot-executor/internal/dashboard"
	"github.com/devplan/autopilot-executor/internal/devplan"
	"github.com/devplan/autopilot-executor/internal/engine"
	"github.com/devplan/autopilot-executor/internal/guard"
	"github.com/devplan/autopilot-executor/internal/logging"
	"github.com/devplan/autopilot-executor/internal/runner"
	"github.com/devplan/autopilot-executor/internal/sensor"
	"github.com/devplan/autopilot-executor/internal/store"
)

const shutdownTimeout = 10 * time.Second

var (
	runNoUI        bool
	runNoVision    bool
	runDryRun      bool
	runVerbose     bool
	runOpenBrowser bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the executor loop and dashboard",
	Long: `Run starts the tick loop. It stops when the task graph reports every task
done (unless keep_alive_on_all_done is set), or on SIGINT/SIGTERM.`,
	Args: cobra.NoArgs,
	RunE: runExecutor,
}

func init() {
	runCmd.Flags().BoolVar(&runNoUI, "no-ui", false, "do not serve the dashboard")
	runCmd.Flags().BoolVar(&runNoVision, "no-vision", false, "skip UI classification; use task graph and log signals only")
	runCmd.Flags().BoolVar(&runDryRun, "dry-run", false, "log UI actions instead of performing them")
	runCmd.Flags().BoolVarP(&runVerbose, "verbose", "v", false, "log at debug level")
	runCmd.Flags().BoolVar(&runOpenBrowser, "open", false, "open the dashboard in the default browser")
}

func runExecutor(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	applyRunFlags(cfg)

	logger, level, err := logging.New(cfg.LogLevel, cfg.LogDir)
	if err != nil {
		return err
	}
	defer logger.Sync()
	if runVerbose {
		level.SetLevel(zap.DebugLevel)
	}

	db, err := store.NewDB(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	cps, err := checkpoint.New(cfg.LogDir, cfg.ProjectName,
		checkpoint.WithMaxEvents(cfg.MaxEvents),
		checkpoint.WithMaxHistoryLines(cfg.MaxHistoryLines),
		checkpoint.WithLogger(logger),
	)
	if err != nil {
		return err
	}

	act, err := buildActuator(cfg, logger)
	if err != nil {
		return err
	}
	vision, visionOn := buildClassifier(cfg, logger)

	orch := devplan.NewClient(cfg.DevplanBaseURL(), cfg.ProjectName, cfg.RequestTimeout())
	deps := runner.Deps{
		Orchestrator: orch,
		Classifier:   vision,
		Actuator:     act,
		Engine:       engine.New(engine.NewConfig(cfg), engine.WithLogger(logger)),
		Regions:      sensor.NewRegionTracker(cfg.StallThreshold, logger),
		Checkpoints:  cps,
		Guard:        guard.NewGuard(guard.GuardConfig{ActionsPerMinute: cfg.MaxActionsPerMin}),
		DB:           db,
		Logger:       logger,
	}
	if mon := startLogMonitor(cfg, logger); mon != nil {
		defer mon.Stop()
		deps.Activity = mon
	}

	rcfg := runner.ConfigFrom(cfg)
	rcfg.VisionEnabled = visionOn
	r := runner.New(rcfg, deps)

	logger.Info("executor configured",
		zap.String("executor_id", cfg.ExecutorID),
		zap.String("project", cfg.ProjectName),
		zap.String("devplan", cfg.DevplanBaseURL()),
		zap.String("actuator", cfg.Actuator),
		zap.Bool("vision", visionOn),
		zap.Duration("poll_interval", rcfg.PollInterval),
	)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	eg, egCtx := errgroup.WithContext(ctx)

	var srv *dashboard.Server
	if !cfg.NoUI {
		srv = dashboard.NewServer(&dashboard.Handler{
			Runner:         r,
			DB:             db,
			Checkpoints:    cps,
			Remote:         orch,
			Logger:         logger,
			DecisionRepo:   &store.DecisionRepo{},
			DeadLetterRepo: &store.DeadLetterRepo{},
		}, cfg.DashboardAddr())
		eg.Go(srv.Start)

		url := "http://" + cfg.DashboardAddr()
		logger.Info("dashboard listening", zap.String("url", url))
		if runOpenBrowser {
			openBrowser(url)
		}
	}

	eg.Go(func() error {
		defer func() {
			if srv == nil {
				return
			}
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(sctx); err != nil {
				logger.Warn("dashboard shutdown", zap.Error(err))
			}
		}()
		return r.Run(egCtx)
	})

	return eg.Wait()
}

// applyRunFlags lets command-line switches override the file.
func applyRunFlags(cfg *config.Config) {
	if runNoUI {
		cfg.NoUI = true
	}
	if runNoVision {
		cfg.DisableVision = true
	}
	if runDryRun {
		cfg.Actuator = "dry-run"
	}
}

func buildActuator(cfg *config.Config, logger *zap.Logger) (runner.Actuator, error) {
	if cfg.Actuator != "command" {
		logger.Warn("dry-run actuator: UI actions are logged, not performed")
		return actuator.NewDryRun(logger), nil
	}
	reg, err := actuator.RegistryFromConfig(cfg.ActuatorCommands)
	if err != nil {
		return nil, fmt.Errorf("actuator commands: %w", err)
	}
	logger.Info("command actuator", zap.Strings("primitives", primitiveNames(reg)))
	return actuator.NewCommand(reg, cfg.RequestTimeout(), cfg.ContinueCommand, logger), nil
}

func primitiveNames(reg *actuator.Registry) []string {
	var out []string
	for _, p := range reg.List() {
		out = append(out, string(p))
	}
	return out
}

// buildClassifier returns the UI classifier and whether vision is on. A
// missing classifier_url turns vision off.
func buildClassifier(cfg *config.Config, logger *zap.Logger) (runner.Classifier, bool) {
	if cfg.DisableVision {
		return classifier.Disabled{}, false
	}
	if cfg.ClassifierURL == "" {
		logger.Warn("classifier_url not set, vision disabled; using task graph and log signals only")
		return classifier.Disabled{}, false
	}
	return classifier.NewHTTP(cfg.ClassifierURL, cfg.RequestTimeout()), true
}

// startLogMonitor starts the log-tail sensor, or returns nil when it is
// disabled or no log can be found.
func startLogMonitor(cfg *config.Config, logger *zap.Logger) *sensor.LogMonitor {
	if !cfg.LogMonitorOn() {
		return nil
	}
	mon := sensor.NewLogMonitor(cfg.LogMonitorPath,
		time.Duration(cfg.LogMonitorIdleThreshold)*time.Second,
		sensor.WithMonitorLogger(logger),
	)
	if err := mon.Start(); err != nil {
		logger.Warn("log monitor not started", zap.Error(err))
		return nil
	}
	logger.Info("log monitor started", zap.String("path", mon.Path()))
	return mon
}

// openBrowser opens the URL in the default browser.
func openBrowser(url string) {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", url)
	case "darwin":
		cmd = exec.Command("open", url)
	default:
		cmd = exec.Command("xdg-open", url)
	}
	_ = cmd.Start()
}
