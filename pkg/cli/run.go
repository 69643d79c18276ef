package cli

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/devicelab-dev/simrunner/pkg/config"
	"github.com/devicelab-dev/simrunner/pkg/core"
	"github.com/devicelab-dev/simrunner/pkg/logger"
	"github.com/devicelab-dev/simrunner/pkg/orchestrator"
	"github.com/devicelab-dev/simrunner/pkg/sched"
	"github.com/devicelab-dev/simrunner/pkg/simulator"
	"github.com/devicelab-dev/simrunner/pkg/stats"
)

var runCommand = &cli.Command{
	Name:  "run",
	Usage: "Run the app's test suite on an ephemeral simulator",
	Description: `Create a simulator, install the app, run its test suite, and tear the
simulator down. Infrastructure failures restart from scratch up to
--failure-tolerance times; test timeouts and app crashes continue on the
same device up to --max-retries attempts.

The process exit code is the final run status (0 = all tests passed).

Examples:
  simrunner run --bundle-id com.example.AppTests --device-type "iPhone 15"
  simrunner run --config config.yaml --failure-tolerance 2 --max-retries 3
  simrunner run --bundle-id com.example.AppTests --device-type "iPhone 15" \
      --app ./build/Example.app --report junit --report json --output ./results`,
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "config",
			Usage: "Path to config.yaml (default: ./config.yaml if present)",
		},
		&cli.StringFlag{
			Name:    "output",
			Aliases: []string{"o"},
			Usage:   "Output directory for logs and reports",
		},
		&cli.StringSliceFlag{
			Name:  "report",
			Usage: "Report formats to emit (plain, junit, json)",
		},
		&cli.BoolFlag{
			Name:  "report-to-stdout",
			Usage: "Write reports to stdout instead of files",
		},
		&cli.StringFlag{
			Name:    "bundle-id",
			Usage:   "Bundle identifier of the test app",
			EnvVars: []string{"SIMRUNNER_BUNDLE_ID"},
		},
		&cli.StringFlag{
			Name:  "app",
			Usage: "App bundle (.app) to install before testing",
		},
		&cli.StringFlag{
			Name:    "device-type",
			Usage:   "Simulator device type (e.g. \"iPhone 15\")",
			EnvVars: []string{"SIMRUNNER_DEVICE_TYPE"},
		},
		&cli.StringFlag{
			Name:  "runtime",
			Usage: "Simulator runtime (e.g. \"iOS 17.2\"; default: newest installed)",
		},
		&cli.IntFlag{
			Name:  "failure-tolerance",
			Usage: "How many times to restart from scratch after an infrastructure failure",
		},
		&cli.IntFlag{
			Name:  "max-retries",
			Usage: "Maximum retry attempts across restart and continue",
		},
		&cli.DurationFlag{
			Name:  "create-timeout",
			Usage: "Watchdog for simulator creation and boot",
		},
		&cli.DurationFlag{
			Name:  "launch-timeout",
			Usage: "Watchdog for app launch and test start",
		},
		&cli.DurationFlag{
			Name:  "delete-timeout",
			Usage: "Watchdog for simulator deletion",
		},
		&cli.StringSliceFlag{
			Name:  "exclude",
			Usage: "Test identifiers (Class/test) to skip",
		},
		&cli.StringSliceFlag{
			Name:    "env",
			Aliases: []string{"e"},
			Usage:   "Environment variables passed to the app (KEY=VALUE)",
		},
	},
	Action: runAction,
}

func runAction(c *cli.Context) error {
	cfg, err := buildRunConfig(c)
	if err != nil {
		return err
	}
	return executeRun(c, cfg)
}

// buildRunConfig loads the config file (explicit path or working
// directory) and applies flag overrides on top. Flags win over the
// file; CLI env entries win over file env entries.
func buildRunConfig(c *cli.Context) (*config.Config, error) {
	var cfg *config.Config
	var err error

	if path := c.String("config"); path != "" {
		cfg, err = config.Load(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
	} else {
		cfg, err = config.LoadFromDir(".")
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
	}

	if c.IsSet("output") {
		cfg.OutputDir = c.String("output")
	}
	if c.IsSet("report") {
		cfg.ReportFormats = c.StringSlice("report")
	}
	if c.IsSet("report-to-stdout") {
		cfg.ReportToStdout = c.Bool("report-to-stdout")
	}
	if c.IsSet("bundle-id") {
		cfg.BundleID = c.String("bundle-id")
	}
	if c.IsSet("app") {
		cfg.AppPath = c.String("app")
	}
	if c.IsSet("device-type") {
		cfg.DeviceType = c.String("device-type")
	}
	if c.IsSet("runtime") {
		cfg.Runtime = c.String("runtime")
	}
	if c.IsSet("failure-tolerance") {
		cfg.FailureTolerance = c.Int("failure-tolerance")
	}
	if c.IsSet("max-retries") {
		cfg.MaxRetries = c.Int("max-retries")
	}
	if c.IsSet("create-timeout") {
		cfg.CreateTimeout = c.Duration("create-timeout")
	}
	if c.IsSet("launch-timeout") {
		cfg.LaunchTimeout = c.Duration("launch-timeout")
	}
	if c.IsSet("delete-timeout") {
		cfg.DeleteTimeout = c.Duration("delete-timeout")
	}
	if c.IsSet("exclude") {
		cfg.ExcludedTests = append(cfg.ExcludedTests, c.StringSlice("exclude")...)
	}

	if env := parseEnvVars(c.StringSlice("env")); len(env) > 0 {
		if cfg.Env == nil {
			cfg.Env = make(map[string]string)
		}
		for k, v := range env {
			cfg.Env[k] = v
		}
	}

	cfg.ApplyDefaults()
	return cfg, nil
}

func executeRun(c *cli.Context, cfg *config.Config) error {
	if cfg.OutputDir != "" {
		if err := os.MkdirAll(cfg.OutputDir, 0o755); err != nil {
			return fmt.Errorf("failed to create output directory: %w", err)
		}
	}

	logDir := cfg.OutputDir
	if logDir == "" {
		logDir = os.TempDir()
	}
	if err := logger.Init(filepath.Join(logDir, "simrunner.log")); err != nil {
		fmt.Printf("Warning: Failed to initialize logger: %v\n", err)
	}
	defer logger.Close()
	logger.SetVerbose(c.Bool("verbose"))

	logger.Info("=== Test run started ===")
	logger.Info("Bundle: %s, device type: %s, runtime: %s", cfg.BundleID, cfg.DeviceType, cfg.Runtime)
	logger.Info("Budgets: failure tolerance %d, max retries %d", cfg.FailureTolerance, cfg.MaxRetries)

	scheduler := sched.New(nil, 0)
	collector := stats.New()

	orch, err := orchestrator.New(orchestrator.Options{
		Config:    cfg,
		Scheduler: scheduler,
		Stats:     collector,
		NewRunner: func(attemptCfg *config.Config) core.DeviceRunner {
			return simulator.NewRunner(attemptCfg)
		},
	})
	if err != nil {
		return err
	}

	// SIGINT/SIGTERM only set the interrupt flag; the scheduler observes
	// it and tears down the simulator before exiting.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		sig := <-sigCh
		fmt.Fprintf(os.Stderr, "\nReceived %v, shutting down...\n", sig)
		logger.Info("Received signal %v, interrupting run", sig)
		scheduler.Interrupt()
	}()

	status := orch.Run()
	printRunSummary(status, collector)

	if status != core.AllPassed {
		return cli.Exit("", status.Code())
	}
	return nil
}

func printRunSummary(status core.ExitStatus, collector *stats.Collector) {
	fmt.Println()
	if status == core.AllPassed {
		fmt.Printf("  %s✓ All tests passed%s\n", color(colorGreen), color(colorReset))
	} else {
		fmt.Printf("  %s✗ %s%s\n", color(colorRed), status, color(colorReset))
	}

	if summary := collector.Summary(); summary != "" {
		fmt.Println()
		for _, line := range strings.Split(strings.TrimRight(summary, "\n"), "\n") {
			fmt.Printf("  %s\n", line)
		}
	}
	fmt.Println()
}

func parseEnvVars(envs []string) map[string]string {
	result := make(map[string]string)
	for _, e := range envs {
		parts := strings.SplitN(e, "=", 2)
		if len(parts) == 2 {
			result[parts[0]] = parts[1]
		}
	}
	return result
}
