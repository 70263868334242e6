package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/browser"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/sarchlab/telerouter/config"
	"github.com/sarchlab/telerouter/logging"
	"github.com/sarchlab/telerouter/monitoring"
	"github.com/sarchlab/telerouter/platform"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the routers until interrupted.",
	Long: "`run` starts every core of the configured platform, the host " +
		"receiver and, if a port is given, the monitoring server.",
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig(cmd.Flags())
		if err != nil {
			return err
		}

		logger, err := logging.New(logging.Options{
			Level:  cfg.LogLevel,
			Format: cfg.LogFormat,
			App:    "telerouter",
		})
		if err != nil {
			return err
		}

		open, _ := cmd.Flags().GetBool("open")

		ctx, stop := signal.NotifyContext(cmd.Context(),
			os.Interrupt, syscall.SIGTERM)
		defer stop()

		return runPlatform(ctx, cfg, logger, open)
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
	addRunFlags(runCmd.Flags())
}

func addRunFlags(f *pflag.FlagSet) {
	f.Int("cores", 0, "Number of cores, master included.")
	f.Int("master", -1, "Id of the master core.")
	f.Duration("tick", 0, "Router tick period.")
	f.String("broadcast-policy", "", "best_effort or all_or_nothing.")
	f.Int("monitor-port", -1, "Monitoring server port; 0 picks a free port.")
	f.Bool("open", false, "Open the monitor in a browser.")
	f.String("record", "", "Traffic recording backend: none, sqlite or clickhouse.")
	f.String("record-path", "", "SQLite recording file.")
}

func loadConfig(flags *pflag.FlagSet) (config.Config, error) {
	files, _ := flags.GetStringSlice("config")
	if len(files) == 0 {
		files = defaultConfigFiles
	}

	cfg, err := config.Load(files...)
	if err != nil {
		return config.Config{}, err
	}

	applyFlags(flags, &cfg)

	return cfg, cfg.Validate()
}

func applyFlags(flags *pflag.FlagSet, cfg *config.Config) {
	if flags.Changed("log-level") {
		cfg.LogLevel, _ = flags.GetString("log-level")
	}

	if flags.Changed("log-format") {
		cfg.LogFormat, _ = flags.GetString("log-format")
	}

	if flags.Lookup("cores") == nil {
		return
	}

	if flags.Changed("cores") {
		cfg.Cores, _ = flags.GetInt("cores")
	}

	if flags.Changed("master") {
		cfg.Master, _ = flags.GetInt("master")
	}

	if flags.Changed("tick") {
		cfg.TickPeriod, _ = flags.GetDuration("tick")
	}

	if flags.Changed("broadcast-policy") {
		cfg.BroadcastPolicy, _ = flags.GetString("broadcast-policy")
	}

	if flags.Changed("monitor-port") {
		cfg.MonitorPort, _ = flags.GetInt("monitor-port")
	}

	if flags.Changed("record") {
		cfg.RecordBackend, _ = flags.GetString("record")
	}

	if flags.Changed("record-path") {
		cfg.RecordPath, _ = flags.GetString("record-path")
	}
}

func runPlatform(
	ctx context.Context,
	cfg config.Config,
	logger zerolog.Logger,
	open bool,
) error {
	p, err := platform.New(cfg, logger)
	if err != nil {
		return err
	}

	var monitor *monitoring.Monitor

	if cfg.MonitorPort != 0 || open {
		monitor = monitoring.NewMonitor().
			WithPortNumber(cfg.MonitorPort).
			WithLogger(logger)

		for _, c := range p.Cores() {
			monitor.RegisterRouter(c.Router)
		}

		monitor.RegisterHost(p.Host())

		url := monitor.StartServer()
		fmt.Fprintf(os.Stderr, "Monitoring telerouter with %s\n", url)

		if open {
			if err := browser.OpenURL(url); err != nil {
				logger.Warn().Err(err).Msg("cannot open browser")
			}
		}
	}

	err = p.Run(ctx)
	if errors.Is(err, context.Canceled) {
		err = nil
	}

	if monitor != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()

		if cerr := monitor.Close(shutdownCtx); cerr != nil {
			logger.Warn().Err(cerr).Msg("monitor shutdown")
		}
	}

	return err
}
