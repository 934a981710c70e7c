// Command arena runs multi-agent code tournaments.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"codearena/internal/tournament/service"
	appErr "codearena/pkg/errors"
	"codearena/pkg/utils/logger"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const defaultConfigPath = "configs/arena.yaml"

type runFlags struct {
	configPath    string
	envFile       string
	outputDir     string
	failurePolicy string
	rounds        int
	metricsAddr   string
}

func newRootCmd() *cobra.Command {
	var flags runFlags
	root := &cobra.Command{
		Use:           "arena",
		Short:         "Run competitive code tournaments between editing agents",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return loadEnv(flags.envFile)
		},
	}
	root.PersistentFlags().StringVar(&flags.configPath, "config", defaultConfigPath, "path to config file")
	root.PersistentFlags().StringVar(&flags.envFile, "env-file", "", "dotenv file with agent credentials (default .env if present)")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run a tournament",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runTournament(cmd.Context(), flags)
		},
	}
	runCmd.Flags().StringVar(&flags.outputDir, "output-dir", "", "override ledger.outputDir")
	runCmd.Flags().StringVar(&flags.failurePolicy, "failure-policy", "", "override tournament.failurePolicy (abort or skip)")
	runCmd.Flags().IntVar(&flags.rounds, "rounds", 0, "override tournament.rounds")
	runCmd.Flags().StringVar(&flags.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address during the run")

	validateCmd := &cobra.Command{
		Use:   "validate-config",
		Short: "Check a config file without running anything",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "config ok: %d players, %d rounds, arena %s, engine %s\n",
				len(cfg.Players), cfg.Tournament.Rounds, cfg.Arena.Name, cfg.Engine.Kind)
			return nil
		},
	}

	root.AddCommand(runCmd, validateCmd)
	return root
}

func loadEnv(path string) error {
	if path != "" {
		if err := godotenv.Load(path); err != nil {
			return appErr.Wrapf(err, appErr.InvalidConfig, "load env file %s", path)
		}
		return nil
	}
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return appErr.Wrapf(err, appErr.InvalidConfig, "load .env")
	}
	return nil
}

// loadConfig loads the config file and applies command line overrides.
func loadConfig(flags runFlags) (*AppConfig, error) {
	cfg, err := loadAppConfig(flags.configPath)
	if err != nil {
		return nil, err
	}
	if flags.outputDir != "" {
		cfg.Ledger.OutputDir = flags.outputDir
	}
	if flags.failurePolicy != "" {
		cfg.Tournament.FailurePolicy = flags.failurePolicy
	}
	if flags.rounds != 0 {
		cfg.Tournament.Rounds = flags.rounds
	}
	if flags.metricsAddr != "" {
		cfg.Metrics.Addr = flags.metricsAddr
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runTournament(ctx context.Context, flags runFlags) error {
	cfg, err := loadConfig(flags)
	if err != nil {
		return err
	}
	if err := logger.Init(cfg.Logger); err != nil {
		return appErr.Wrapf(err, appErr.InvalidConfig, "init logger")
	}
	defer func() {
		_ = logger.Sync()
	}()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		logger.Error(ctx, "init arena failed", zap.Error(err))
		return err
	}
	defer a.close()

	if cfg.Metrics.Addr != "" {
		stopMetrics, err := a.serveMetrics(ctx, cfg.Metrics.Addr)
		if err != nil {
			return err
		}
		defer stopMetrics()
	}

	res, err := a.run(ctx)
	if res.Dir != "" {
		fmt.Fprintf(os.Stdout, "tournament %s %s, results in %s\n", res.TournamentID, res.Status, res.Dir)
		printScores(res)
	}
	return err
}

func printScores(res service.Result) {
	players := make([]string, 0, len(res.Scores))
	for p := range res.Scores {
		players = append(players, p)
	}
	sort.Slice(players, func(i, j int) bool {
		if res.Scores[players[i]] != res.Scores[players[j]] {
			return res.Scores[players[i]] > res.Scores[players[j]]
		}
		return players[i] < players[j]
	})
	for _, p := range players {
		fmt.Fprintf(os.Stdout, "  %-20s %g\n", p, res.Scores[p])
	}
}

func main() {
	cmd := newRootCmd()
	cmd.SetContext(context.Background())
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "arena: %v\n", err)
		code := appErr.GetCode(err).ExitCode()
		if code == 0 {
			code = 1
		}
		os.Exit(code)
	}
}
