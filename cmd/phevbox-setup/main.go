package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/phevbox/phevbox/internal/bootstrap"
	"github.com/phevbox/phevbox/internal/config"
	"github.com/phevbox/phevbox/internal/payload"
	"github.com/phevbox/phevbox/internal/pve"
)

var (
	version = "dev"
	commit  = "unknown"
)

var (
	paramsPath string
	ledgerPath string
	rootDir    string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "phevbox-setup",
	Short: "phevbox-setup - in-guest appliance setup",
	Long: `phevbox-setup turns a freshly booted guest into a phev2mqtt bridge.

It runs an ordered sequence of setup steps tracked in an append-only
ledger: completed steps are skipped on re-runs, and a failed step halts
the sequence so the next run resumes exactly where it stopped.`,
	Version: fmt.Sprintf("%s (commit: %s)", version, commit),
}

func init() {
	rootCmd.PersistentFlags().StringVar(&paramsPath, "params", payload.GuestParamsPath, "guest parameters file")
	rootCmd.PersistentFlags().StringVar(&ledgerPath, "ledger", bootstrap.DefaultLedgerPath, "step ledger file")
	rootCmd.PersistentFlags().StringVar(&rootDir, "root", "/", "filesystem root to write under")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
}

func loadParams() (*config.GuestParams, error) {
	data, err := os.ReadFile(paramsPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read guest parameters %s: %w", paramsPath, err)
	}

	var params config.GuestParams
	if err := yaml.Unmarshal(data, &params); err != nil {
		return nil, fmt.Errorf("failed to parse guest parameters %s: %w", paramsPath, err)
	}
	return &params, nil
}

func newEngine(log *logrus.Logger) (*bootstrap.Engine, error) {
	params, err := loadParams()
	if err != nil {
		return nil, err
	}

	ledger := bootstrap.NewLedger(ledgerPath)
	steps := bootstrap.Steps(params, pve.NewRunner(), rootDir, log)
	return bootstrap.NewEngine(ledger, steps, log), nil
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the setup sequence",
	Long: `Run the setup sequence from where it last stopped.

Safe to invoke repeatedly; completed steps are skipped.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		log := logrus.New()
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

		engine, err := newEngine(log)
		if err != nil {
			return err
		}
		if err := engine.Run(context.Background()); err != nil {
			return err
		}

		fmt.Println("✓ Guest setup complete")
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show setup progress",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		log := logrus.New()
		log.SetOutput(os.Stderr)

		engine, err := newEngine(log)
		if err != nil {
			return err
		}
		statuses, err := engine.Status()
		if err != nil {
			return err
		}

		var buf bytes.Buffer
		w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "STEP\tSTATE")
		for _, s := range statuses {
			state := "pending"
			if s.Done {
				state = "done"
			}
			fmt.Fprintf(w, "%s\t%s\n", s.ID, state)
		}
		_ = w.Flush()
		fmt.Print(buf.String())
		return nil
	},
}
