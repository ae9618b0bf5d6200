// Command etbd runs one Evidential Tool Bus node: it serves the remote
// surface, evaluates queries, and participates in the fabric.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/SRI-CSL/etb/internal/config"
	"github.com/SRI-CSL/etb/internal/logging"
	"github.com/SRI-CSL/etb/internal/node"
)

var (
	flagHost        string
	flagPort        int
	flagConf        string
	flagLog         string
	flagWrappersDir string
	flagRuleFiles   []string
	flagWorkDir     string
	flagDebug       bool
)

var rootCmd = &cobra.Command{
	Use:           "etbd",
	Short:         "Evidential Tool Bus node daemon",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          run,
}

func init() {
	f := rootCmd.Flags()
	f.StringVar(&flagHost, "host", "", "listen address")
	f.IntVar(&flagPort, "port", 0, "listen port")
	f.StringVar(&flagConf, "conf", "", "configuration file")
	f.StringVar(&flagLog, "log", "", "log file")
	f.StringVar(&flagWrappersDir, "wrappers-dir", "", "directory of .wrapper declarations")
	f.StringSliceVar(&flagRuleFiles, "rule-files", nil, "rule files to load")
	f.StringVar(&flagWorkDir, "work-dir", "", "node working directory")
	f.BoolVar(&flagDebug, "debug", false, "verbose goal tracing")
}

func run(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if flagConf != "" {
		if err := cfg.MergeFile(flagConf); err != nil {
			return err
		}
	}
	// Command-line arguments override file settings.
	if cmd.Flags().Changed("host") {
		cfg.Host = flagHost
	}
	if cmd.Flags().Changed("port") {
		cfg.Port = flagPort
	}
	if cmd.Flags().Changed("log") {
		cfg.Log = flagLog
	}
	if cmd.Flags().Changed("wrappers-dir") {
		cfg.WrappersDir = flagWrappersDir
	}
	if cmd.Flags().Changed("rule-files") {
		cfg.RuleFiles = flagRuleFiles
	}
	if cmd.Flags().Changed("work-dir") {
		cfg.WorkDir = flagWorkDir
	}
	if cmd.Flags().Changed("debug") {
		cfg.Debug = flagDebug
	}

	log, err := logging.New(cfg.Log, cfg.Debug)
	if err != nil {
		return fmt.Errorf("open log: %w", err)
	}
	defer log.Sync()

	n, err := node.New(cfg, log)
	if err != nil {
		return err
	}
	if err := n.Start(); err != nil {
		return err
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	sig := <-stop
	log.Info("shutting down", zap.String("signal", sig.String()))

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return n.Shutdown(ctx)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "etbd:", err)
		os.Exit(1)
	}
}
