package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/songzhibin97/gkit/generator"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/songzhibin97/seoflow/api"
	"github.com/songzhibin97/seoflow/config"
	"github.com/songzhibin97/seoflow/workflow"
)

const defaultServer = "http://127.0.0.1:8080"

var cfgFile string

func main() {
	root := &cobra.Command{
		Use:           "seoflow",
		Short:         "SEO content workflow engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML)")
	server := defaultServer
	if env := os.Getenv("SEOFLOW_SERVER"); env != "" {
		server = env
	}
	root.PersistentFlags().String("server", server, "seoflow server URL for client commands")

	root.AddCommand(
		serveCmd(),
		purgeCmd(),
		startCmd(),
		demoCmd(),
		statusCmd(),
		resultsCmd(),
		approveCmd(),
		cancelCmd(),
		sessionsCmd(),
		watchCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig(cmd *cobra.Command, bindings map[string]string) (*config.Config, error) {
	v := viper.New()
	for key, flag := range bindings {
		if err := v.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
			return nil, err
		}
	}
	return config.LoadWith(v, cfgFile)
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and workflow engine",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, map[string]string{
				"http.addr":      "addr",
				"storage.driver": "storage",
				"log.level":      "log-level",
			})
			if err != nil {
				return err
			}
			logger := cfg.Log.Logger()

			store, closeStore, err := cfg.Storage.Open()
			if err != nil {
				return fmt.Errorf("open %s storage: %w", cfg.Storage.Driver, err)
			}
			defer func() {
				if err := closeStore(); err != nil {
					logger.Error("close storage", "error", err)
				}
			}()

			caps, err := cfg.Capability.Capabilities()
			if err != nil {
				return err
			}

			snowflake := generator.NewSnowflake(time.Now().Add(-1*time.Second), 1)
			engine, err := workflow.NewWorkflowEngine(snowflake, store, caps,
				workflow.WithConfig(cfg.Workflow.Engine()),
				workflow.WithLogger(logger),
			)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			resumed, err := engine.Recover(ctx)
			if err != nil {
				logger.Error("recover sessions", "error", err)
			} else if resumed > 0 {
				logger.Info("resumed sessions", "count", resumed)
			}

			srv := api.NewServer(engine, cfg.HTTP.Addr, logger)
			if err := srv.Start(); err != nil {
				return err
			}
			logger.Info("seoflow ready",
				"addr", cfg.HTTP.Addr,
				"storage", cfg.Storage.Driver,
				"capability", cfg.Capability.Driver,
			)

			<-ctx.Done()

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("shutdown web server", "error", err)
			}
			return engine.Stop(shutdownCtx)
		},
	}
	cmd.Flags().String("addr", "", "listen address (overrides http.addr)")
	cmd.Flags().String("storage", "", "storage driver: memory, redis, postgres or badger")
	cmd.Flags().String("log-level", "", "log level: debug, info, warn or error")
	return cmd
}

func purgeCmd() *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete finished sessions from storage",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, nil)
			if err != nil {
				return err
			}
			store, closeStore, err := cfg.Storage.Open()
			if err != nil {
				return err
			}
			defer closeStore()

			n, err := store.ClearTerminal(cmd.Context(), time.Now().Add(-olderThan))
			if err != nil {
				return err
			}
			fmt.Printf("removed %d sessions\n", n)
			return nil
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 30*24*time.Hour, "only remove sessions finished before this age")
	return cmd
}

func printJSON(v interface{}) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
