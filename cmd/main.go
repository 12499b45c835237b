package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/yungbote/appforge-backend/internal/app"
	httpMW "github.com/yungbote/appforge-backend/internal/http/middleware"
	"github.com/yungbote/appforge-backend/internal/platform/dbctx"
	"github.com/yungbote/appforge-backend/internal/platform/logger"
)

var version = "dev"

var errUnhealthy = errors.New("library is unhealthy")

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "load .env: %v\n", err)
	}

	var configPath string
	root := &cobra.Command{
		Use:           "appforge",
		Short:         "Turns plain-language requests into deployed apps",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", os.Getenv("APPFORGE_CONFIG"), "path to a TOML config file")

	serve := serveCmd(&configPath)
	root.AddCommand(serve)
	root.AddCommand(migrateCmd(&configPath))
	root.AddCommand(libraryCmd(&configPath))
	root.AddCommand(tokenCmd(&configPath))
	root.RunE = serve.RunE

	if err := root.Execute(); err != nil {
		if !errors.Is(err, errUnhealthy) {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}

func bootstrap(configPath string) (*logger.Logger, app.Config, error) {
	mode := os.Getenv("LOG_MODE")
	if mode == "" {
		mode = "development"
	}
	log, err := logger.New(mode)
	if err != nil {
		return nil, app.Config{}, fmt.Errorf("init logger: %w", err)
	}
	cfg, err := app.Load(log, configPath)
	if err != nil {
		log.Sync()
		return nil, app.Config{}, err
	}
	return log, cfg, nil
}

func serveCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, worker pool and janitor",
		RunE: func(cmd *cobra.Command, args []string) error {
			log, cfg, err := bootstrap(*configPath)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := app.New(ctx, log, cfg)
			if err != nil {
				log.Sync()
				return err
			}
			defer a.Close()
			log.Info("appforge starting", "addr", cfg.Server.Addr, "version", version)
			return a.Run(ctx)
		},
	}
}

func migrateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update every table and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			log, cfg, err := bootstrap(*configPath)
			if err != nil {
				return err
			}
			core, err := app.NewCore(log, cfg)
			if err != nil {
				return err
			}
			defer core.Close()
			if err := core.Migrate(); err != nil {
				return err
			}
			log.Info("migration complete")
			return nil
		},
	}
}

func libraryCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "library",
		Short: "Inspect the reusable app library",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Print reuse ratio and decision counts as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCore(*configPath, func(core *app.Core) error {
				stats, err := core.Library().Stats(dbctx.Context{Ctx: cmd.Context()})
				if err != nil {
					return err
				}
				return printJSON(cmd, stats)
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "doctor",
		Short: "Run library health checks; exits non-zero when unhealthy",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCore(*configPath, func(core *app.Core) error {
				report, err := core.Library().Doctor(dbctx.Context{Ctx: cmd.Context()})
				if err != nil {
					return err
				}
				if err := printJSON(cmd, report); err != nil {
					return err
				}
				if !report.Healthy {
					return errUnhealthy
				}
				return nil
			})
		},
	})
	return cmd
}

func tokenCmd(configPath *string) *cobra.Command {
	var (
		user string
		ttl  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for local testing",
		RunE: func(cmd *cobra.Command, args []string) error {
			log, cfg, err := bootstrap(*configPath)
			if err != nil {
				return err
			}
			defer log.Sync()
			id := uuid.New()
			if user != "" {
				if id, err = uuid.Parse(user); err != nil {
					return fmt.Errorf("--user: %w", err)
				}
			}
			tok, err := httpMW.SignToken(app.AuthFor(cfg), id, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "user id (random when empty)")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}

func withCore(configPath string, fn func(core *app.Core) error) error {
	log, cfg, err := bootstrap(configPath)
	if err != nil {
		return err
	}
	core, err := app.NewCore(log, cfg)
	if err != nil {
		return err
	}
	defer core.Close()
	defer log.Sync()
	return fn(core)
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
