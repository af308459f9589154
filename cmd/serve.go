package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/MimeLyc/caption-floater/internal/bridge"
	"github.com/MimeLyc/caption-floater/internal/config"
	"github.com/MimeLyc/caption-floater/internal/httpapi"
	"github.com/MimeLyc/caption-floater/internal/service"
	"github.com/MimeLyc/caption-floater/internal/session"
	"github.com/MimeLyc/caption-floater/pkg/log"
)

type scheduler interface {
	Schedule(ctx context.Context) error
}

type schedulerFunc func(ctx context.Context) error

func (f schedulerFunc) Schedule(ctx context.Context) error {
	return f(ctx)
}

type cronRunner interface {
	Start()
	Stop() context.Context
}

type httpRunner interface {
	ListenAndServe(addr string) error
	Shutdown(ctx context.Context) error
}

func newServeCommand(cc *commandContext) *cobra.Command {
	var uiDir string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and websocket server with the model refresh schedule",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := cc.ensureConfig()
			if err != nil {
				return err
			}

			svc, err := service.New(*cfg)
			if err != nil {
				return err
			}
			store, err := config.NewSettingsStore(cfg.System.SettingsFile, cc.settings)
			if err != nil {
				return err
			}

			local := bridge.NewLocal(svc)
			srv := httpapi.NewServer(svc,
				httpapi.WithSettingsStore(store),
				httpapi.WithSettingsApplier(settingsApplier(svc)),
				httpapi.WithSessionFactory(func(emitter session.Emitter) *session.Session {
					return session.New(local,
						session.WithEmitter(emitter),
						session.WithSettingsStore(store),
						session.WithConcurrency(cfg.Translate.Concurrency),
						session.WithRetryPolicy(cfg.Retry.Policy()),
					)
				}),
				httpapi.WithUI(uiDir, uiDir != ""),
				httpapi.WithOriginPatterns(cfg.HTTP.AllowedOrigins),
			)

			engine := cron.New()
			sched := schedulerFunc(func(ctx context.Context) error {
				if svc.Gateway().HasCredential() {
					go func() {
						if _, err := svc.RefreshModels(ctx); err != nil {
							log.Warn("Initial model discovery failed: %v", err)
						}
					}()
				}
				return svc.Schedule(ctx, engine)
			})

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runWithComponents(ctx, cfg, sched, engine, srv)
		},
	}

	cmd.Flags().StringVar(&uiDir, "ui-dir", "", "Serve a static panel page from this directory")
	return cmd
}

// settingsApplier pushes saved settings into the running service.
func settingsApplier(svc *service.Service) func(config.Settings) error {
	return func(next config.Settings) error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		// an empty stored key leaves the environment key in place
		if key := strings.TrimSpace(next.Credential); key != "" && key != svc.Gateway().Credential() {
			if err := svc.UpdateCredential(ctx, key); err != nil {
				log.Warn("Model refresh after settings change failed: %v", err)
			}
		}
		if next.SelectedModel != "" && next.SelectedModel != svc.Gateway().ActiveModel() {
			if err := svc.SelectModel(next.SelectedModel); err != nil {
				log.Warn("Keeping model %s: %v", svc.Gateway().ActiveModel(), err)
			}
		}
		return nil
	}
}

func runWithComponents(ctx context.Context, cfg *config.Config, sched scheduler, cronEngine cronRunner, httpSrv httpRunner) error {
	if err := sched.Schedule(ctx); err != nil {
		return fmt.Errorf("failed to schedule model refresh: %w", err)
	}
	cronEngine.Start()
	defer cronEngine.Stop()

	errCh := make(chan error, 1)
	go func() {
		log.Info("HTTP server listening on %s", cfg.HTTP.Addr)
		errCh <- httpSrv.ListenAndServe(cfg.HTTP.Addr)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
