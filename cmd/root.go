package main

import (
	"context"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/MimeLyc/caption-floater/internal/bridge"
	"github.com/MimeLyc/caption-floater/internal/config"
	"github.com/MimeLyc/caption-floater/internal/service"
	"github.com/MimeLyc/caption-floater/internal/session"
	"github.com/MimeLyc/caption-floater/pkg/log"
)

// backend is what the client commands need, in-process or remote.
type backend interface {
	session.Backend
	Models(ctx context.Context) (service.ModelsResult, error)
	SelectModel(ctx context.Context, id string) error
}

type commandContext struct {
	serverFlag string
	envFile    string

	cfg      *config.Config
	settings config.Settings
}

// ensureConfig loads env configuration once, with persisted settings
// taking precedence over env values.
func (c *commandContext) ensureConfig() (*config.Config, error) {
	if c.cfg != nil {
		return c.cfg, nil
	}
	if c.envFile != "" {
		config.LoadDotEnv(c.envFile)
	} else {
		config.LoadDotEnv()
	}

	base, err := config.NewFromEnv()
	if err != nil {
		return nil, err
	}
	log.SetGlobal(log.NewLoggerWithWriter(os.Stderr, log.ParseLevel(base.System.LogLevel)))

	settings, err := config.LoadSettingsFileOrDefault(base.System.SettingsFile, base.Settings())
	if err != nil {
		log.Warn("Ignoring settings file %s: %v", base.System.SettingsFile, err)
		settings = base.Settings()
	}
	cfg, err := config.NewFromEnv(config.WithSettings(settings))
	if err != nil {
		return nil, err
	}

	c.cfg = cfg
	c.settings = settings
	return cfg, nil
}

// backend returns the HTTP bridge when --server is set and an in-process
// service otherwise.
func (c *commandContext) backend(ctx context.Context) (backend, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}

	if server := strings.TrimSpace(c.serverFlag); server != "" {
		client := bridge.NewClient(server)
		if err := client.UpdateCredential(ctx, cfg.LLM.APIKey); err != nil {
			return nil, err
		}
		return client, nil
	}

	svc, err := service.New(*cfg)
	if err != nil {
		return nil, err
	}
	return bridge.NewLocal(svc), nil
}

func newRootCommand() *cobra.Command {
	cc := &commandContext{}

	rootCmd := &cobra.Command{
		Use:           "caption-floater",
		Short:         "Floating caption panel service with mixed-language translation",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVar(&cc.serverFlag, "server", "", "Base URL of a running server (default: run in-process)")
	rootCmd.PersistentFlags().StringVar(&cc.envFile, "env-file", "", "Path to a .env file (default: ./.env)")

	rootCmd.AddCommand(newServeCommand(cc))
	rootCmd.AddCommand(newCaptionsCommand(cc))
	rootCmd.AddCommand(newTranslateCommand(cc))
	rootCmd.AddCommand(newModelsCommand(cc))

	return rootCmd
}
