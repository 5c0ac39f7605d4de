package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nvkh/llmbridge/internal/api"
	"github.com/nvkh/llmbridge/internal/config"
	log "github.com/nvkh/llmbridge/internal/logging"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the gateway server",
	RunE: func(c *cobra.Command, args []string) error {
		return runServe()
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe() error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		log.WithError(err).Errorf("load config failed")
		return err
	}
	log.SetLevel(cfg.LogLevel)
	log.SetupLogOutput(cfg.LogFile)

	stopWatch, err := config.Watch(cfgFile, cfg)
	if err != nil {
		log.WithError(err).Warnf("config hot reload disabled")
	} else {
		defer stopWatch()
	}

	server := api.NewServer(cfg)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Run()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		log.Infof("received %s, shutting down", sig)
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return server.Shutdown(ctx)
	}
}
