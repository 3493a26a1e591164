package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"offsync/internal/config"
	"offsync/internal/logging"
	"offsync/internal/models"
	"offsync/internal/service"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// rootOptions holds global flags for all commands.
type rootOptions struct {
	ConfigPath string
	Format     string // "json" | "text"
}

var validFormats = []string{"text", "json"}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	defaultConfig := os.Getenv("CONFIG_PATH")
	if defaultConfig == "" {
		defaultConfig = "configs/config.yaml"
	}

	cmd := &cobra.Command{
		Use:   "offsync",
		Short: "Offline action queue and sync engine",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			for _, f := range validFormats {
				if f == opts.Format {
					return nil
				}
			}
			return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, validFormats)
		},
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", defaultConfig, "path to config file")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newEnqueueCommand(opts))
	cmd.AddCommand(newListCommand(opts))
	cmd.AddCommand(newRetryCommand(opts))
	cmd.AddCommand(newDeleteCommand(opts))
	cmd.AddCommand(newReprioritizeCommand(opts))
	cmd.AddCommand(newStateCommand(opts))
	cmd.AddCommand(newSyncCommand(opts))

	return cmd
}

func loadConfigAndLogger(opts *rootOptions) (*config.Config, *zerolog.Logger, io.Closer, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load config: %w", err)
	}

	logger, closer, err := logging.New(cfg.Logging, cfg.App)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("init logger: %w", err)
	}
	return cfg, logger, closer, nil
}

// errTransportNotConfigured is what one-shot commands report if a pass is
// attempted without transport.base_url.
var errTransportNotConfigured = errors.New("transport base_url is not configured")

type unconfiguredTransport struct{}

func (unconfiguredTransport) Send(context.Context, *models.OfflineAction) (models.Ack, error) {
	return models.Ack{}, &models.TransportError{Kind: models.Transient, Err: errTransportNotConfigured}
}

// withService opens the local queue for a single command. Background
// triggers are switched off so the command only does what it was asked.
func withService(cmd *cobra.Command, opts *rootOptions, fn func(ctx context.Context, svc *service.SyncService) error) error {
	cfg, logger, closer, err := loadConfigAndLogger(opts)
	if err != nil {
		return err
	}
	if closer != nil {
		defer func() { _ = closer.Close() }()
	}

	cfg.Sync.Schedule = ""
	cfg.Connectivity.ProbeURL = ""
	cfg.Backup.Enabled = false

	var svcOpts []service.Option
	if cfg.Transport.BaseURL == "" {
		svcOpts = append(svcOpts, service.WithTransport(unconfiguredTransport{}))
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	svc := service.New(cfg, logger, svcOpts...)
	if err := svc.Start(ctx); err != nil {
		return err
	}
	runErr := fn(ctx, svc)

	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := svc.Stop(stopCtx); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printAction(w io.Writer, format string, a *models.OfflineAction) error {
	if format == "json" {
		return printJSON(w, a)
	}
	_, err := fmt.Fprintln(w, formatAction(a))
	return err
}

func formatAction(a *models.OfflineAction) string {
	line := fmt.Sprintf("%s  %-8s  p=%-2d  attempts=%d/%d  %s",
		a.ID, a.Status, a.Priority, a.SyncAttempts, a.MaxAttempts, a.Type)
	if msg := a.ErrorMessage(); msg != "" {
		line += "  error=" + msg
	}
	return line
}
