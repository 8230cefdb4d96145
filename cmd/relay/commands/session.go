package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/dyluth/relay/internal/backend"
	"github.com/dyluth/relay/internal/config"
	"github.com/dyluth/relay/internal/logging"
	"github.com/dyluth/relay/internal/printer"
	"github.com/dyluth/relay/internal/resolver"
	"github.com/dyluth/relay/internal/telemetry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// session is the configuration, logger and store one command runs against.
type session struct {
	cfg     *config.Config
	logger  *zap.Logger
	backend *backend.Opened
}

// open loads configuration and connects to the configured store.
func (o *rootOptions) open(ctx context.Context) (*session, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, printer.Error(
			"invalid configuration",
			err.Error(),
			[]string{"Check the file passed with --config and any RELAY_* environment variables"},
		)
	}

	// The CLI logs to stderr in console form unless a config says otherwise.
	if o.configPath == "" {
		cfg.Log.Format = "console"
		cfg.Log.Level = "warn"
	}
	logger, err := logging.New(cfg.Log, o.verbose)
	if err != nil {
		return nil, err
	}

	if err := telemetry.Init(ctx, cfg.Telemetry, "relay", versionString); err != nil {
		logger.Warn("Telemetry disabled", zap.Error(err))
	}

	b, err := backend.Open(ctx, cfg.Store)
	if err != nil {
		return nil, printer.ErrorWithContext(
			"store connection failed",
			err.Error(),
			map[string]string{"Backend": cfg.Store.Backend, "Namespace": cfg.Store.Namespace},
			[]string{"Check the store settings, e.g. RELAY_REDIS_URL or RELAY_SQLITE_PATH"},
		)
	}

	return &session{cfg: cfg, logger: logger, backend: b}, nil
}

func (s *session) Close(ctx context.Context) {
	if err := s.backend.Close(); err != nil {
		s.logger.Warn("Failed to close store", zap.Error(err))
	}
	telemetry.Shutdown(ctx)
	_ = s.logger.Sync()
}

// resolve turns a short id into a full transmission id, printing friendly errors.
func (s *session) resolve(ctx context.Context, cmd *cobra.Command, shortID string) (string, error) {
	id, err := resolver.ResolveTransmissionID(ctx, s.backend.Store, shortID)
	if err == nil {
		return id, nil
	}

	var amb *resolver.AmbiguousError
	switch {
	case resolver.IsNotFoundError(err):
		return "", printer.Error(
			fmt.Sprintf("transmission '%s' not found", shortID),
			"No transmission with that id or prefix exists in this store.",
			[]string{"List transmissions:\n  relay list"},
		)
	case errors.As(err, &amb):
		fmt.Fprintln(cmd.ErrOrStderr(), resolver.FormatAmbiguousError(amb))
		return "", fmt.Errorf("ambiguous short ID")
	default:
		return "", fmt.Errorf("failed to resolve transmission ID: %w", err)
	}
}
