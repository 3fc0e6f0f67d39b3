package detect

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/flexrag/syncd/internal/state"
)

// New maps a datasource configuration to its detector. This is the only
// place that knows which source type is served by which implementation;
// the engine and supervisor stay source-agnostic.
//
// Construction validates connection_params and builds SDK clients but
// performs no network I/O; credential failures surface from Start.
func New(ctx context.Context, cfg *state.DatasourceConfig, logger *slog.Logger) (Detector, error) {
	logger = logger.With(
		slog.String("config_id", cfg.ConfigID),
		slog.String("source_type", string(cfg.SourceType)),
	)

	switch cfg.SourceType {
	case state.SourceFilesystem:
		return newFilesystemDetector(cfg.ConnectionParams, logger)
	case state.SourceS3:
		return newS3Detector(cfg.ConnectionParams, logger)
	case state.SourceAzureBlob:
		return newAzureBlobDetector(cfg.ConnectionParams, logger)
	case state.SourceGCS:
		return newGCSDetector(ctx, cfg.ConnectionParams, logger)
	case state.SourceGoogleDrive:
		return newGoogleDriveDetector(ctx, cfg.ConnectionParams, logger)
	case state.SourceAlfresco:
		return newAlfrescoDetector(cfg.ConnectionParams, logger)
	case state.SourceBox:
		return newBoxDetector(ctx, cfg.ConnectionParams, logger)
	case state.SourceMSGraph:
		return newMSGraphDetector(ctx, cfg.ConnectionParams, logger)
	default:
		return nil, fmt.Errorf("detect: unsupported source type %q", cfg.SourceType)
	}
}
