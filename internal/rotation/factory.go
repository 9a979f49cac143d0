package rotation

import (
	"efv-go/internal/config"
	"efv-go/internal/efv"
)

// NewPipelineFromConfig creates a Pipeline from the [pipeline] config
// section. Zero fields take the package defaults.
func NewPipelineFromConfig(cfg config.PipelineConfig, codec efv.StreamCodec, logger efv.Logger) *Pipeline {
	return New(codec, Options{
		ChunkSize: cfg.ChunkSize,
		Depth:     cfg.Depth,
		Logger:    logger,
	})
}
