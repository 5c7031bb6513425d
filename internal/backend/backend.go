// Package backend builds the process-wide model selected by configuration.
package backend

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"vilt-vqa/internal/config"
	"vilt-vqa/internal/hfinference"
	"vilt-vqa/internal/vilt/ortmodel"
	"vilt-vqa/internal/vqa"
)

// Load builds the model once. The returned close func releases native
// resources and is safe to call on any backend.
func Load(ctx context.Context, cfg config.Config, httpClient *http.Client, logger *slog.Logger) (vqa.Model, func() error, error) {
	switch cfg.Backend {
	case config.BackendONNX:
		m, err := ortmodel.New(ortmodel.Options{
			ModelPath:         cfg.ONNXModelPath,
			TokenizerPath:     cfg.ONNXTokenizerPath,
			ConfigPath:        cfg.ONNXConfigPath,
			SharedLibraryPath: cfg.ONNXRuntimeLib,
			Logger:            logger,
		})
		if err != nil {
			return nil, nil, err
		}
		return m, m.Close, nil

	case config.BackendHF:
		c := hfinference.New(hfinference.Options{
			Token:        cfg.HFToken,
			Model:        cfg.Model,
			InferenceURL: cfg.HFInferenceURL,
			HubURL:       cfg.HFHubURL,
			TopK:         cfg.HFTopK,
			HTTPClient:   httpClient,
			Logger:       logger,
		})
		if err := c.LoadVocabulary(ctx); err != nil {
			return nil, nil, err
		}
		return c, func() error { return nil }, nil
	}
	return nil, nil, fmt.Errorf("unknown backend %q", cfg.Backend)
}
