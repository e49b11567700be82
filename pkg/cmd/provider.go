package cmd

import (
	"log/slog"
	"time"

	"github.com/dukex/orkestra/pkg/ci"
	"github.com/dukex/orkestra/pkg/ci/gitlab"
	"github.com/dukex/orkestra/pkg/ci/simulated"
)

type ProviderConfig struct {
	BaseURL  string
	Timeout  time.Duration
	MockMode bool
}

// NewProvider returns the GitLab client, or the simulated provider in mock mode.
//
//nolint:ireturn
func NewProvider(config ProviderConfig, logger *slog.Logger) ci.Provider {
	if config.MockMode {
		logger.Warn("GitLab mock mode enabled, pipelines are simulated")

		return simulated.NewProvider(logger, simulated.DefaultLatency)
	}

	return gitlab.NewClient(gitlab.Config{BaseURL: config.BaseURL, Timeout: config.Timeout}, logger)
}
