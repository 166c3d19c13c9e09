package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/goliatone/go-config/config"
)

const envPrefix = "GRAPH_GATEWAY_"

// layeredSettings only carries the container; core decodes the raw tree.
type layeredSettings struct{}

func (*layeredSettings) Validate() error { return nil }

// layeredLoader reads an optional config file and layers GRAPH_GATEWAY_*
// variables over it. Nested keys use a double underscore, so
// GRAPH_GATEWAY_WEBHOOK__APP_SECRET sets webhook.app_secret.
type layeredLoader struct {
	path   string
	prefix string
}

func newLayeredLoader(path string) layeredLoader {
	return layeredLoader{path: path, prefix: envPrefix}
}

func (l layeredLoader) LoadRaw(ctx context.Context) (map[string]any, error) {
	var providers []config.ProviderBuilder[*layeredSettings]
	if path := strings.TrimSpace(l.path); path != "" {
		providers = append(providers, config.OptionalProvider(
			config.FileProvider[*layeredSettings](path),
			config.DefaultErrorFilter(os.ErrNotExist),
		))
	}
	if l.prefix != "" {
		providers = append(providers, config.EnvProvider[*layeredSettings](l.prefix, "__"))
	}

	container := config.New(&layeredSettings{}).WithProvider(providers...)
	if err := container.Load(ctx); err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return container.K.Raw(), nil
}
