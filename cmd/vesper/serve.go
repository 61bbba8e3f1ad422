// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/kadirpekel/vesper/pkg/auth"
	"github.com/kadirpekel/vesper/pkg/config"
	"github.com/kadirpekel/vesper/pkg/model"
	"github.com/kadirpekel/vesper/pkg/observability"
	"github.com/kadirpekel/vesper/pkg/search"
	"github.com/kadirpekel/vesper/pkg/store"
	"github.com/kadirpekel/vesper/pkg/transport"
)

// ServeCmd starts the chat server.
type ServeCmd struct {
	Port int `help:"Port to listen on (overrides config)."`
}

func (c *ServeCmd) Run(cli *CLI) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := config.LoadEnvFiles(); err != nil {
		slog.Debug("No env file loaded", "error", err)
	}

	cfg, err := loadConfig(cli.Config)
	if err != nil {
		return err
	}
	if c.Port != 0 {
		cfg.Server.Port = c.Port
	}

	st, err := store.Open(cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	defer st.Close()

	providers := model.NewProviderRegistry()
	for name, providerCfg := range cfg.Providers {
		pc := providerCfg
		if _, err := providers.RegisterFromConfig(name, &pc); err != nil {
			return err
		}
	}
	defer providers.Close()

	var persistPath string
	if cfg.KnowledgeBase.Enabled {
		persistPath = cfg.KnowledgeBase.Path
	}
	index, err := search.NewChromemProvider(search.ChromemConfig{PersistPath: persistPath})
	if err != nil {
		return fmt.Errorf("failed to open search index: %w", err)
	}
	defer index.Close()

	authMw, err := auth.Middleware(ctx, cfg.Auth)
	if err != nil {
		return fmt.Errorf("failed to set up auth: %w", err)
	}

	orch := transport.NewOrchestrator(cfg, st, providers, index)
	srv := transport.NewServer(cfg, orch, st, authMw)

	if cfg.Observability.Enabled {
		obs, err := observability.New(cfg.Observability)
		if err != nil {
			return fmt.Errorf("failed to set up observability: %w", err)
		}
		defer obs.Shutdown(context.Background())
		srv.EnableObservability(obs)
		slog.Info("Observability enabled", "service", cfg.Observability.ServiceName)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(srv.Start)
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Shutting down...")
		return srv.Shutdown(context.Background())
	})
	return g.Wait()
}

// loadConfig falls back to an all-defaults configuration when no path is
// given, which serves local development with an in-memory store.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		cfg := &config.Config{}
		cfg.SetDefaults()
		return cfg, nil
	}
	return config.LoadConfig(path)
}
