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

package model

import (
	"fmt"

	"github.com/kadirpekel/vesper/pkg/config"
	"github.com/kadirpekel/vesper/pkg/registry"
)

// ProviderRegistry holds named providers built from configuration.
type ProviderRegistry struct {
	*registry.BaseRegistry[Provider]
	configs map[string]*config.LLMProviderConfig
}

func NewProviderRegistry() *ProviderRegistry {
	return &ProviderRegistry{
		BaseRegistry: registry.NewBaseRegistry[Provider](),
		configs:      make(map[string]*config.LLMProviderConfig),
	}
}

// RegisterFromConfig constructs and registers a provider under name.
func (r *ProviderRegistry) RegisterFromConfig(name string, cfg *config.LLMProviderConfig) (Provider, error) {
	provider, err := NewProviderFromConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create provider %s: %w", name, err)
	}
	if err := r.Register(name, provider); err != nil {
		return nil, err
	}
	r.configs[name] = cfg
	return provider, nil
}

// Config returns the config a registered provider was built from.
func (r *ProviderRegistry) Config(name string) (*config.LLMProviderConfig, bool) {
	cfg, ok := r.configs[name]
	return cfg, ok
}

// Close closes all registered providers.
func (r *ProviderRegistry) Close() error {
	var firstErr error
	for _, p := range r.List() {
		if err := p.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
