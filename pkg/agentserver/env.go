// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package agentserver

import (
	"maps"
	"strconv"
	"strings"

	"github.com/kadirpekel/warder/pkg/config"
	"github.com/kadirpekel/warder/pkg/store"
)

// Environment variables a runtime is configured with.
const (
	EnvAgentID           = "WARDER_AGENT_ID"
	EnvAgentName         = "WARDER_AGENT_NAME"
	EnvAgentType         = "WARDER_AGENT_TYPE"
	EnvStoreDriver       = "WARDER_STORE_DRIVER"
	EnvStoreDSN          = "WARDER_STORE_DSN"
	EnvStoreCompress     = "WARDER_STORE_COMPRESS"
	EnvEmbedderProvider  = "WARDER_EMBEDDER_PROVIDER"
	EnvEmbedderModel     = "WARDER_EMBEDDER_MODEL"
	EnvEmbedderBaseURL   = "WARDER_EMBEDDER_BASE_URL"
	EnvEmbedderAPIKey    = "WARDER_EMBEDDER_API_KEY"
	EnvEmbedderDimension = "WARDER_EMBEDDER_DIMENSION"
)

// Env returns the environment a runtime needs to reach the knowledge store
// and embed questions in the same vector space as ingestion.
func Env(conn store.Connection, emb config.EmbedderConfig) map[string]string {
	env := map[string]string{
		EnvStoreDriver:       conn.Driver,
		EnvStoreDSN:          conn.DSN,
		EnvEmbedderProvider:  emb.Provider,
		EnvEmbedderModel:     emb.Model,
		EnvEmbedderDimension: strconv.Itoa(emb.Dimension),
	}
	if conn.Compress {
		env[EnvStoreCompress] = "true"
	}
	if emb.BaseURL != "" {
		env[EnvEmbedderBaseURL] = emb.BaseURL
	}
	if emb.APIKey != "" {
		env[EnvEmbedderAPIKey] = emb.APIKey
	}
	return env
}

var secretMarkers = []string{"KEY", "SECRET", "TOKEN", "PASSWORD", "DSN"}

// PublicEnv drops variables that may carry credentials.
func PublicEnv(env map[string]string) map[string]string {
	out := maps.Clone(env)
	for k := range out {
		upper := strings.ToUpper(k)
		for _, marker := range secretMarkers {
			if strings.Contains(upper, marker) {
				delete(out, k)
				break
			}
		}
	}
	return out
}
