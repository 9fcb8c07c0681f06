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

package orchestrator

import (
	"context"
	"fmt"
	"maps"

	"github.com/kadirpekel/warder/pkg/cache"
	"github.com/kadirpekel/warder/pkg/config"
	"github.com/kadirpekel/warder/pkg/runtime"
	"github.com/kadirpekel/warder/pkg/store"
)

const (
	// EnvNamespace names the knowledge namespace of the agent in its runtime.
	EnvNamespace = "WARDER_NAMESPACE"

	EnvAgentType = "WARDER_AGENT_TYPE"
)

// ProvisionSpecs returns the cache's spec source: it reads the agent
// record and refuses agents that are stopped or failed, so a request
// racing a stop cannot bring the runtime back.
func ProvisionSpecs(meta store.Metadata, defaults config.ContainerConfig) cache.SpecSource {
	return func(ctx context.Context, agentID string) (runtime.ProvisionSpec, error) {
		a, err := meta.GetAgent(ctx, agentID)
		if err != nil {
			return runtime.ProvisionSpec{}, fmt.Errorf("failed to load agent %s: %w", agentID, err)
		}
		switch a.Status {
		case store.AgentStopped, store.AgentError:
			return runtime.ProvisionSpec{}, fmt.Errorf("%w: agent %s is %s", ErrStatusConflict, agentID, a.Status)
		}

		c := a.Container
		c.SetDefaults(defaults)
		env := maps.Clone(c.Env)
		if env == nil {
			env = make(map[string]string, 2)
		}
		env[EnvNamespace] = a.Namespace
		env[EnvAgentType] = string(agentType(a.Type))

		return runtime.ProvisionSpec{
			AgentName:   a.Name,
			Image:       c.Image,
			MemoryLimit: int64(c.MemoryLimit),
			CPULimit:    c.CPULimit,
			Env:         env,
		}, nil
	}
}
