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

// Package server is the control plane: the HTTP API over the agent
// orchestrator and the lifecycle that wires configuration, stores,
// runtimes and observability together.
//
// Agents and documents are addressed under /v1. Requests carry the
// caller's identity in the X-Owner-ID header; records of other owners
// are reported as not found.
package server
