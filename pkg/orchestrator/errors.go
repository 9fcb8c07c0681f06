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

import "errors"

var (
	// ErrNotFound reports a missing agent or document, or one owned by
	// someone else.
	ErrNotFound = errors.New("not found")

	// ErrInvalidRequest reports a request that failed validation.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrStatusConflict reports an operation the agent's status does not
	// allow, such as querying a stopped agent.
	ErrStatusConflict = errors.New("agent status does not allow this operation")

	// ErrRuntimeUnavailable reports that the agent's runtime could not be
	// acquired or did not answer.
	ErrRuntimeUnavailable = errors.New("agent runtime unavailable")
)
