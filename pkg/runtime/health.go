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

package runtime

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"time"

	"github.com/kadirpekel/warder/pkg/config"
	"github.com/kadirpekel/warder/pkg/httpclient"
)

// HealthChecker checks the runtime listening on address.
type HealthChecker func(ctx context.Context, address string) error

// healthResponse is the body of a runtime's GET /health.
type healthResponse struct {
	Status string `json:"status"`
}

// HTTPHealthChecker calls GET /health and expects a 2xx answer whose status,
// when present, is "healthy" or "ok".
func HTTPHealthChecker(timeout time.Duration) HealthChecker {
	client := httpclient.New(
		httpclient.WithTimeout(timeout),
		httpclient.WithMaxRetries(0),
	)
	return func(ctx context.Context, address string) error {
		var body healthResponse
		if err := client.DoJSON(ctx, http.MethodGet, "http://"+address+"/health", nil, &body); err != nil {
			return err
		}
		switch body.Status {
		case "", "healthy", "ok":
			return nil
		default:
			return fmt.Errorf("runtime reports status %q", body.Status)
		}
	}
}

// backoff yields exponentially growing poll intervals.
type backoff struct {
	current    time.Duration
	max        time.Duration
	multiplier float64
}

func newBackoff(cfg config.HealthConfig) *backoff {
	initial := cfg.InitialInterval
	if initial <= 0 {
		initial = 250 * time.Millisecond
	}
	maxInterval := cfg.MaxInterval
	if maxInterval < initial {
		maxInterval = initial
	}
	return &backoff{current: initial, max: maxInterval, multiplier: math.Max(cfg.Multiplier, 1)}
}

func (b *backoff) next() time.Duration {
	d := b.current
	b.current = time.Duration(math.Min(float64(b.current)*b.multiplier, float64(b.max)))
	return d
}
