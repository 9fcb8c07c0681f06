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

package embedder

import (
	"context"

	"golang.org/x/time/rate"
)

// RateLimited wraps an Embedder with a token bucket. Each Embed call takes
// one token; EmbedBatch takes one token per text.
type RateLimited struct {
	Embedder
	limiter *rate.Limiter
}

// NewRateLimited limits inner to rps requests per second with the given
// burst. A burst below one is raised to one.
func NewRateLimited(inner Embedder, rps float64, burst int) *RateLimited {
	if burst < 1 {
		burst = 1
	}
	return &RateLimited{
		Embedder: inner,
		limiter:  rate.NewLimiter(rate.Limit(rps), burst),
	}
}

func (r *RateLimited) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return r.Embedder.Embed(ctx, text)
}

func (r *RateLimited) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	n := len(texts)
	if n == 0 {
		return nil, nil
	}
	// WaitN rejects n above the burst, so take tokens in burst-sized steps.
	for n > 0 {
		step := min(n, r.limiter.Burst())
		if err := r.limiter.WaitN(ctx, step); err != nil {
			return nil, err
		}
		n -= step
	}
	return r.Embedder.EmbedBatch(ctx, texts)
}

var _ Embedder = (*RateLimited)(nil)
