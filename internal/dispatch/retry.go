// Copyright 2025 Tom Barlow
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

package dispatch

import (
	"math/rand"
	"time"

	"github.com/loomhq/loom/pkg/definition"
)

// backoffDelay computes the wait before the given attempt retries.
// attempt counts from 1, so the delay after the first failure uses the
// base delay. Exponential doubles per attempt and clamps at maxBackoff;
// jitter spreads the result uniformly across ±50%.
func backoffDelay(r *definition.Retry, attempt int, rng *rand.Rand) time.Duration {
	delay := time.Duration(r.DelayMs) * time.Millisecond
	if delay <= 0 {
		delay = time.Second
	}

	if r.Strategy == definition.BackoffExponential {
		for i := 1; i < attempt; i++ {
			delay *= 2
			if max := time.Duration(r.MaxBackoffMs) * time.Millisecond; max > 0 && delay >= max {
				delay = max
				break
			}
		}
	}
	if max := time.Duration(r.MaxBackoffMs) * time.Millisecond; max > 0 && delay > max {
		delay = max
	}

	if r.Jitter {
		// Uniform in [0.5, 1.5) of the base delay.
		delay = time.Duration(float64(delay) * (0.5 + rng.Float64()))
	}
	return delay
}
