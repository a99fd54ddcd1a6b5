/*
SPDX-FileCopyrightText: Copyright (c) 2026 NVIDIA CORPORATION. All rights reserved.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.

SPDX-License-Identifier: Apache-2.0
*/

package utils

import (
	"math/rand"
	"time"
)

// backoffBase is the delay before the first retry. Both retry loops in the
// runtime talk over loopback (the subscriber redialling the bus, a respawned
// worker rebinding its port), so the ramp starts well below a second.
const backoffBase = 100 * time.Millisecond

// CalculateBackoff returns the delay to sleep before retry number attempt
// (1-based). The delay doubles per attempt from backoffBase and is capped at
// maxBackoff. Up to half the delay is added as random jitter so the two ends
// of the bus do not retry in lockstep; the jittered result honors the cap.
func CalculateBackoff(attempt int, maxBackoff time.Duration) time.Duration {
	if attempt <= 0 || maxBackoff <= 0 {
		return 0
	}
	delay := backoffBase << (attempt - 1)
	if delay <= 0 || delay > maxBackoff {
		// Shifted past the cap, or far enough to overflow.
		delay = maxBackoff
	}
	delay += time.Duration(rand.Int63n(int64(delay)/2 + 1))
	if delay > maxBackoff {
		delay = maxBackoff
	}
	return delay
}
