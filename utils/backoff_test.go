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
	"testing"
	"time"
)

func TestCalculateBackoff_NoDelayWithoutAttempt(t *testing.T) {
	t.Parallel()
	for _, attempt := range []int{0, -1} {
		if d := CalculateBackoff(attempt, time.Second); d != 0 {
			t.Errorf("attempt %d: expected no delay, got %s", attempt, d)
		}
	}
	if d := CalculateBackoff(1, 0); d != 0 {
		t.Errorf("expected no delay for a zero cap, got %s", d)
	}
}

func TestCalculateBackoff_RampsFromBase(t *testing.T) {
	t.Parallel()
	max := 5 * time.Second
	for attempt := 1; attempt <= 6; attempt++ {
		base := backoffBase << (attempt - 1)
		// Repeat to cover the jitter range.
		for i := 0; i < 50; i++ {
			d := CalculateBackoff(attempt, max)
			if d < base {
				t.Fatalf("attempt %d: delay %s below the ramp %s", attempt, d, base)
			}
			if d > base+base/2 {
				t.Fatalf("attempt %d: delay %s beyond the jitter bound %s",
					attempt, d, base+base/2)
			}
		}
	}
}

func TestCalculateBackoff_HonorsCap(t *testing.T) {
	t.Parallel()
	max := time.Second
	// Attempt 5 would be 1.6s on the ramp; with jitter it must settle at
	// exactly the cap, as must attempts large enough to overflow the shift.
	for _, attempt := range []int{5, 10, 200} {
		for i := 0; i < 50; i++ {
			if d := CalculateBackoff(attempt, max); d != max {
				t.Fatalf("attempt %d: expected the cap %s, got %s", attempt, max, d)
			}
		}
	}
}
