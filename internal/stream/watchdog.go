// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package stream

import (
	"context"
	"fmt"
	"time"
)

// minWatchInterval keeps very short idle limits from spinning.
const minWatchInterval = 10 * time.Millisecond

// Watchdog cancels s when no data has arrived for idle. It returns when the
// session finishes, ctx is done, or it fired. A non-positive idle returns
// immediately. Returns true if the watchdog cancelled the session.
func Watchdog(ctx context.Context, s *Session, idle time.Duration) bool {
	if idle <= 0 {
		return false
	}

	interval := idle / 4
	if interval < minWatchInterval {
		interval = minWatchInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.Done():
			return false
		case <-ctx.Done():
			return false
		case <-ticker.C:
			quiet := time.Since(s.LastActivity())
			if quiet < idle {
				continue
			}
			s.logger.Warn("no data from service; cancelling answer", "idle", quiet.Round(time.Millisecond))
			return s.CancelWithNotice(fmt.Sprintf("Stopped: no data received for %s.", idle))
		}
	}
}
