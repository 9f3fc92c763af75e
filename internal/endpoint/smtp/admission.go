/*
Robin MTA Tester - Programmable SMTP/LMTP server and scripted test client.
Copyright © 2024-2026 Robin MTA Tester contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package smtp

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/robin-mta/robin/framework/exterrors"
)

// tarpit tracks per-IP penalty delays for peers that keep failing
// commands. Each recorded failure doubles the delay up to the configured
// maximum. Entries decay back to the base delay after an idle period so a
// recovered peer is not punished forever.
type tarpit struct {
	base time.Duration
	max  time.Duration

	mu      sync.Mutex
	delays  map[string]time.Duration
	lastHit map[string]time.Time
}

func newTarpit(base, max time.Duration) *tarpit {
	return &tarpit{
		base:    base,
		max:     max,
		delays:  map[string]time.Duration{},
		lastHit: map[string]time.Time{},
	}
}

const tarpitIdleReset = 10 * time.Minute

func (t *tarpit) next(key string) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	delay, ok := t.delays[key]
	if !ok || now.Sub(t.lastHit[key]) > tarpitIdleReset {
		delay = t.base
	} else {
		delay *= 2
		if delay > t.max {
			delay = t.max
		}
	}
	t.delays[key] = delay
	t.lastHit[key] = now
	return delay
}

// Delay blocks for the peer's current penalty. The context bounds the wait
// so a closing server is not stuck sleeping.
func (t *tarpit) Delay(ctx context.Context, ip interface{ String() string }) {
	delay := t.next(ip.String())
	if delay <= 0 {
		return
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}

// rateWatcher wraps a DATA stream and fails the transfer once the average
// rate over a measurement window drops below the configured minimum. This
// frees the connection from clients that trickle a byte at a time to hold
// server resources.
type rateWatcher struct {
	r       io.Reader
	minRate int64 // bytes per second
	window  time.Duration
	onSlow  func()

	windowStart time.Time
	windowBytes int64
}

func newRateWatcher(r io.Reader, minRate int64, window time.Duration, onSlow func()) *rateWatcher {
	return &rateWatcher{r: r, minRate: minRate, window: window, onSlow: onSlow}
}

func (w *rateWatcher) Read(p []byte) (int, error) {
	if w.windowStart.IsZero() {
		w.windowStart = time.Now()
	}

	n, err := w.r.Read(p)
	w.windowBytes += int64(n)

	elapsed := time.Since(w.windowStart)
	if elapsed >= w.window {
		rate := w.windowBytes * int64(time.Second) / int64(elapsed)
		if rate < w.minRate {
			if w.onSlow != nil {
				w.onSlow()
			}
			return n, &exterrors.SMTPError{
				Code:         451,
				EnhancedCode: exterrors.EnhancedCode{4, 4, 2},
				Message:      "Transfer rate too low, closing transmission channel",
			}
		}
		w.windowStart = time.Now()
		w.windowBytes = 0
	}

	return n, err
}
