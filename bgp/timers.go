// Copyright 2023 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package bgp

import (
	"math/rand"
	"time"

	"github.com/jpillora/backoff"
)

const (
	// defaultHoldTime is how long the remote end should hold the session if we
	// stop sending KEEPALIVEs. RFC 4271 requires at least 3 seconds.
	defaultHoldTime = 90 * time.Second
	// defaultKeepAliveInterval and defaultKeepAliveFuzz specify how often we send
	// KEEPALIVEs.
	defaultKeepAliveInterval = 27 * time.Second
	defaultKeepAliveFuzz     = 2 * time.Second
	// defaultConnectRetryMin and defaultConnectRetryMax bound the backoff
	// between connection attempts.
	defaultConnectRetryMin = 1 * time.Second
	defaultConnectRetryMax = 90 * time.Second
	// defaultOpenTimeout is the timeout to dial the peer and transmit an OPEN.
	defaultOpenTimeout = 10 * time.Second
	// defaultMessageTimeout is the timeout for most messages sent and received.
	defaultMessageTimeout = 30 * time.Second
	// defaultNotificationTimeout is the transmit timeout for NOTIFICATIONs.
	defaultNotificationTimeout = 3 * time.Second
	// collisionWait bounds how long a completed handshake waits for the
	// other handshakes in flight before it is used.
	collisionWait = 5 * time.Second
)

// Timers controls the hold time, keepalive and connect retry of a BGP
// session. Zero fields take their defaults.
type Timers struct {
	HoldTime          time.Duration
	KeepAliveInterval time.Duration
	KeepAliveFuzz     time.Duration
	ConnectRetryMin   time.Duration
	ConnectRetryMax   time.Duration
}

func newTimers(from *Timers) *Timers {
	t := &Timers{
		HoldTime:          defaultHoldTime,
		KeepAliveInterval: defaultKeepAliveInterval,
		KeepAliveFuzz:     defaultKeepAliveFuzz,
		ConnectRetryMin:   defaultConnectRetryMin,
		ConnectRetryMax:   defaultConnectRetryMax,
	}
	if from != nil {
		if from.HoldTime != 0 {
			t.HoldTime = from.HoldTime
		}
		if from.KeepAliveInterval != 0 {
			t.KeepAliveInterval = from.KeepAliveInterval
			t.KeepAliveFuzz = from.KeepAliveFuzz
		}
		if from.ConnectRetryMin != 0 {
			t.ConnectRetryMin = from.ConnectRetryMin
		}
		if from.ConnectRetryMax != 0 {
			t.ConnectRetryMax = from.ConnectRetryMax
		}
	}
	if t.ConnectRetryMax < t.ConnectRetryMin {
		t.ConnectRetryMax = t.ConnectRetryMin
	}
	return t
}

func (t *Timers) NextKeepAlive() time.Duration {
	if t.KeepAliveFuzz == 0 {
		return t.KeepAliveInterval
	}
	return t.KeepAliveInterval + time.Duration(rand.Int63n(int64(t.KeepAliveFuzz)))
}

// connectBackoff returns the backoff between connection attempts.
func (t *Timers) connectBackoff() *backoff.Backoff {
	return &backoff.Backoff{
		Factor: 1.5,
		Jitter: true,
		Min:    t.ConnectRetryMin,
		Max:    t.ConnectRetryMax,
	}
}
