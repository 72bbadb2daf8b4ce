// Copyright 2024 Google LLC
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

package xmpp

import (
	"fmt"
	"time"
)

// State is the state of a connection's state machine.
type State int

const (
	Idle State = iota
	Active
	Connect
	OpenSent
	OpenConfirm
	Established
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Active:
		return "Active"
	case Connect:
		return "Connect"
	case OpenSent:
		return "OpenSent"
	case OpenConfirm:
		return "OpenConfirm"
	case Established:
		return "Established"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// OpenConfirmState is the TLS negotiation progress within OpenConfirm.
type OpenConfirmState int

const (
	OpenConfirmInit OpenConfirmState = iota
	FeatureNegotiation
	FeatureSuccess
)

func (s OpenConfirmState) String() string {
	switch s {
	case OpenConfirmInit:
		return "Init"
	case FeatureNegotiation:
		return "FeatureNegotiation"
	case FeatureSuccess:
		return "FeatureSuccess"
	}
	return fmt.Sprintf("OpenConfirmState(%d)", int(s))
}

// EventType identifies a state machine input.
type EventType int

const (
	EvStart EventType = iota
	EvStop
	EvConnectTimerExpired
	EvOpenTimerExpired
	EvHoldTimerExpired
	EvTcpConnected
	EvTcpConnectFailed
	EvTcpPassiveOpen
	EvTcpClose
	EvOpen
	EvStreamFeatureRequest
	EvStartTls
	EvTlsProceed
	EvTlsHandshakeSuccess
	EvTlsHandshakeFailure
	EvKeepalive
	EvMessage
	EvIq
)

var eventNames = map[EventType]string{
	EvStart:                "Start",
	EvStop:                 "Stop",
	EvConnectTimerExpired:  "ConnectTimerExpired",
	EvOpenTimerExpired:     "OpenTimerExpired",
	EvHoldTimerExpired:     "HoldTimerExpired",
	EvTcpConnected:         "TcpConnected",
	EvTcpConnectFailed:     "TcpConnectFailed",
	EvTcpPassiveOpen:       "TcpPassiveOpen",
	EvTcpClose:             "TcpClose",
	EvOpen:                 "Open",
	EvStreamFeatureRequest: "StreamFeatureRequest",
	EvStartTls:             "StartTls",
	EvTlsProceed:           "TlsProceed",
	EvTlsHandshakeSuccess:  "TlsHandshakeSuccess",
	EvTlsHandshakeFailure:  "TlsHandshakeFailure",
	EvKeepalive:            "Keepalive",
	EvMessage:              "Message",
	EvIq:                   "Iq",
}

func (e EventType) String() string {
	if n, ok := eventNames[e]; ok {
		return n
	}
	return fmt.Sprintf("EventType(%d)", int(e))
}

// An Event is an input to the state machine. Events raised by a transport
// session carry it, so that events from a replaced session can be dropped.
type Event struct {
	Type    EventType
	Session *Session
	Stanza  Stanza
	Err     error
	// gen matches connect completions to the attempt that started them.
	gen uint64
}

const (
	defaultConnectMin = time.Second
	defaultConnectMax = 60 * time.Second
	defaultOpenTime   = 15 * time.Second
	defaultHoldTime   = 90 * time.Second
)

// Timers holds the intervals of a connection. Zero fields take defaults.
type Timers struct {
	// ConnectMin and ConnectMax bound the connect timer, which backs off
	// with the number of failed attempts.
	ConnectMin time.Duration
	ConnectMax time.Duration
	// OpenTime is how long a server waits for the stream header after
	// accepting a connection.
	OpenTime time.Duration
	// HoldTime is how long a session survives without input. Keepalives are
	// sent every third of it.
	HoldTime time.Duration
}

func newTimers(from *Timers) *Timers {
	t := &Timers{
		ConnectMin: defaultConnectMin,
		ConnectMax: defaultConnectMax,
		OpenTime:   defaultOpenTime,
		HoldTime:   defaultHoldTime,
	}
	if from != nil {
		if from.ConnectMin != 0 {
			t.ConnectMin = from.ConnectMin
		}
		if from.ConnectMax != 0 {
			t.ConnectMax = from.ConnectMax
		}
		if from.OpenTime != 0 {
			t.OpenTime = from.OpenTime
		}
		if from.HoldTime != 0 {
			t.HoldTime = from.HoldTime
		}
	}
	if t.ConnectMax < t.ConnectMin {
		t.ConnectMax = t.ConnectMin
	}
	return t
}

// KeepaliveInterval is how often an established connection sends
// whitespace.
func (t *Timers) KeepaliveInterval() time.Duration {
	return t.HoldTime / 3
}
