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
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jpillora/backoff"
	"github.com/sirupsen/logrus"

	"github.com/msiegen/controlnode/task"
)

// stateMachineGroup runs state machine events and timers. Each connection
// uses its own instance.
const stateMachineGroup = "xmpp::StateMachine"

// keepalivesToReset is the number of keepalives after which an established
// session is considered stable and the connect backoff starts over.
const keepalivesToReset = 3

// A StateMachine drives one connection through stream setup, optional TLS
// negotiation, and the established phase. Events are processed one at a
// time in the connection's task instance; the exported accessors may be
// called from anywhere.
type StateMachine struct {
	c       *Connection
	log     *logrus.Entry
	timers  *Timers
	backoff *backoff.Backoff

	connectTimer *task.Timer
	openTimer    *task.Timer
	holdTimer    *task.Timer

	// current mirrors state for readers that must not take mu.
	current atomic.Int32

	mu         sync.Mutex
	state      State
	ocState    OpenConfirmState
	session    *Session
	attempts   int
	keepalives int
	flaps      int
	gen        uint64
	cancelDial context.CancelFunc
	lastEvent  EventType
	lastChange time.Time
	after      []func()
}

func newStateMachine(c *Connection) *StateMachine {
	s := c.s
	return &StateMachine{
		c:      c,
		log:    c.log,
		timers: c.timers,
		backoff: &backoff.Backoff{
			Min:    c.timers.ConnectMin,
			Max:    c.timers.ConnectMax,
			Factor: 2,
			Jitter: true,
		},
		connectTimer: s.NewTimer("connect", stateMachineGroup, c.id),
		openTimer:    s.NewTimer("open", stateMachineGroup, c.id),
		holdTimer:    s.NewTimer("hold", stateMachineGroup, c.id),
		lastChange:   time.Now(),
	}
}

// State returns the current state.
func (sm *StateMachine) State() State {
	return State(sm.current.Load())
}

// OpenConfirmState returns the TLS negotiation sub-state. It is meaningful
// only in OpenConfirm.
func (sm *StateMachine) OpenConfirmState() OpenConfirmState {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.ocState
}

// Attempts returns the connect attempt counter.
func (sm *StateMachine) Attempts() int {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.attempts
}

// Flaps returns how many times the connection left Established.
func (sm *StateMachine) Flaps() int {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.flaps
}

// Session returns the current transport session, or nil.
func (sm *StateMachine) Session() *Session {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.session
}

// LastEvent returns the last event that was processed.
func (sm *StateMachine) LastEvent() EventType {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.lastEvent
}

// LastStateChange returns when the state last changed.
func (sm *StateMachine) LastStateChange() time.Time {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.lastChange
}

// ConnectTimerRunning reports whether the connect timer is armed.
func (sm *StateMachine) ConnectTimerRunning() bool { return sm.connectTimer.Running() }

// OpenTimerRunning reports whether the open timer is armed.
func (sm *StateMachine) OpenTimerRunning() bool { return sm.openTimer.Running() }

// HoldTimerRunning reports whether the hold timer is armed.
func (sm *StateMachine) HoldTimerRunning() bool { return sm.holdTimer.Running() }

// Initialize starts the machine. It does nothing unless the machine is Idle.
func (sm *StateMachine) Initialize() { sm.c.post(Event{Type: EvStart}) }

// Stop drives the machine to the reset state of its role: Active for
// clients, Idle for servers.
func (sm *StateMachine) Stop() { sm.c.post(Event{Type: EvStop}) }

// Enqueue posts an event to the machine.
func (sm *StateMachine) Enqueue(ev Event) { sm.c.post(ev) }

// Clear cancels every timer, releases the session, and parks the machine in
// Idle. It takes effect before it returns.
func (sm *StateMachine) Clear() {
	sm.mu.Lock()
	wasUp := sm.state == Established
	sm.cancelTimers()
	sm.closeSession()
	sm.gen++
	sm.setState(Idle, EvStop)
	sm.ocState = OpenConfirmInit
	sm.mu.Unlock()
	if wasUp {
		sm.c.down()
	}
}

// process handles one event. It runs in the connection's task instance.
func (sm *StateMachine) process(ev Event) {
	sm.mu.Lock()
	if !sm.accepts(ev) {
		sm.mu.Unlock()
		sm.log.WithField("event", ev.Type).Debug("Dropped stale event")
		if ev.Type == EvTcpConnected || ev.Type == EvTcpPassiveOpen {
			// Nobody adopted the session.
			ev.Session.Close()
		}
		return
	}
	sm.lastEvent = ev.Type
	if sm.c.isClient {
		sm.client(ev)
	} else {
		sm.server(ev)
	}
	after := sm.after
	sm.after = nil
	sm.mu.Unlock()
	for _, f := range after {
		f()
	}
}

// accepts filters events that belong to a session or connect attempt the
// machine has moved on from.
//
// invariant: sm.mu is locked
func (sm *StateMachine) accepts(ev Event) bool {
	switch ev.Type {
	case EvTcpConnected, EvTcpConnectFailed:
		return sm.state == Connect && sm.session == nil && ev.gen == sm.gen
	case EvTcpPassiveOpen:
		return sm.state == Active && sm.session == nil && ev.Session != nil
	}
	if ev.Session != nil && ev.Session != sm.session {
		return false
	}
	return true
}

// invariant: sm.mu is locked
func (sm *StateMachine) client(ev Event) {
	switch sm.state {
	case Idle:
		if ev.Type == EvStart {
			sm.enterActive(ev.Type)
		}

	case Active:
		switch ev.Type {
		case EvConnectTimerExpired:
			sm.enterConnect(ev.Type)
		case EvStop:
			sm.enterActive(ev.Type)
		}

	case Connect:
		switch ev.Type {
		case EvConnectTimerExpired, EvTcpConnectFailed:
			if ev.Err != nil {
				sm.log.WithError(ev.Err).Info("Connect failed")
			}
			sm.attempts++
			sm.teardown(ev.Type)
		case EvTcpConnected:
			sm.adopt(ev.Session)
			sm.send(StreamOpen{From: sm.c.localID, To: sm.c.RemoteID()})
			sm.enterOpenSent(ev.Type)
		case EvStop:
			sm.teardown(ev.Type)
		}

	case OpenSent:
		switch ev.Type {
		case EvOpen:
			if open, ok := ev.Stanza.(StreamOpen); ok {
				sm.c.learnRemote(open.From)
			}
			if sm.c.tls != nil {
				sm.enterOpenConfirm(ev.Type)
			} else {
				sm.enterEstablished(ev.Type)
			}
		case EvTcpClose, EvHoldTimerExpired, EvStop:
			sm.teardown(ev.Type)
		default:
			sm.unexpected(ev)
		}

	case OpenConfirm:
		switch {
		case ev.Type == EvTcpClose || ev.Type == EvHoldTimerExpired || ev.Type == EvStop:
			sm.teardown(ev.Type)
		case sm.ocState == OpenConfirmInit && ev.Type == EvStreamFeatureRequest:
			if f, ok := ev.Stanza.(Features); !ok || !f.StartTLS {
				sm.log.Warn("Peer does not offer TLS")
				sm.teardown(ev.Type)
				return
			}
			sm.send(StartTLS{})
			sm.setSubState(FeatureNegotiation, ev.Type)
		case sm.ocState == FeatureNegotiation && ev.Type == EvTlsProceed:
			sm.session.StartTLS()
		case sm.ocState == FeatureNegotiation && ev.Type == EvTlsHandshakeSuccess:
			sm.setSubState(FeatureSuccess, ev.Type)
			sm.send(StreamOpen{From: sm.c.localID, To: sm.c.RemoteID()})
		case sm.ocState == FeatureNegotiation && ev.Type == EvTlsHandshakeFailure:
			sm.log.WithError(ev.Err).Warn("TLS handshake failed")
			sm.teardown(ev.Type)
		case sm.ocState == FeatureSuccess && ev.Type == EvOpen:
			sm.enterEstablished(ev.Type)
		default:
			sm.unexpected(ev)
		}

	case Established:
		switch ev.Type {
		case EvKeepalive, EvMessage, EvIq:
			sm.received(ev)
		case EvTcpClose, EvHoldTimerExpired, EvStop:
			sm.attempts++
			sm.teardown(ev.Type)
		default:
			sm.unexpected(ev)
		}
	}
}

// invariant: sm.mu is locked
func (sm *StateMachine) server(ev Event) {
	switch sm.state {
	case Idle:
		if ev.Type == EvStart {
			sm.enterActive(ev.Type)
		}

	case Active:
		switch ev.Type {
		case EvTcpPassiveOpen:
			sm.adopt(ev.Session)
			sm.openTimer.Start(sm.timers.OpenTime, sm.expiry(EvOpenTimerExpired))
		case EvOpen:
			if sm.session == nil {
				sm.unexpected(ev)
				return
			}
			open, _ := ev.Stanza.(StreamOpen)
			if !sm.c.claim(open.From) {
				sm.teardown(ev.Type)
				return
			}
			sm.send(StreamOpen{From: sm.c.localID, To: open.From})
			if sm.c.tls != nil {
				sm.send(Features{StartTLS: true, Required: true})
				sm.enterOpenConfirm(ev.Type)
			} else {
				sm.enterEstablished(ev.Type)
			}
		case EvOpenTimerExpired, EvTcpClose, EvStop:
			sm.teardown(ev.Type)
		default:
			sm.unexpected(ev)
		}

	case OpenConfirm:
		switch {
		case ev.Type == EvTcpClose || ev.Type == EvHoldTimerExpired || ev.Type == EvStop:
			sm.teardown(ev.Type)
		case sm.ocState == OpenConfirmInit && ev.Type == EvStartTls:
			sm.send(Proceed{})
			sm.session.StartTLS()
			sm.setSubState(FeatureNegotiation, ev.Type)
		case sm.ocState == FeatureNegotiation && ev.Type == EvTlsHandshakeSuccess:
			sm.setSubState(FeatureSuccess, ev.Type)
		case sm.ocState == FeatureNegotiation && ev.Type == EvTlsHandshakeFailure:
			sm.log.WithError(ev.Err).Warn("TLS handshake failed")
			sm.teardown(ev.Type)
		case sm.ocState == FeatureSuccess && ev.Type == EvOpen:
			sm.send(StreamOpen{From: sm.c.localID, To: sm.c.RemoteID()})
			sm.enterEstablished(ev.Type)
		default:
			sm.unexpected(ev)
		}

	case Established:
		switch ev.Type {
		case EvKeepalive, EvMessage, EvIq:
			sm.received(ev)
		case EvTcpClose, EvHoldTimerExpired, EvStop:
			sm.teardown(ev.Type)
		default:
			sm.unexpected(ev)
		}
	}
}

// received handles input in Established.
//
// invariant: sm.mu is locked
func (sm *StateMachine) received(ev Event) {
	sm.holdTimer.Start(sm.timers.HoldTime, sm.expiry(EvHoldTimerExpired))
	if ev.Type == EvKeepalive {
		sm.keepalives++
		if sm.keepalives == keepalivesToReset {
			sm.attempts = 0
		}
		return
	}
	st := ev.Stanza
	sm.after = append(sm.after, func() { sm.c.deliver(st) })
}

// invariant: sm.mu is locked
func (sm *StateMachine) unexpected(ev Event) {
	sm.c.dropped.Add(1)
	sm.log.WithFields(logrus.Fields{
		"state": sm.state,
		"event": ev.Type,
	}).Warn("Ignored unexpected event")
}

// invariant: sm.mu is locked
func (sm *StateMachine) enterActive(ev EventType) {
	sm.cancelTimers()
	if sm.c.isClient {
		d := sm.backoff.ForAttempt(float64(sm.attempts))
		sm.connectTimer.Start(d, sm.expiry(EvConnectTimerExpired))
	} else {
		sm.openTimer.Start(sm.timers.OpenTime, sm.expiry(EvOpenTimerExpired))
	}
	sm.setState(Active, ev)
}

// invariant: sm.mu is locked
func (sm *StateMachine) enterConnect(ev EventType) {
	sm.gen++
	gen := sm.gen
	ctx, cancel := context.WithCancel(context.Background())
	sm.cancelDial = cancel
	sm.connectTimer.Start(sm.backoff.ForAttempt(float64(sm.attempts)), sm.expiry(EvConnectTimerExpired))
	sm.setState(Connect, ev)
	c := sm.c
	go c.connect(ctx, gen)
}

// invariant: sm.mu is locked
func (sm *StateMachine) enterOpenSent(ev EventType) {
	sm.connectTimer.Cancel()
	sm.holdTimer.Start(sm.timers.HoldTime, sm.expiry(EvHoldTimerExpired))
	sm.setState(OpenSent, ev)
}

// invariant: sm.mu is locked
func (sm *StateMachine) enterOpenConfirm(ev EventType) {
	sm.connectTimer.Cancel()
	sm.openTimer.Cancel()
	sm.holdTimer.Start(sm.timers.HoldTime, sm.expiry(EvHoldTimerExpired))
	sm.ocState = OpenConfirmInit
	sm.setState(OpenConfirm, ev)
}

// invariant: sm.mu is locked
func (sm *StateMachine) enterEstablished(ev EventType) {
	sm.connectTimer.Cancel()
	sm.openTimer.Cancel()
	sm.holdTimer.Start(sm.timers.HoldTime, sm.expiry(EvHoldTimerExpired))
	sm.keepalives = 0
	sm.setState(Established, ev)
	sm.after = append(sm.after, sm.c.up)
}

// teardown closes the session and moves to the role's reset state.
//
// invariant: sm.mu is locked
func (sm *StateMachine) teardown(ev EventType) {
	wasUp := sm.state == Established
	sm.closeSession()
	if wasUp {
		sm.flaps++
		sm.after = append(sm.after, sm.c.down)
	}
	if sm.c.isClient {
		sm.enterActive(ev)
		return
	}
	sm.cancelTimers()
	sm.setState(Idle, ev)
	sm.after = append(sm.after, sm.c.idle)
}

// invariant: sm.mu is locked
func (sm *StateMachine) adopt(s *Session) {
	sm.session = s
	s.start()
}

// invariant: sm.mu is locked
func (sm *StateMachine) closeSession() {
	if sm.cancelDial != nil {
		sm.cancelDial()
		sm.cancelDial = nil
	}
	if sm.session != nil {
		sm.session.Close()
		sm.session = nil
	}
}

// invariant: sm.mu is locked
func (sm *StateMachine) cancelTimers() {
	sm.connectTimer.Cancel()
	sm.openTimer.Cancel()
	sm.holdTimer.Cancel()
}

// invariant: sm.mu is locked
func (sm *StateMachine) send(st Stanza) {
	if sm.session != nil {
		sm.session.Send(st)
	}
}

// invariant: sm.mu is locked
func (sm *StateMachine) setState(to State, ev EventType) {
	from := sm.state
	if from == to {
		return
	}
	sm.state = to
	sm.current.Store(int32(to))
	sm.lastChange = time.Now()
	if to != OpenConfirm {
		sm.ocState = OpenConfirmInit
	}
	sm.log.WithFields(logrus.Fields{
		"from":  from,
		"to":    to,
		"event": ev,
	}).Info("State changed")
}

// invariant: sm.mu is locked
func (sm *StateMachine) setSubState(to OpenConfirmState, ev EventType) {
	sm.log.WithFields(logrus.Fields{
		"from":  sm.ocState,
		"to":    to,
		"event": ev,
	}).Debug("OpenConfirm state changed")
	sm.ocState = to
}

// expiry returns a timer handler that feeds ev to the machine. Timer
// handlers already run in the machine's task instance.
func (sm *StateMachine) expiry(t EventType) func() {
	return func() { sm.process(Event{Type: t}) }
}
