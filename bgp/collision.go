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

package bgp

import (
	"net"
	"net/netip"
	"time"

	"github.com/jpillora/backoff"
	"github.com/osrg/gobgp/v3/pkg/packet/bgp"
	"github.com/pkg/errors"
	"gopkg.in/tomb.v2"
)

// handshake exchanges OPEN and KEEPALIVE messages on a new connection. On
// error the connection is closed, after a NOTIFICATION if the error calls for
// one.
func (f *fsm) handshake(c net.Conn, outgoing bool) (*session, error) {
	fail := func(err error) (*session, error) {
		maybeSendNotification(c, err) // ignore errors
		c.Close()                     // ignore errors
		return nil, err
	}

	// Send OPEN message.
	if err := f.sendOpen(c); err != nil {
		return fail(errors.Wrap(err, "send open"))
	}
	f.setState(bgp.BGP_FSM_OPENSENT)

	// Wait for OPEN message from the peer.
	m, err := fsmRecvMessage(c, time.Now().Add(defaultMessageTimeout))
	if err != nil {
		return fail(errors.Wrap(err, "receive open"))
	}

	// Validate the OPEN message from the peer.
	o, ok := m.Body.(*bgp.BGPOpen)
	if !ok {
		return fail(bgp.NewMessageError(bgp.BGP_ERROR_FSM_ERROR, bgp.BGP_ERROR_SUB_RECEIVE_UNEXPECTED_MESSAGE_IN_OPENSENT_STATE, nil,
			"received unexpected message type while waiting for open"))
	}
	sess, code, err := f.validateOpen(o)
	if err != nil {
		if code != 0 {
			return fail(bgp.NewMessageError(bgp.BGP_ERROR_OPEN_MESSAGE_ERROR, code, nil, err.Error()))
		}
		return fail(err)
	}
	sess.conn = c
	sess.Outgoing = outgoing

	// Send KEEPALIVE message.
	if err := fsmSendKeepAlive(c, sess.HoldTime); err != nil {
		return fail(errors.Wrap(err, "send keepalive"))
	}
	f.setState(bgp.BGP_FSM_OPENCONFIRM)

	// Wait for KEEPALIVE from the peer.
	m, err = fsmRecvMessage(c, time.Now().Add(sess.HoldTime))
	if err != nil {
		return fail(errors.Wrap(err, "receive keepalive"))
	}
	if _, ok := m.Body.(*bgp.BGPKeepAlive); !ok {
		return fail(bgp.NewMessageError(bgp.BGP_ERROR_FSM_ERROR, bgp.BGP_ERROR_SUB_RECEIVE_UNEXPECTED_MESSAGE_IN_OPENCONFIRM_STATE, nil,
			"received unexpected message type while waiting for keepalive"))
	}
	return sess, nil
}

// preferOutgoing applies the rules in
// https://datatracker.ietf.org/doc/html/rfc4271#section-6.8 and
// https://datatracker.ietf.org/doc/html/rfc6286#section-2.3: the connection
// initiated by the router with the higher BGP identifier survives, and equal
// identifiers are broken by the higher AS number.
func preferOutgoing(localID, peerID netip.Addr, localASN, peerASN uint32) bool {
	if c := localID.Compare(peerID); c != 0 {
		return c > 0
	}
	return localASN > peerASN
}

// resolveCollision picks the session to keep out of two that completed their
// handshake with the same peer. The other one is returned for closing.
func (f *fsm) resolveCollision(a, b *session) (keep, drop *session) {
	if a.Outgoing == b.Outgoing {
		return a, b
	}
	out := preferOutgoing(f.server.routerID, b.PeerID, f.server.asn, b.PeerASN)
	if a.Outgoing == out {
		return a, b
	}
	return b, a
}

// closeSession ends a session that lost a collision.
func closeSession(sess *session, subcode uint8) {
	fsmSendNotification(sess.conn, bgp.BGP_ERROR_CEASE, subcode, nil) // ignore errors
	sess.conn.Close()                                                  // ignore errors
}

type handshakeResult struct {
	sess     *session
	outgoing bool
	err      error
}

// attempt runs a handshake in the background and reports the result, unless
// connect has already returned.
func (f *fsm) attempt(outgoing bool, open func() (net.Conn, error), results chan<- handshakeResult, abandon <-chan struct{}) {
	var r handshakeResult
	r.outgoing = outgoing
	c, err := open()
	if err != nil {
		r.err = err
	} else {
		r.sess, r.err = f.handshake(c, outgoing)
	}
	select {
	case results <- r:
	case <-abandon:
		if r.sess != nil {
			closeSession(r.sess, bgp.BGP_ERROR_SUB_CONNECTION_COLLISION_RESOLUTION)
		}
	}
}

func (f *fsm) dial() (net.Conn, error) {
	f.setState(bgp.BGP_FSM_CONNECT)
	d := net.Dialer{
		Timeout:   defaultOpenTimeout,
		LocalAddr: f.peer.localAddr(),
		Control:   f.peer.cfg.DialerControl,
	}
	c, err := d.DialContext(f.t.Context(nil), "tcp", f.peer.addr())
	return c, errors.Wrap(err, "dial")
}

func nextDial(bo *backoff.Backoff) <-chan time.Time {
	if bo.Attempt() == 0 {
		bo.Duration()
		return time.After(0)
	}
	return time.After(bo.Duration())
}

// connect returns the first session to complete its handshake. Outgoing
// attempts are retried with backoff, while incomming connections from
// Server.acceptLoop run their handshakes concurrently. When more than one
// handshake completes within collisionWait, collision resolution decides
// which one is kept.
func (f *fsm) connect(bo *backoff.Backoff) (*session, error) {
	results := make(chan handshakeResult)
	abandon := make(chan struct{})
	defer close(abandon)

	var (
		pending int
		winner  *session
		settle  <-chan time.Time
		dialC   <-chan time.Time
	)
	if !f.peer.cfg.Passive {
		dialC = nextDial(bo)
	} else {
		f.setState(bgp.BGP_FSM_ACTIVE)
	}
	for {
		select {
		case <-dialC:
			dialC = nil
			pending++
			go f.attempt(true, f.dial, results, abandon)
		case c := <-f.acceptC:
			pending++
			go f.attempt(false, func() (net.Conn, error) { return c, nil }, results, abandon)
		case r := <-results:
			pending--
			switch {
			case r.err != nil:
				f.log.WithError(r.err).WithField("outgoing", r.outgoing).Warn("BGP handshake failed")
				if r.outgoing && winner == nil {
					dialC = nextDial(bo)
				}
			case winner == nil:
				winner = r.sess
				dialC = nil
				settle = time.After(collisionWait)
			default:
				keep, drop := f.resolveCollision(winner, r.sess)
				f.log.Infof("Closing colliding connection from %v", drop.conn.RemoteAddr())
				closeSession(drop, bgp.BGP_ERROR_SUB_CONNECTION_COLLISION_RESOLUTION)
				winner = keep
			}
			if winner != nil && pending == 0 {
				return winner, nil
			}
		case <-settle:
			return winner, nil
		case <-f.t.Dying():
			if winner != nil {
				closeSession(winner, bgp.BGP_ERROR_SUB_ADMINISTRATIVE_SHUTDOWN)
			}
			return nil, tomb.ErrDying
		}
	}
}
