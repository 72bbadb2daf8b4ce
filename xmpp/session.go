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
	"bufio"
	"crypto/tls"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/eapache/channels"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gopkg.in/tomb.v2"
)

// sessionHandler receives the events of a session. The methods are called
// from the session's reader goroutine.
type sessionHandler interface {
	sessionStanza(s *Session, st Stanza)
	sessionTLS(s *Session, err error)
	sessionClosed(s *Session, err error)
}

// upgrade is queued behind outbound stanzas to start the TLS handshake once
// everything before it has been written.
type upgrade struct {
	done chan struct{}
}

// A Session is one transport connection carrying an XMPP stream. Stanzas are
// read by one goroutine and written by another from an unbounded queue. The
// stream can be upgraded to TLS in place.
type Session struct {
	log      *logrus.Entry
	h        sessionHandler
	isClient bool
	tls      *tls.Config

	t        tomb.Tomb
	out      *channels.InfiniteChannel
	upgradeC chan *upgrade

	mu      sync.Mutex
	conn    net.Conn
	started bool
	closed  bool
	secure  bool

	sent     atomic.Uint64
	received atomic.Uint64
}

func newSession(conn net.Conn, isClient bool, tlsConfig *tls.Config, h sessionHandler, log *logrus.Entry) *Session {
	return &Session{
		log:      log.WithField("remote", conn.RemoteAddr().String()),
		h:        h,
		isClient: isClient,
		tls:      tlsConfig,
		out:      channels.NewInfiniteChannel(),
		upgradeC: make(chan *upgrade),
		conn:     conn,
	}
}

// start launches the reader and writer.
func (s *Session) start() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()
	s.t.Go(s.reader)
	s.t.Go(s.writer)
	s.t.Go(func() error {
		<-s.t.Dying()
		s.mu.Lock()
		conn := s.conn
		s.mu.Unlock()
		conn.Close()
		return nil
	})
	go func() {
		err := s.t.Wait()
		s.h.sessionClosed(s, err)
	}()
}

// Send queues st for transmission. It returns false if the session is
// closed.
func (s *Session) Send(st Stanza) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.out.In() <- st
	return true
}

// StartTLS upgrades the stream after every queued stanza has been written.
// The reader must be paused on a starttls or proceed stanza.
func (s *Session) StartTLS() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.tls == nil {
		return false
	}
	s.out.In() <- &upgrade{done: make(chan struct{})}
	return true
}

// Close tears the session down. It is safe to call more than once.
func (s *Session) Close() {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		s.out.Close()
		if !s.started {
			s.conn.Close()
		}
	}
	s.mu.Unlock()
	s.t.Kill(nil)
}

// IsSecure reports whether the stream has been upgraded to TLS.
func (s *Session) IsSecure() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.secure
}

// RemoteAddr returns the peer's address.
func (s *Session) RemoteAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.RemoteAddr()
}

// Sent returns the number of stanzas written.
func (s *Session) Sent() uint64 { return s.sent.Load() }

// Received returns the number of stanzas read.
func (s *Session) Received() uint64 { return s.received.Load() }

// pausesAfter reports whether the reader must stop after st because the
// bytes that follow belong to a TLS handshake.
func (s *Session) pausesAfter(st Stanza) bool {
	if s.tls == nil {
		return false
	}
	switch st.(type) {
	case Proceed:
		return s.isClient
	case StartTLS:
		return !s.isClient
	}
	return false
}

func (s *Session) reader() error {
	s.mu.Lock()
	dec := NewDecoder(s.conn)
	s.mu.Unlock()
	for {
		st, err := dec.Next()
		if err != nil {
			if s.t.Alive() {
				if err == io.EOF {
					return errors.New("connection closed by peer")
				}
				return errors.Wrap(err, "read")
			}
			return nil
		}
		s.received.Add(1)
		s.log.WithField("stanza", Describe(st)).Trace("Received stanza")
		s.h.sessionStanza(s, st)
		if !s.pausesAfter(st) {
			continue
		}

		var u *upgrade
		select {
		case u = <-s.upgradeC:
		case <-s.t.Dying():
			return nil
		}
		tc, err := s.handshake(dec.Reader())
		close(u.done)
		s.h.sessionTLS(s, err)
		if err != nil {
			return errors.Wrap(err, "tls handshake")
		}
		dec = NewDecoder(tc)
	}
}

func (s *Session) handshake(br *bufio.Reader) (*tls.Conn, error) {
	s.mu.Lock()
	raw := &bufferedConn{Conn: s.conn, r: br}
	s.mu.Unlock()
	var tc *tls.Conn
	if s.isClient {
		tc = tls.Client(raw, s.tls)
	} else {
		tc = tls.Server(raw, s.tls)
	}
	if err := tc.HandshakeContext(s.t.Context(nil)); err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.conn = tc
	s.secure = true
	s.mu.Unlock()
	return tc, nil
}

func (s *Session) writer() error {
	for {
		select {
		case <-s.t.Dying():
			return nil
		case v, ok := <-s.out.Out():
			if !ok {
				return nil
			}
			switch v := v.(type) {
			case *upgrade:
				select {
				case s.upgradeC <- v:
				case <-s.t.Dying():
					return nil
				}
				select {
				case <-v.done:
				case <-s.t.Dying():
					return nil
				}
			case Stanza:
				if err := s.write(v); err != nil {
					return err
				}
			}
		}
	}
}

func (s *Session) write(st Stanza) error {
	b, err := Encode(st)
	if err != nil {
		return err
	}
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if _, err := conn.Write(b); err != nil {
		return errors.Wrap(err, "write")
	}
	s.sent.Add(1)
	return nil
}

// bufferedConn reads through the decoder's buffer so that handshake bytes
// that were read ahead are not lost.
type bufferedConn struct {
	net.Conn
	r io.Reader
}

func (c *bufferedConn) Read(b []byte) (int, error) {
	return c.r.Read(b)
}
