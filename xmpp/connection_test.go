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
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/msiegen/controlnode/db"
	"github.com/msiegen/controlnode/task"
)

const serverID = "control-node"

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.WarnLevel)
	return l
}

// recorder is a Handler that remembers what it saw.
type recorder struct {
	mu     sync.Mutex
	got    []Stanza
	ups    int
	downs  int
	fromTo []string
}

func (r *recorder) ReceiveStanza(c *Connection, st Stanza) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, st)
	r.fromTo = append(r.fromTo, c.RemoteID())
}

func (r *recorder) ConnectionUp(c *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ups++
}

func (r *recorder) ConnectionDown(c *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.downs++
}

func (r *recorder) counts() (received, ups, downs int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.got), r.ups, r.downs
}

func selfSigned(t *testing.T) tls.Certificate {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: serverID},
		DNSNames:     []string{serverID},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("CreateCertificate: %v", err)
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}
}

type testEnv struct {
	s      *task.Scheduler
	srv    *Server
	srvRec *recorder
	addr   string
	tls    bool
	timers *Timers
}

var fastTimers = &Timers{
	ConnectMin: 10 * time.Millisecond,
	ConnectMax: 50 * time.Millisecond,
	OpenTime:   time.Hour,
	HoldTime:   time.Hour,
}

func newTestEnv(t *testing.T, withTLS bool, timers *Timers) *testEnv {
	t.Helper()
	s := task.NewScheduler(task.Options{Workers: 8, Logger: testLogger()})
	cfg := ServerConfig{LocalID: serverID, Timers: timers, Logger: testLogger()}
	if withTLS {
		cfg.TLS = &tls.Config{Certificates: []tls.Certificate{selfSigned(t)}}
	}
	srv := NewServer(s, cfg)
	rec := &recorder{}
	srv.RegisterHandler(RouteResource, rec)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	srv.Serve(ln)
	t.Cleanup(func() {
		srv.Shutdown()
		s.Stop()
	})
	return &testEnv{s: s, srv: srv, srvRec: rec, addr: ln.Addr().String(), tls: withTLS, timers: timers}
}

func (e *testEnv) newClient(t *testing.T, localID string, dial func(ctx context.Context, network, addr string) (net.Conn, error)) (*Client, *recorder) {
	t.Helper()
	cfg := ClientConfig{LocalID: localID, Timers: e.timers, Logger: testLogger(), Dial: dial}
	if e.tls {
		cfg.TLS = &tls.Config{InsecureSkipVerify: true}
	}
	cl := NewClient(e.s, cfg)
	rec := &recorder{}
	cl.RegisterHandler(ConfigResource, rec)
	t.Cleanup(cl.Shutdown)
	return cl, rec
}

func (e *testEnv) connect(t *testing.T, localID string) (*Client, *Connection, *recorder) {
	t.Helper()
	cl, rec := e.newClient(t, localID, nil)
	c, err := cl.AddConnection(serverID, e.addr)
	if err != nil {
		t.Fatalf("AddConnection: %v", err)
	}
	waitFor(t, "client established", c.IsEstablished)
	waitFor(t, "server established", func() bool {
		sc := e.srv.FindConnection(localID)
		return sc != nil && sc.IsEstablished()
	})
	return cl, c, rec
}

func TestEstablish(t *testing.T) {
	for _, tc := range []struct {
		Name string
		TLS  bool
	}{
		{Name: "plain"},
		{Name: "tls", TLS: true},
	} {
		t.Run(tc.Name, func(t *testing.T) {
			e := newTestEnv(t, tc.TLS, fastTimers)
			_, c, rec := e.connect(t, "agent-1")
			sc := e.srv.FindConnection("agent-1")

			if got := c.StateMachine().Session().IsSecure(); got != tc.TLS {
				t.Errorf("client session secure = %v, want %v", got, tc.TLS)
			}
			if got := sc.StateMachine().Session().IsSecure(); got != tc.TLS {
				t.Errorf("server session secure = %v, want %v", got, tc.TLS)
			}
			if got := sc.Index(); got != 0 {
				t.Errorf("server connection index = %d, want 0", got)
			}
			if got := c.RemoteID(); got != serverID {
				t.Errorf("client RemoteID = %q, want %q", got, serverID)
			}

			iq := &Iq{Type: "set", From: "agent-1", To: serverID + "/" + RouteResource, PubSub: &PubSub{Subscribe: &Subscription{Node: "blue"}}}
			if err := c.Send(iq); err != nil {
				t.Fatalf("client Send: %v", err)
			}
			waitFor(t, "iq delivered", func() bool { n, _, _ := e.srvRec.counts(); return n == 1 })

			msg := &Message{To: "agent-1/" + ConfigResource, Config: &Config{}}
			if err := sc.Send(msg); err != nil {
				t.Fatalf("server Send: %v", err)
			}
			waitFor(t, "message delivered", func() bool { n, _, _ := rec.counts(); return n == 1 })

			e.srvRec.mu.Lock()
			defer e.srvRec.mu.Unlock()
			if diff := cmp.Diff([]string{"agent-1"}, e.srvRec.fromTo); diff != "" {
				t.Errorf("iq senders (-want +got):\n%s", diff)
			}
			if e.srvRec.ups != 1 {
				t.Errorf("server handler ups = %d, want 1", e.srvRec.ups)
			}
		})
	}
}

func TestSendRequiresEstablished(t *testing.T) {
	e := newTestEnv(t, false, &Timers{ConnectMin: time.Hour, OpenTime: time.Hour, HoldTime: time.Hour})
	cl, _ := e.newClient(t, "agent-1", nil)
	c, err := cl.AddConnection(serverID, e.addr)
	if err != nil {
		t.Fatalf("AddConnection: %v", err)
	}
	if err := c.Send(&Iq{Type: "get"}); !errors.Is(err, ErrNotEstablished) {
		t.Errorf("Send before establishment = %v, want ErrNotEstablished", err)
	}
	if _, err := cl.AddConnection(serverID, e.addr); err == nil {
		t.Error("second AddConnection for the same peer succeeded")
	}
}

func TestDuplicateIdentity(t *testing.T) {
	e := newTestEnv(t, false, fastTimers)
	_, first, _ := e.connect(t, "agent-1")
	sc := e.srv.FindConnection("agent-1")

	dup, _ := e.newClient(t, "agent-1", nil)
	if _, err := dup.AddConnection(serverID, e.addr); err != nil {
		t.Fatalf("AddConnection: %v", err)
	}
	waitFor(t, "duplicate rejected", func() bool { return e.srv.Duplicates() >= 1 })

	if got := e.srv.FindConnection("agent-1"); got != sc {
		t.Errorf("FindConnection returned a different connection after the duplicate")
	}
	if !first.IsEstablished() || !sc.IsEstablished() {
		t.Errorf("original connection lost Established: client %v, server %v", first.State(), sc.State())
	}
	if got := e.srv.EndpointIndex("agent-1"); got != 0 {
		t.Errorf("EndpointIndex = %d, want 0", got)
	}
	if got := e.srv.ConnectionCount(); got != 1 {
		t.Errorf("ConnectionCount = %d, want 1", got)
	}
}

func TestEndpointIndexes(t *testing.T) {
	e := newTestEnv(t, false, fastTimers)
	e.connect(t, "agent-a")
	e.connect(t, "agent-b")
	if got, want := e.srv.EndpointIndex("agent-a"), 0; got != want {
		t.Errorf("EndpointIndex(agent-a) = %d, want %d", got, want)
	}
	if got, want := e.srv.EndpointIndex("agent-b"), 1; got != want {
		t.Errorf("EndpointIndex(agent-b) = %d, want %d", got, want)
	}
	if got := e.srv.EndpointIndex("agent-c"); got != db.NoIndex {
		t.Errorf("EndpointIndex(agent-c) = %d, want NoIndex", got)
	}
	if err := e.srv.RemoveEndpoint("agent-a"); err == nil {
		t.Error("RemoveEndpoint of a connected identity succeeded")
	}

	var ids []string
	for _, c := range e.srv.Connections() {
		ids = append(ids, c.RemoteID())
	}
	if diff := cmp.Diff([]string{"agent-a", "agent-b"}, ids); diff != "" {
		t.Errorf("Connections (-want +got):\n%s", diff)
	}
}

func TestReconnectKeepsIndex(t *testing.T) {
	e := newTestEnv(t, false, fastTimers)
	_, c, _ := e.connect(t, "agent-1")
	sc := e.srv.FindConnection("agent-1")

	e.srv.DeleteConnection(sc)
	waitFor(t, "client flap", func() bool { return c.StateMachine().Flaps() == 1 })
	waitFor(t, "reconnect", func() bool {
		n := e.srv.FindConnection("agent-1")
		return n != nil && n != sc && n.IsEstablished() && c.IsEstablished()
	})
	waitFor(t, "old connection destroyed", func() bool { return e.srv.DeletedCount() == 0 })

	if got := e.srv.FindConnection("agent-1").Index(); got != 0 {
		t.Errorf("index after reconnect = %d, want 0", got)
	}
	_, ups, downs := e.srvRec.counts()
	if ups != 2 || downs != 1 {
		t.Errorf("server handler ups/downs = %d/%d, want 2/1", ups, downs)
	}
	if st := e.srv.Stats(); st.Ups != 2 || st.Downs != 1 || st.Endpoints != 1 {
		t.Errorf("server stats = %+v, want 2 ups, 1 down, 1 endpoint", st)
	}
}

func TestTimerExpiry(t *testing.T) {
	for _, tc := range []struct {
		Name  string
		Timer func(sm *StateMachine) bool
	}{
		{
			Name: "server_hold",
			Timer: func(sm *StateMachine) bool {
				if !sm.HoldTimerRunning() {
					return false
				}
				sm.holdTimer.Fire()
				return true
			},
		},
	} {
		t.Run(tc.Name, func(t *testing.T) {
			e := newTestEnv(t, false, fastTimers)
			_, c, _ := e.connect(t, "agent-1")
			sc := e.srv.FindConnection("agent-1")
			if !tc.Timer(sc.StateMachine()) {
				t.Fatal("timer not running in Established")
			}
			waitFor(t, "server connection deleted", func() bool { return sc.IsDeleted() })
			waitFor(t, "client flap", func() bool { return c.StateMachine().Flaps() == 1 })
			if got := sc.StateMachine().Flaps(); got != 1 {
				t.Errorf("server flaps = %d, want 1", got)
			}
		})
	}
}

func TestClientConnectFailure(t *testing.T) {
	var dials atomic.Int32
	failing := func(ctx context.Context, network, addr string) (net.Conn, error) {
		dials.Add(1)
		return nil, errors.New("connection refused")
	}
	e := newTestEnv(t, false, &Timers{ConnectMin: time.Hour, OpenTime: time.Hour, HoldTime: time.Hour})
	cl, _ := e.newClient(t, "agent-1", failing)
	c, err := cl.AddConnection(serverID, e.addr)
	if err != nil {
		t.Fatalf("AddConnection: %v", err)
	}
	sm := c.StateMachine()
	waitFor(t, "Active", func() bool { return sm.State() == Active && sm.ConnectTimerRunning() })

	for i := 1; i <= 2; i++ {
		sm.connectTimer.Fire()
		waitFor(t, "failed attempt", func() bool { return sm.Attempts() == i && sm.State() == Active })
	}
	if got := dials.Load(); got != 2 {
		t.Errorf("dials = %d, want 2", got)
	}
	if !sm.ConnectTimerRunning() {
		t.Error("connect timer not rearmed after a failure")
	}
	if got := sm.LastEvent(); got != EvTcpConnectFailed {
		t.Errorf("LastEvent = %v, want TcpConnectFailed", got)
	}
}

func TestKeepalivesResetAttempts(t *testing.T) {
	var dials atomic.Int32
	flaky := func(ctx context.Context, network, addr string) (net.Conn, error) {
		if dials.Add(1) <= 2 {
			return nil, errors.New("connection refused")
		}
		var d net.Dialer
		return d.DialContext(ctx, network, addr)
	}
	timers := &Timers{
		ConnectMin: 5 * time.Millisecond,
		ConnectMax: 10 * time.Millisecond,
		OpenTime:   time.Hour,
		HoldTime:   600 * time.Millisecond,
	}
	e := newTestEnv(t, false, timers)
	cl, _ := e.newClient(t, "agent-1", flaky)
	c, err := cl.AddConnection(serverID, e.addr)
	if err != nil {
		t.Fatalf("AddConnection: %v", err)
	}
	waitFor(t, "established", c.IsEstablished)
	if got := c.StateMachine().Attempts(); got != 2 {
		t.Errorf("attempts after establishment = %d, want 2", got)
	}
	waitFor(t, "attempts reset", func() bool { return c.StateMachine().Attempts() == 0 })
}

func TestServerTeardownBeforeEstablished(t *testing.T) {
	header := "<?xml version='1.0'?><stream:stream to='control-node' version='1.0' " +
		"xmlns='jabber:client' xmlns:stream='http://etherx.jabber.org/streams'>"
	for _, tc := range []struct {
		Name  string
		Write string
		Fire  bool
	}{
		{Name: "open_timer", Fire: true},
		{Name: "stanza_before_header", Write: "<iq type='get'/>"},
		{Name: "header_without_from", Write: header},
		{Name: "close_before_header", Write: "</stream:stream>"},
	} {
		t.Run(tc.Name, func(t *testing.T) {
			e := newTestEnv(t, false, fastTimers)
			conn, err := net.Dial("tcp", e.addr)
			if err != nil {
				t.Fatalf("Dial: %v", err)
			}
			defer conn.Close()
			waitFor(t, "accept", func() bool {
				cs := e.srv.allConnections()
				return len(cs) == 1 && cs[0].StateMachine().Session() != nil
			})
			sc := e.srv.allConnections()[0]
			if tc.Fire {
				if !sc.StateMachine().OpenTimerRunning() {
					t.Fatal("open timer not running in Active")
				}
				sc.StateMachine().openTimer.Fire()
			} else if _, err := conn.Write([]byte(tc.Write)); err != nil {
				t.Fatalf("Write: %v", err)
			}
			waitFor(t, "connection removed", func() bool {
				return len(e.srv.allConnections()) == 0 && e.srv.DeletedCount() == 0
			})
			if st := e.srv.Stats(); st.Accepted != 1 || st.Ups != 0 {
				t.Errorf("server stats = %+v, want 1 accepted and no ups", st)
			}
		})
	}
}

func TestServerCounters(t *testing.T) {
	e := newTestEnv(t, false, fastTimers)
	conn, err := net.Dial("tcp", e.addr)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()
	write := func(st Stanza) {
		t.Helper()
		b, err := Encode(st)
		if err != nil {
			t.Fatalf("Encode: %v", err)
		}
		if _, err := conn.Write(b); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	write(StreamOpen{From: "agent-1", To: serverID})
	dec := NewDecoder(conn)
	st, err := dec.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if diff := cmp.Diff(StreamOpen{From: serverID, To: "agent-1", Version: "1.0"}, st); diff != "" {
		t.Errorf("server header (-want +got):\n%s", diff)
	}
	waitFor(t, "established", func() bool {
		sc := e.srv.FindConnection("agent-1")
		return sc != nil && sc.IsEstablished()
	})
	sc := e.srv.FindConnection("agent-1")

	conn.Write([]byte("<presence/>"))
	write(&Iq{Type: "set", To: serverID + "/nobody"})
	write(Keepalive{})
	write(&Iq{Type: "set", To: serverID + "/" + RouteResource})
	waitFor(t, "iq delivered", func() bool { n, _, _ := e.srvRec.counts(); return n == 1 })

	got := sc.Stats()
	want := Stats{State: Established, Received: 4, Dropped: 1, Unhandled: 1}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Stats (-want +got):\n%s", diff)
	}
}
