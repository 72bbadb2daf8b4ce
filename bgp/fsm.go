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

// This file implements the progression of states in:
// https://www.ciscopress.com/articles/article.asp?p=2756480&seqNum=4
// https://networklessons.com/bgp/bgp-neighbor-adjacency-states

import (
	"io"
	"net"
	"net/netip"
	"sync/atomic"
	"time"

	"github.com/osrg/gobgp/v3/pkg/packet/bgp"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gopkg.in/tomb.v2"
)

// formatState prints the name of a state for use in log messages. The strings
// here are a bit more concise than the ones in GoBGP.
func formatState(s bgp.FSMState) string {
	switch s {
	case bgp.BGP_FSM_IDLE:
		return "IDLE"
	case bgp.BGP_FSM_CONNECT:
		return "CONNECT"
	case bgp.BGP_FSM_ACTIVE:
		return "ACTIVE"
	case bgp.BGP_FSM_OPENSENT:
		return "OPENSENT"
	case bgp.BGP_FSM_OPENCONFIRM:
		return "OPENCONFIRM"
	case bgp.BGP_FSM_ESTABLISHED:
		return "ESTABLISHED"
	default:
		return "UNKNOWN"
	}
}

// errAdminShutdown ends a session because the peer or server is stopping.
var errAdminShutdown = bgp.NewMessageError(bgp.BGP_ERROR_CEASE, bgp.BGP_ERROR_SUB_ADMINISTRATIVE_SHUTDOWN, nil, "administrative shutdown")

// session holds data with a lifetime matching a BGP session TCP connection.
type session struct {
	conn net.Conn
	// Outgoing is true if the local end initiated the connection.
	Outgoing bool
	// PeerName is a human readable peer name, used for logging.
	PeerName string
	// PeerASN is the peer's AS number from its 4-octet AS capability.
	PeerASN uint32
	// PeerID is the BGP identifier of the peer.
	PeerID netip.Addr
	// HoldTime is the negotiated hold time.
	HoldTime time.Duration
	// LocalIP is the local address of the connection, used as the nexthop
	// of paths that don't carry one.
	LocalIP netip.Addr
}

type fsm struct {
	server *Server
	peer   *Peer
	timers *Timers
	log    *logrus.Entry
	// acceptC is used to pass incomming connections from the Server.acceptLoop
	// to fsm.run.
	acceptC chan net.Conn
	state   atomic.Int32
	t       tomb.Tomb
}

func newFSM(s *Server, p *Peer) *fsm {
	f := &fsm{
		server:  s,
		peer:    p,
		timers:  newTimers(p.cfg.Timers),
		log:     s.log.WithFields(logrus.Fields{"component": "bgp", "peer": p.Name()}),
		acceptC: make(chan net.Conn, 2),
	}
	f.state.Store(int32(bgp.BGP_FSM_IDLE))
	return f
}

func (f *fsm) start() {
	f.t.Go(f.run)
}

func (f *fsm) stop() {
	f.t.Kill(nil)
	f.t.Wait() // ignore errors
}

func (f *fsm) getState() bgp.FSMState {
	return bgp.FSMState(f.state.Load())
}

func (f *fsm) setState(s bgp.FSMState) {
	old := bgp.FSMState(f.state.Swap(int32(s)))
	if old != s {
		f.log.Infof("BGP peer %v %v->%v", f.peer.Name(), formatState(old), formatState(s))
	}
}

// fsmSendMessage sends a BGP message to the peer.
func fsmSendMessage(c net.Conn, m *bgp.BGPMessage, timeout time.Duration) error {
	b, err := m.Serialize()
	if err != nil {
		return err
	}
	if err := c.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return err
	}
	_, err = c.Write(b)
	return err
}

func isValidMarker(marker []byte) bool {
	if len(marker) != 16 {
		return false
	}
	for _, b := range marker {
		if b != 0xff {
			return false
		}
	}
	return true
}

// fsmRecvMessage reads a single BGP message from the peer.
func fsmRecvMessage(c net.Conn, deadline time.Time) (*bgp.BGPMessage, error) {
	if err := c.SetReadDeadline(deadline); err != nil {
		return nil, err
	}
	var buf [bgp.BGP_MAX_MESSAGE_LENGTH]byte
	if _, err := io.ReadFull(c, buf[:bgp.BGP_HEADER_LENGTH]); err != nil {
		return nil, err
	}
	// DecodeFromBytes neither validates the marker nor populates the Marker field
	// in bgp.BGPHeader, so we'll validate it in the original buffer directly.
	if !isValidMarker(buf[:16]) {
		return nil, bgp.NewMessageError(bgp.BGP_ERROR_MESSAGE_HEADER_ERROR, bgp.BGP_ERROR_SUB_CONNECTION_NOT_SYNCHRONIZED, nil, "connection not synchronized")
	}
	var h bgp.BGPHeader
	if err := h.DecodeFromBytes(buf[:bgp.BGP_HEADER_LENGTH]); err != nil {
		return nil, err
	}
	if h.Len > bgp.BGP_MAX_MESSAGE_LENGTH || h.Len < bgp.BGP_HEADER_LENGTH {
		return nil, bgp.NewMessageError(bgp.BGP_ERROR_MESSAGE_HEADER_ERROR, bgp.BGP_ERROR_SUB_BAD_MESSAGE_LENGTH, nil, "bad message length")
	}
	if _, err := io.ReadFull(c, buf[bgp.BGP_HEADER_LENGTH:h.Len]); err != nil {
		return nil, err
	}
	return bgp.ParseBGPBody(&h, buf[bgp.BGP_HEADER_LENGTH:h.Len])
}

// asTrans is the AS number sent in place of one that needs four bytes, see
// https://datatracker.ietf.org/doc/html/rfc6793.
const asTrans = 23456

// twoByteASN returns the value for the My Autonomous System field of an
// OPEN. Numbers that don't fit in two bytes are sent as AS_TRANS.
func twoByteASN(asn uint32) (uint16, error) {
	switch {
	case asn == 0 || asn == 0xffffffff:
		return 0, errors.Errorf("invalid AS number %v", asn)
	case asn > 0xffff:
		return asTrans, nil
	}
	return uint16(asn), nil
}

// sendOpen sends an OPEN.
func (f *fsm) sendOpen(c net.Conn) error {
	caps := []bgp.ParameterCapabilityInterface{
		bgp.NewCapFourOctetASNumber(f.server.asn),
		bgp.NewCapMultiProtocol(bgp.RF_IPv4_VPN),
		bgp.NewCapMultiProtocol(bgp.RF_RTC_UC),
	}
	if f.server.name != "" {
		caps = append(caps, bgp.NewCapFQDN(f.server.name, ""))
	}
	as, err := twoByteASN(f.server.asn)
	if err != nil {
		return err
	}
	holdTime := uint16(f.timers.HoldTime / time.Second)
	m := bgp.NewBGPOpenMessage(as, holdTime, f.server.routerID.String(), []bgp.OptionParameterInterface{
		bgp.NewOptionParameterCapability(caps),
	})
	return fsmSendMessage(c, m, defaultOpenTimeout)
}

// openCapabilities collects the capabilities of all capability parameters
// in an OPEN.
func openCapabilities(o *bgp.BGPOpen) ([]bgp.ParameterCapabilityInterface, error) {
	var caps []bgp.ParameterCapabilityInterface
	for _, p := range o.OptParams {
		if c, ok := p.(*bgp.OptionParameterCapability); ok {
			caps = append(caps, c.Capability...)
		}
	}
	if len(caps) == 0 {
		return nil, errors.New("missing capabilities")
	}
	return caps, nil
}

// validateOpen checks the OPEN message received from the peer. It returns an
// error subcode that may be combined with code bgp.BGP_ERROR_OPEN_MESSAGE_ERROR
// into a NOTIFICATION message back to the peer.
func (f *fsm) validateOpen(o *bgp.BGPOpen) (*session, uint8, error) {
	// We only support BGP-4, https://datatracker.ietf.org/doc/html/rfc4271.
	if o.Version != 4 {
		return nil, bgp.BGP_ERROR_SUB_UNSUPPORTED_VERSION_NUMBER, errors.Errorf("unsupported BGP version: %v", o.Version)
	}
	caps, err := openCapabilities(o)
	if err != nil {
		return nil, bgp.BGP_ERROR_SUB_UNSUPPORTED_OPTIONAL_PARAMETER, err
	}
	sess := &session{PeerName: f.peer.Name()}
	var fourByteAS uint32
	var vpn bool
	for _, cc := range caps {
		switch c := cc.(type) {
		case *bgp.CapFourOctetASNumber:
			fourByteAS = c.CapValue
		case *bgp.CapMultiProtocol:
			if c.CapValue == bgp.RF_IPv4_VPN {
				vpn = true
			}
		case *bgp.CapFQDN:
			if c.HostName != "" {
				sess.PeerName = c.HostName + "/" + f.peer.Name()
			}
		}
	}
	// Abort if the peer doesn't support 4-byte AS numbers. That should be rare,
	// and establishing an invariant here simplifies the logic in sendUpdate.
	if fourByteAS == 0 {
		return nil, bgp.BGP_ERROR_SUB_UNSUPPORTED_CAPABILITY, errors.New("missing support for 4-byte AS numbers")
	}
	if !vpn {
		return nil, bgp.BGP_ERROR_SUB_UNSUPPORTED_CAPABILITY, errors.New("missing support for inet-vpn")
	}
	want, err := twoByteASN(f.peer.cfg.ASN)
	if err != nil {
		return nil, bgp.BGP_ERROR_SUB_BAD_PEER_AS, err
	}
	if o.MyAS != want {
		return nil, bgp.BGP_ERROR_SUB_BAD_PEER_AS, errors.Errorf("wrong peer AS: got %v, want %v", o.MyAS, want)
	}
	if fourByteAS != f.peer.cfg.ASN {
		return nil, bgp.BGP_ERROR_SUB_BAD_PEER_AS, errors.Errorf("wrong peer AS in 4-byte capability: got %v, want %v", fourByteAS, f.peer.cfg.ASN)
	}
	sess.PeerASN = fourByteAS
	id, ok := netip.AddrFromSlice(o.ID.To4())
	if !ok || id.IsUnspecified() {
		return nil, bgp.BGP_ERROR_SUB_BAD_BGP_IDENTIFIER, errors.Errorf("invalid BGP identifier %v", o.ID)
	}
	if id == f.server.routerID && f.peer.Type() == PeerIBGP {
		return nil, bgp.BGP_ERROR_SUB_BAD_BGP_IDENTIFIER, errors.Errorf("iBGP peer uses the local BGP identifier %v", id)
	}
	sess.PeerID = id
	// Ensure the hold time is not too short or too long.
	if o.HoldTime < 3 {
		return nil, bgp.BGP_ERROR_SUB_UNACCEPTABLE_HOLD_TIME, errors.Errorf("hold time is too short: %v", o.HoldTime)
	}
	if o.HoldTime > 600 {
		return nil, bgp.BGP_ERROR_SUB_UNACCEPTABLE_HOLD_TIME, errors.Errorf("hold time is too long: %v", o.HoldTime)
	}
	sess.HoldTime = min(time.Duration(o.HoldTime)*time.Second, f.timers.HoldTime)
	return sess, 0, nil
}

// fsmSendKeepAlive sends a KEEPALIVE.
func fsmSendKeepAlive(c net.Conn, timeout time.Duration) error {
	m := bgp.NewBGPKeepAliveMessage()
	return fsmSendMessage(c, m, timeout)
}

// newVPNPrefix returns the NLRI of a VPN route. A nil advert yields the
// withdraw form.
func newVPNPrefix(prefix netip.Prefix, rd RouteDistinguisher, adv *advert) (*bgp.LabeledVPNIPAddrPrefix, error) {
	if !prefix.IsValid() || !prefix.Addr().Is4() {
		return nil, errors.Errorf("invalid inet-vpn prefix %v", prefix)
	}
	label := uint32(bgp.WITHDRAW_LABEL)
	if adv != nil {
		label = adv.label & 0xfffff
	}
	return bgp.NewLabeledVPNIPAddrPrefix(
		uint8(prefix.Bits()),
		prefix.Addr().String(),
		*bgp.NewMPLSLabelStack(label),
		bgp.GetRouteDistinguisher(rd[:]),
	), nil
}

// parseVPNPrefix converts a received NLRI.
func parseVPNPrefix(n *bgp.LabeledVPNIPAddrPrefix) (netip.Prefix, RouteDistinguisher, uint32, error) {
	var rd RouteDistinguisher
	prefix, err := netip.ParsePrefix(n.IPPrefix())
	if err != nil {
		return prefix, rd, 0, errors.Wrap(err, "invalid inet-vpn prefix")
	}
	if n.RD != nil {
		b, err := n.RD.Serialize()
		if err != nil {
			return prefix, rd, 0, errors.Wrap(err, "invalid route distinguisher")
		}
		copy(rd[:], b)
	}
	var label uint32
	if len(n.Labels.Labels) != 0 {
		label = n.Labels.Labels[0]
	}
	return prefix.Masked(), rd, label, nil
}

// sendUpdate sends an UPDATE announcing a new or changed path.
func (f *fsm) sendUpdate(sess *session, u *update) error {
	nlri, err := newVPNPrefix(u.prefix, u.rd, u.adv)
	if err != nil {
		return err
	}
	a := u.adv.attrs
	nh := a.Nexthop()
	if !nh.Is4() {
		nh = sess.LocalIP
	}
	if !nh.Is4() {
		nh = f.server.routerID
	}
	// We can safely send 4-byte AS numbers here because validateOpen enforced
	// that the remote end supports it.
	asp := bgp.NewAs4PathParam(bgp.BGP_ASPATH_ATTR_TYPE_SEQ, a.Path())
	attrs := []bgp.PathAttributeInterface{
		// MP_REACH_NLRI should be the first attribute according to
		// https://datatracker.ietf.org/doc/html/rfc7606#section-5.1
		bgp.NewPathAttributeMpReachNLRI(nh.String(), []bgp.AddrPrefixInterface{nlri}),
		bgp.NewPathAttributeOrigin(a.Origin()),
	}
	if a.PathLen() != 0 {
		attrs = append(attrs, bgp.NewPathAttributeAsPath([]bgp.AsPathParamInterface{asp}))
	} else {
		attrs = append(attrs, bgp.NewPathAttributeAsPath([]bgp.AsPathParamInterface{}))
	}
	if med, ok := a.MED(); ok {
		attrs = append(attrs, bgp.NewPathAttributeMultiExitDisc(med))
	}
	if lp, ok := a.LocalPref(); ok && f.peer.Type() == PeerIBGP {
		attrs = append(attrs, bgp.NewPathAttributeLocalPref(lp))
	}
	if cs := a.Communities(); len(cs) != 0 {
		vs := make([]uint32, 0, len(cs))
		for c := range cs {
			vs = append(vs, c.Uint32())
		}
		attrs = append(attrs, bgp.NewPathAttributeCommunities(vs))
	}
	if ecs := a.ExtendedCommunities(); len(ecs) != 0 {
		vs := make([]bgp.ExtendedCommunityInterface, 0, len(ecs))
		for c := range ecs {
			ec, err := bgp.ParseExtended(c.Bytes())
			if err != nil {
				return errors.Wrapf(err, "extended community %v", c)
			}
			vs = append(vs, ec)
		}
		attrs = append(attrs, bgp.NewPathAttributeExtendedCommunities(vs))
	}
	m := bgp.NewBGPUpdateMessage(nil, attrs, nil)
	if err := fsmSendMessage(sess.conn, m, defaultMessageTimeout); err != nil {
		return err
	}
	f.peer.updatesSent.Add(1)
	return nil
}

// sendWithdraw sends an UPDATE withdrawing a path.
func (f *fsm) sendWithdraw(sess *session, u *update) error {
	nlri, err := newVPNPrefix(u.prefix, u.rd, nil)
	if err != nil {
		return err
	}
	m := bgp.NewBGPUpdateMessage(nil, []bgp.PathAttributeInterface{
		bgp.NewPathAttributeMpUnreachNLRI([]bgp.AddrPrefixInterface{nlri}),
	}, nil)
	if err := fsmSendMessage(sess.conn, m, defaultMessageTimeout); err != nil {
		return err
	}
	f.peer.withdrawsSent.Add(1)
	return nil
}

// fsmSendNotification sends a NOTIFICATION to inform the peer of an error.
func fsmSendNotification(c net.Conn, errcode, errsubcode uint8, data []byte) error {
	m := bgp.NewBGPNotificationMessage(errcode, errsubcode, data)
	return fsmSendMessage(c, m, defaultNotificationTimeout)
}

// maybeSendNotification sends a NOTIFICATION if the passed error contains a
// bgp.MessageError and does nothing otherwise.
func maybeSendNotification(c net.Conn, e error) error {
	var me *bgp.MessageError
	if errors.As(e, &me) {
		return fsmSendNotification(c, me.TypeCode, me.SubTypeCode, me.Data)
	}
	return nil
}

// sendLoop writes queued updates and keepalives until the session dies. It
// owns writes on the connection, so it also sends the NOTIFICATION that
// explains why the session ended.
func (f *fsm) sendLoop(t *tomb.Tomb, sess *session, q *sendQueue) error {
	defer sess.conn.Close() // unblock recvLoop
	keepAlive := time.NewTimer(f.timers.NextKeepAlive())
	defer keepAlive.Stop()
	for {
		select {
		case <-q.signal:
			for _, u := range q.pop() {
				var err error
				if u.adv == nil {
					f.log.Debugf("Withdrawing %v:%v from peer %v", u.rd, u.prefix, sess.PeerName)
					err = f.sendWithdraw(sess, u)
				} else {
					f.log.Debugf("Announcing %v:%v to peer %v", u.rd, u.prefix, sess.PeerName)
					err = f.sendUpdate(sess, u)
				}
				if err != nil {
					return errors.Wrap(err, "send")
				}
			}
			keepAlive.Reset(f.timers.NextKeepAlive())
		case <-keepAlive.C:
			if err := fsmSendKeepAlive(sess.conn, sess.HoldTime); err != nil {
				return errors.Wrap(err, "send keepalive")
			}
			keepAlive.Reset(f.timers.NextKeepAlive())
		case <-t.Dying():
			maybeSendNotification(sess.conn, t.Err()) // ignore errors
			return nil
		}
	}
}

func (f *fsm) processUpdate(m *bgp.BGPUpdate) {
	var (
		reach   []*bgp.LabeledVPNIPAddrPrefix
		unreach []*bgp.LabeledVPNIPAddrPrefix
		b       AttributesBuilder
		asPath  []uint32
	)
	b.Origin = OriginIncomplete
	for _, pa := range m.PathAttributes {
		switch a := pa.(type) {
		case *bgp.PathAttributeMpReachNLRI:
			if a.AFI != bgp.AFI_IP || a.SAFI != bgp.SAFI_MPLS_VPN {
				continue
			}
			if nh, ok := netip.AddrFromSlice(a.Nexthop); ok {
				b.Nexthop = nh.Unmap()
			}
			for _, n := range a.Value {
				if v, ok := n.(*bgp.LabeledVPNIPAddrPrefix); ok {
					reach = append(reach, v)
				}
			}
		case *bgp.PathAttributeMpUnreachNLRI:
			if a.AFI != bgp.AFI_IP || a.SAFI != bgp.SAFI_MPLS_VPN {
				continue
			}
			for _, n := range a.Value {
				if v, ok := n.(*bgp.LabeledVPNIPAddrPrefix); ok {
					unreach = append(unreach, v)
				}
			}
		case *bgp.PathAttributeOrigin:
			b.Origin = a.Value
		case *bgp.PathAttributeAsPath:
			for _, seg := range a.Value {
				asPath = append(asPath, seg.GetAS()...)
			}
		case *bgp.PathAttributeLocalPref:
			b.LocalPref, b.HasLocalPref = a.Value, true
		case *bgp.PathAttributeMultiExitDisc:
			b.MED, b.HasMED = a.Value, true
		case *bgp.PathAttributeCommunities:
			b.Communities = map[Community]bool{}
			for _, c := range a.Value {
				b.Communities[NewCommunity(c)] = true
			}
		case *bgp.PathAttributeExtendedCommunities:
			b.ExtendedCommunities = map[ExtendedCommunity]bool{}
			for _, c := range a.Value {
				raw, err := c.Serialize()
				if err != nil {
					continue
				}
				if ec, err := newExtendedCommunity(raw); err == nil {
					b.ExtendedCommunities[ec] = true
				}
			}
		}
	}
	vpn := f.server.VPNTable()
	for _, n := range unreach {
		prefix, rd, _, err := parseVPNPrefix(n)
		if err != nil {
			f.log.WithError(err).Warn("Dropping withdraw")
			continue
		}
		f.log.Debugf("Received BGP withdraw for %v:%v from peer %v", rd, prefix, f.peer.Name())
		f.peer.withdrawsRecv.Add(1)
		vpn.DeletePath(rd, prefix, f.peer.index, SourceBGP)
	}
	if len(reach) == 0 {
		return
	}
	attrs := b.Build()
	attrs.SetPath(asPath)
	flags := f.peer.importFlags(attrs)
	for _, n := range reach {
		prefix, rd, label, err := parseVPNPrefix(n)
		if err != nil {
			f.log.WithError(err).Warn("Dropping update")
			continue
		}
		f.log.Debugf("Received BGP update for %v:%v from peer %v", rd, prefix, f.peer.Name())
		f.peer.updatesRecv.Add(1)
		vpn.AddPath(rd, prefix, RouteUpdate{
			Peer:   f.peer.index,
			Source: SourceBGP,
			Attrs:  attrs,
			Label:  label,
			Flags:  flags,
		})
	}
}

// recvLoop handles incomming messages until the session dies.
func (f *fsm) recvLoop(t *tomb.Tomb, sess *session) error {
	deadline := time.Now().Add(sess.HoldTime)
	for {
		msg, err := fsmRecvMessage(sess.conn, deadline)
		if err != nil {
			select {
			case <-t.Dying():
				// sendLoop closed the connection.
				return nil
			default:
			}
			var me *bgp.MessageError
			var ne net.Error
			switch {
			case errors.As(err, &me):
				return err
			case errors.As(err, &ne) && ne.Timeout() && !time.Now().Before(deadline):
				return bgp.NewMessageError(bgp.BGP_ERROR_HOLD_TIMER_EXPIRED, 0, nil, "hold timer expired")
			default:
				return errors.Wrap(err, "receive")
			}
		}
		switch m := msg.Body.(type) {
		case *bgp.BGPUpdate:
			deadline = time.Now().Add(sess.HoldTime)
			f.processUpdate(m)
		case *bgp.BGPKeepAlive:
			deadline = time.Now().Add(sess.HoldTime)
		case *bgp.BGPNotification:
			return errors.Errorf("notification: code=%v subcode=%v data=%q", m.ErrorCode, m.ErrorSubcode, string(m.Data))
		default:
			return bgp.NewMessageError(bgp.BGP_ERROR_FSM_ERROR, bgp.BGP_ERROR_SUB_RECEIVE_UNEXPECTED_MESSAGE_IN_ESTABLISHED_STATE, nil,
				"received unexpected message type")
		}
	}
}

// run executes the BGP state machine until the fsm's tomb is killed.
func (f *fsm) run() error {
	bo := f.timers.connectBackoff()
	for {
		f.setState(bgp.BGP_FSM_IDLE)
		sess, err := f.connect(bo)
		if err != nil {
			if errors.Is(err, tomb.ErrDying) {
				return nil
			}
			f.log.WithError(err).Warn("BGP connection failed")
			continue
		}
		bo.Reset()
		err = f.established(sess)
		f.log.WithError(err).Infof("BGP peer %v session ended", sess.PeerName)
		select {
		case <-f.t.Dying():
			return nil
		default:
		}
	}
}

// established runs an established session until it ends, and returns the
// reason.
func (f *fsm) established(sess *session) error {
	f.setState(bgp.BGP_FSM_ESTABLISHED)
	if a, ok := sess.conn.LocalAddr().(*net.TCPAddr); ok {
		sess.LocalIP, _ = netip.AddrFromSlice(a.IP)
		sess.LocalIP = sess.LocalIP.Unmap()
	}
	q := newSendQueue()
	f.peer.up(q)
	defer f.peer.down()

	var t tomb.Tomb
	t.Go(func() error {
		t.Go(func() error { return f.sendLoop(&t, sess, q) })
		return f.recvLoop(&t, sess)
	})
	for {
		select {
		case c := <-f.acceptC:
			// https://datatracker.ietf.org/doc/html/rfc4271#section-6.8: a
			// connection that collides with an established session is closed.
			f.log.Infof("Rejecting connection from %v: session is established", c.RemoteAddr())
			fsmSendNotification(c, bgp.BGP_ERROR_CEASE, bgp.BGP_ERROR_SUB_CONNECTION_COLLISION_RESOLUTION, nil) // ignore errors
			c.Close()                                                                                            // ignore errors
		case <-t.Dying():
			return t.Wait()
		case <-f.t.Dying():
			t.Kill(errAdminShutdown)
			t.Wait() // ignore errors
			return errAdminShutdown
		}
	}
}
