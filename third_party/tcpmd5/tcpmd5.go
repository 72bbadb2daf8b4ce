// This file is derived from pkg/server/sockopt_linux.go in
// https://github.com/osrg/gobgp. Original copyright follows.
//
// Copyright (C) 2016 Nippon Telegraph and Telephone Corporation.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or
// implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
//go:build linux
// +build linux

// Package tcpmd5 sets RFC 2385 TCP MD5 signature keys on BGP sockets.
package tcpmd5

import (
	"net"
	"net/netip"
	"os"
	"syscall"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// MaxKeyLen is the longest key the kernel accepts.
const MaxKeyLen = unix.TCP_MD5SIG_MAXKEYLEN

// sig builds the sockopt value binding key to connections with peer.
func sig(peer netip.Addr, key string) (*unix.TCPMD5Sig, error) {
	if len(key) > MaxKeyLen {
		return nil, errors.Errorf("TCP MD5 key is %d bytes, at most %d are allowed", len(key), MaxKeyLen)
	}
	t := &unix.TCPMD5Sig{}
	peer = peer.Unmap()
	switch {
	case peer.Is4():
		t.Addr.Family = unix.AF_INET
		a := peer.As4()
		copy(t.Addr.Data[2:], a[:])
	case peer.Is6():
		t.Addr.Family = unix.AF_INET6
		a := peer.As16()
		copy(t.Addr.Data[6:], a[:])
	default:
		return nil, errors.New("TCP MD5 key needs a peer address")
	}
	t.Keylen = uint16(len(key))
	copy(t.Key[:], key)
	return t, nil
}

func setSig(c syscall.RawConn, t *unix.TCPMD5Sig) error {
	var sockerr error
	if err := c.Control(func(fd uintptr) {
		sockerr = os.NewSyscallError("setsockopt", unix.SetsockoptTCPMD5Sig(int(fd), unix.IPPROTO_TCP, unix.TCP_MD5SIG, t))
	}); err != nil {
		return err
	}
	return sockerr
}

// DialerControl returns a function that signs dialed connections with
// password. See https://pkg.go.dev/net#Dialer.Control for details.
func DialerControl(password string) func(_, _ string, _ syscall.RawConn) error {
	return func(network, address string, c syscall.RawConn) error {
		if password == "" {
			return nil
		}
		ap, err := netip.ParseAddrPort(address)
		if err != nil {
			return errors.Wrapf(err, "TCP MD5 peer %q", address)
		}
		t, err := sig(ap.Addr(), password)
		if err != nil {
			return err
		}
		return setSig(c, t)
	}
}

// ConfigureListener returns a function that installs the key for
// connections from peer on a listener. Listeners that aren't TCP are left
// alone.
func ConfigureListener(peer netip.Addr, password string) func(net.Listener) error {
	return func(l net.Listener) error {
		tl, ok := l.(*net.TCPListener)
		if !ok {
			return nil
		}
		t, err := sig(peer, password)
		if err != nil {
			return err
		}
		rc, err := tl.SyscallConn()
		if err != nil {
			return err
		}
		return setSig(rc, t)
	}
}
