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
	"encoding/binary"
	"fmt"
	"net/netip"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Community is a BGP community as defined in
// https://datatracker.ietf.org/doc/html/rfc1997.
type Community struct {
	Origin uint16
	Value  uint16
}

// Well-known communities.
var (
	NoExport          = NewCommunity(0xffffff01)
	NoAdvertise       = NewCommunity(0xffffff02)
	NoExportSubconfed = NewCommunity(0xffffff03)
)

// NewCommunity creates a community from its numeric representation.
func NewCommunity(c uint32) Community {
	return Community{uint16(c >> 16), uint16(c & 0xffff)}
}

// ParseCommunity parses a community from a string like "64512:1", or one of
// the names no-export, no-advertise and no-export-subconfed.
func ParseCommunity(c string) (Community, error) {
	switch c {
	case "no-export":
		return NoExport, nil
	case "no-advertise":
		return NoAdvertise, nil
	case "no-export-subconfed":
		return NoExportSubconfed, nil
	}
	parts := strings.Split(c, ":")
	if len(parts) != 2 {
		return Community{}, errors.Errorf("community is not two parts: %q", c)
	}
	origin, err := strconv.ParseUint(parts[0], 10, 16)
	if err != nil {
		return Community{}, errors.Wrap(err, "invalid community origin")
	}
	value, err := strconv.ParseUint(parts[1], 10, 16)
	if err != nil {
		return Community{}, errors.Wrap(err, "invalid community value")
	}
	return Community{uint16(origin), uint16(value)}, nil
}

// Uint32 converts a community to its numeric representation.
func (c Community) Uint32() uint32 {
	return uint32(c.Origin)<<16 | uint32(c.Value)
}

// String converts a community to a colon separated string like "64512:1".
func (c Community) String() string {
	switch c {
	case NoExport:
		return "no-export"
	case NoAdvertise:
		return "no-advertise"
	case NoExportSubconfed:
		return "no-export-subconfed"
	}
	return fmt.Sprintf("%v:%v", c.Origin, c.Value)
}

// ExtendedCommunity is a BGP Extended Community as defined in
// https://datatracker.ietf.org/doc/html/rfc4360. Route targets are the only
// kind the control node interprets; others are carried opaquely.
type ExtendedCommunity uint64

// Extended community type octets.
const (
	ecTypeTwoOctetAS  = 0x00
	ecTypeIPv4        = 0x01
	ecTypeFourOctetAS = 0x02
	ecSubTypeTarget   = 0x02
	ecSubTypeOrigin   = 0x03
)

func newExtendedCommunity(b []byte) (ExtendedCommunity, error) {
	if len(b) != 8 {
		return 0, errors.Errorf("invalid length for extended community: got %v, want 8", len(b))
	}
	return ExtendedCommunity(binary.BigEndian.Uint64(b)), nil
}

// NewRouteTarget returns the route target global:local. A global
// administrator above 0xffff selects the 4-octet AS encoding.
func NewRouteTarget(global, local uint32) ExtendedCommunity {
	if global > 0xffff {
		return ExtendedCommunity(uint64(ecTypeFourOctetAS)<<56 | uint64(ecSubTypeTarget)<<48 |
			uint64(global)<<16 | uint64(local&0xffff))
	}
	return ExtendedCommunity(uint64(ecTypeTwoOctetAS)<<56 | uint64(ecSubTypeTarget)<<48 |
		uint64(global)<<32 | uint64(local))
}

// ParseRouteTarget parses "target:A:N" where A is an AS number or an IPv4
// address.
func ParseRouteTarget(s string) (ExtendedCommunity, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 3 || parts[0] != "target" {
		return 0, errors.Errorf("route target is not target:A:N: %q", s)
	}
	if a, err := netip.ParseAddr(parts[1]); err == nil {
		if !a.Is4() {
			return 0, errors.Errorf("route target administrator is not IPv4: %q", s)
		}
		n, err := strconv.ParseUint(parts[2], 10, 16)
		if err != nil {
			return 0, errors.Wrapf(err, "invalid route target number in %q", s)
		}
		ip := a.As4()
		return ExtendedCommunity(uint64(ecTypeIPv4)<<56 | uint64(ecSubTypeTarget)<<48 |
			uint64(binary.BigEndian.Uint32(ip[:]))<<16 | n), nil
	}
	global, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid route target AS in %q", s)
	}
	bits := 32
	if global > 0xffff {
		bits = 16
	}
	local, err := strconv.ParseUint(parts[2], 10, bits)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid route target number in %q", s)
	}
	return NewRouteTarget(uint32(global), uint32(local)), nil
}

// type_ returns the high-order octet of the type field, without the
// transitivity bit.
func (c ExtendedCommunity) type_() uint8 {
	return uint8(c>>56) &^ 0x40
}

// subType returns the low-order octet of the type field.
func (c ExtendedCommunity) subType() uint8 {
	return uint8(c >> 48) // & 0xff
}

// global returns the global administrator sub-field. It may be 2 bytes or
// 4 bytes depending on the value in the type field.
func (c ExtendedCommunity) global() uint32 {
	switch c.type_() {
	case ecTypeTwoOctetAS:
		return uint32(c>>32) & 0xffff
	case ecTypeIPv4, ecTypeFourOctetAS:
		return uint32(c >> 16) // & 0xffffffff
	}
	return 0
}

// local returns the local administrator sub-field.
func (c ExtendedCommunity) local() uint32 {
	switch c.type_() {
	case ecTypeTwoOctetAS:
		return uint32(c) // & 0xffffffff
	case ecTypeIPv4, ecTypeFourOctetAS:
		return uint32(c) & 0xffff
	}
	return 0
}

// IsRouteTarget reports whether c is a route target.
func (c ExtendedCommunity) IsRouteTarget() bool {
	switch c.type_() {
	case ecTypeTwoOctetAS, ecTypeIPv4, ecTypeFourOctetAS:
		return c.subType() == ecSubTypeTarget
	}
	return false
}

// Bytes returns the wire encoding of c.
func (c ExtendedCommunity) Bytes() []byte {
	return binary.BigEndian.AppendUint64(nil, uint64(c))
}

// String returns "target:A:N" for route targets and "soo:A:N" for site of
// origin communities.
func (c ExtendedCommunity) String() string {
	var kind string
	switch c.subType() {
	case ecSubTypeTarget:
		kind = "target"
	case ecSubTypeOrigin:
		kind = "soo"
	default:
		return fmt.Sprintf("%016x", uint64(c))
	}
	switch c.type_() {
	case ecTypeTwoOctetAS, ecTypeFourOctetAS:
		return fmt.Sprintf("%s:%v:%v", kind, c.global(), c.local())
	case ecTypeIPv4:
		var ip [4]byte
		binary.BigEndian.PutUint32(ip[:], c.global())
		return fmt.Sprintf("%s:%v:%v", kind, netip.AddrFrom4(ip), c.local())
	}
	return fmt.Sprintf("%016x", uint64(c))
}

// A RouteDistinguisher makes VPN prefixes from different routing instances
// unique. It is kept in its 8-byte wire form.
type RouteDistinguisher [8]byte

// Route distinguisher types from RFC 4364.
const (
	rdTypeTwoOctetAS  = 0
	rdTypeIPv4        = 1
	rdTypeFourOctetAS = 2
)

// NewRouteDistinguisherIP returns the type 1 distinguisher ip:n.
func NewRouteDistinguisherIP(ip netip.Addr, n uint16) RouteDistinguisher {
	var rd RouteDistinguisher
	binary.BigEndian.PutUint16(rd[0:], rdTypeIPv4)
	a := ip.As4()
	copy(rd[2:6], a[:])
	binary.BigEndian.PutUint16(rd[6:], n)
	return rd
}

// ParseRouteDistinguisher parses "A:N" where A is an AS number or an IPv4
// address.
func ParseRouteDistinguisher(s string) (RouteDistinguisher, error) {
	var rd RouteDistinguisher
	i := strings.LastIndex(s, ":")
	if i < 0 {
		return rd, errors.Errorf("route distinguisher is not A:N: %q", s)
	}
	admin, num := s[:i], s[i+1:]
	if a, err := netip.ParseAddr(admin); err == nil {
		if !a.Is4() {
			return rd, errors.Errorf("route distinguisher administrator is not IPv4: %q", s)
		}
		n, err := strconv.ParseUint(num, 10, 16)
		if err != nil {
			return rd, errors.Wrapf(err, "invalid route distinguisher number in %q", s)
		}
		return NewRouteDistinguisherIP(a, uint16(n)), nil
	}
	asn, err := strconv.ParseUint(admin, 10, 32)
	if err != nil {
		return rd, errors.Wrapf(err, "invalid route distinguisher AS in %q", s)
	}
	if asn > 0xffff {
		n, err := strconv.ParseUint(num, 10, 16)
		if err != nil {
			return rd, errors.Wrapf(err, "invalid route distinguisher number in %q", s)
		}
		binary.BigEndian.PutUint16(rd[0:], rdTypeFourOctetAS)
		binary.BigEndian.PutUint32(rd[2:], uint32(asn))
		binary.BigEndian.PutUint16(rd[6:], uint16(n))
		return rd, nil
	}
	n, err := strconv.ParseUint(num, 10, 32)
	if err != nil {
		return rd, errors.Wrapf(err, "invalid route distinguisher number in %q", s)
	}
	binary.BigEndian.PutUint16(rd[0:], rdTypeTwoOctetAS)
	binary.BigEndian.PutUint16(rd[2:], uint16(asn))
	binary.BigEndian.PutUint32(rd[4:], uint32(n))
	return rd, nil
}

// String formats rd as "A:N".
func (rd RouteDistinguisher) String() string {
	switch binary.BigEndian.Uint16(rd[0:]) {
	case rdTypeTwoOctetAS:
		return fmt.Sprintf("%v:%v", binary.BigEndian.Uint16(rd[2:]), binary.BigEndian.Uint32(rd[4:]))
	case rdTypeIPv4:
		return fmt.Sprintf("%v:%v", netip.AddrFrom4([4]byte(rd[2:6])), binary.BigEndian.Uint16(rd[6:]))
	case rdTypeFourOctetAS:
		return fmt.Sprintf("%v:%v", binary.BigEndian.Uint32(rd[2:]), binary.BigEndian.Uint16(rd[6:]))
	}
	return fmt.Sprintf("%x", rd[:])
}
