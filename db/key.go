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

package db

import (
	"net/netip"

	"github.com/cespare/xxhash/v2"
)

// Key family markers. They form the first byte of every prefix key.
const (
	keyInet  byte = 4
	keyInet6 byte = 6
	keyVPN   byte = 'v'
)

// rdLen is the length of an encoded route distinguisher.
const rdLen = 8

// PrefixKey encodes p as one byte per prefix bit after a family marker.
// Byte order of such keys equals (address, length) order, and a key is a
// byte prefix of another exactly when its network contains the other.
func PrefixKey(p netip.Prefix) []byte {
	p = p.Masked()
	fam := keyInet
	if p.Addr().Is6() {
		fam = keyInet6
	}
	return appendBits(append(make([]byte, 0, 1+p.Bits()), fam), p)
}

// HostKey returns the key of the host route for a, suitable for LPMFind.
func HostKey(a netip.Addr) []byte {
	return PrefixKey(netip.PrefixFrom(a, a.BitLen()))
}

// VPNKey encodes a VPN prefix: the marker, the 8-byte route distinguisher,
// then the bits of p.
func VPNKey(rd [rdLen]byte, p netip.Prefix) []byte {
	p = p.Masked()
	b := make([]byte, 0, 1+rdLen+p.Bits())
	b = append(b, keyVPN)
	b = append(b, rd[:]...)
	return appendBits(b, p)
}

func appendBits(b []byte, p netip.Prefix) []byte {
	raw := p.Addr().AsSlice()
	for i := 0; i < p.Bits(); i++ {
		b = append(b, (raw[i/8]>>(7-uint(i%8)))&1)
	}
	return b
}

// ParsePrefixKey decodes a key built by PrefixKey or VPNKey. For VPN keys the
// prefix is IPv4 and rd is set.
func ParsePrefixKey(key []byte) (p netip.Prefix, rd [rdLen]byte, ok bool) {
	if len(key) == 0 {
		return netip.Prefix{}, rd, false
	}
	bits := key[1:]
	var addr []byte
	switch key[0] {
	case keyInet:
		addr = make([]byte, 4)
	case keyInet6:
		addr = make([]byte, 16)
	case keyVPN:
		if len(key) < 1+rdLen {
			return netip.Prefix{}, rd, false
		}
		copy(rd[:], key[1:1+rdLen])
		bits = key[1+rdLen:]
		addr = make([]byte, 4)
	default:
		return netip.Prefix{}, rd, false
	}
	if len(bits) > len(addr)*8 {
		return netip.Prefix{}, rd, false
	}
	for i, bit := range bits {
		if bit > 1 {
			return netip.Prefix{}, rd, false
		}
		addr[i/8] |= bit << (7 - uint(i%8))
	}
	a, _ := netip.AddrFromSlice(addr)
	return netip.PrefixFrom(a, len(bits)), rd, true
}

// PrefixBits returns the bit portion of a prefix key, without the family
// marker or route distinguisher.
func PrefixBits(key []byte) []byte {
	if len(key) == 0 {
		return nil
	}
	if key[0] == keyVPN {
		if len(key) < 1+rdLen {
			return nil
		}
		return key[1+rdLen:]
	}
	return key[1:]
}

// HashKey is the default partitioner.
func HashKey(key []byte) uint64 {
	return xxhash.Sum64(key)
}

// HashPrefix partitions route keys by prefix bits only, so that an inet
// route and the VPN route derived from it land in the same partition index.
func HashPrefix(key []byte) uint64 {
	return xxhash.Sum64(PrefixBits(key))
}
