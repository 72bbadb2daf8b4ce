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
	"sort"
	"strings"
	"sync"
	"unique"
)

const (
	// DefaultLocalPreference is the default value of the local preference
	// for routes that do not specify one.
	DefaultLocalPreference uint32 = 100
)

// Values of the ORIGIN attribute.
const (
	OriginIGP        uint8 = 0
	OriginEGP        uint8 = 1
	OriginIncomplete uint8 = 2
)

// otherAttributes holds most of the information associated with a route, but
// not the AS path. These attributes are grouped for canonicalization because
// there are relatively few unique combinations in a typical routing table.
type otherAttributes struct {
	// nexthop is the IP neighbor where packets should be sent. For VPN routes
	// it is the tunnel endpoint of the originating agent.
	nexthop netip.Addr
	// origin is the ORIGIN attribute.
	origin uint8
	// localPref and hasLocalPref specify the local preference.
	localPref    uint32
	hasLocalPref bool
	// med and hasMED specify the multi exit discriminator.
	med    uint32
	hasMED bool
	// communities is the serialized set of communities.
	communities string
	// extendedCommunities is the serialized set of extended communities.
	extendedCommunities string
}

// otherAttributesHandle represents a canonicalized otherAttributes value.
type otherAttributesHandle = unique.Handle[otherAttributes]

// Attributes is the information associated with a route.
// Attributes are comparable and may be used as keys in a map.
type Attributes struct {
	// otherAttributes holds everything except the path.
	otherAttributes otherAttributesHandle
	// path is the serialized AS path.
	path string
}

// AttributesBuilder provides a convenient way to create an Attributes.
type AttributesBuilder struct {
	Nexthop             netip.Addr
	Origin              uint8
	LocalPref           uint32
	HasLocalPref        bool
	MED                 uint32
	HasMED              bool
	Path                []uint32
	Communities         map[Community]bool
	ExtendedCommunities map[ExtendedCommunity]bool
}

// Build returns the attributes described by b.
func (b AttributesBuilder) Build() Attributes {
	return Attributes{
		otherAttributes: unique.Make(otherAttributes{
			nexthop:             b.Nexthop,
			origin:              b.Origin,
			localPref:           b.LocalPref,
			hasLocalPref:        b.HasLocalPref,
			med:                 b.MED,
			hasMED:              b.HasMED,
			communities:         serializeCommunities(b.Communities),
			extendedCommunities: serializeExtendedCommunities(b.ExtendedCommunities),
		}),
		path: serializePath(b.Path),
	}
}

func (a *Attributes) other() otherAttributes {
	if a.otherAttributes != (otherAttributesHandle{}) {
		return a.otherAttributes.Value()
	}
	return otherAttributes{}
}

// Nexthop returns the IP neighbor where packets traversing the route should be
// sent.
func (a Attributes) Nexthop() netip.Addr {
	return a.other().nexthop
}

// SetNexthop sets IP neighbor where packets traversing the route should be sent.
func (a *Attributes) SetNexthop(nh netip.Addr) {
	oa := a.other()
	oa.nexthop = nh
	a.otherAttributes = unique.Make(oa)
}

// Origin returns the ORIGIN attribute.
func (a Attributes) Origin() uint8 {
	return a.other().origin
}

// SetOrigin sets the ORIGIN attribute.
func (a *Attributes) SetOrigin(o uint8) {
	oa := a.other()
	oa.origin = o
	a.otherAttributes = unique.Make(oa)
}

// LocalPref returns the local preference, a priority for the route that is
// considered prior to the AS path length. Higher values are more preferred.
// If absent, a default value of 100 is returned and the boolean will be false.
// The local preference is exchanged with iBGP peers only.
func (a Attributes) LocalPref() (uint32, bool) {
	oa := a.other()
	if oa.hasLocalPref {
		return oa.localPref, true
	}
	return DefaultLocalPreference, false
}

// SetLocalPref sets the local preference. See the documentation for the
// LocalPref method to see how this is used.
func (a *Attributes) SetLocalPref(v uint32) {
	oa := a.other()
	oa.localPref = v
	oa.hasLocalPref = true
	a.otherAttributes = unique.Make(oa)
}

// ClearLocalPref clears the local preference.
func (a *Attributes) ClearLocalPref() {
	oa := a.other()
	oa.localPref = 0
	oa.hasLocalPref = false
	a.otherAttributes = unique.Make(oa)
}

// MED returns the multi exit discriminator, which specifies a priority that is
// used to break a tie between two routes with the same AS path length and same
// first AS in the path. Lower values are more preferred. The default is zero.
func (a Attributes) MED() (uint32, bool) {
	oa := a.other()
	return oa.med, oa.hasMED
}

// SetMED sets the multi exit discriminator.
func (a *Attributes) SetMED(v uint32) {
	oa := a.other()
	oa.med = v
	oa.hasMED = true
	a.otherAttributes = unique.Make(oa)
}

// ClearMED clears the multi exit discriminator.
func (a *Attributes) ClearMED() {
	oa := a.other()
	oa.med = 0
	oa.hasMED = false
	a.otherAttributes = unique.Make(oa)
}

func deserializePath(s string) []uint32 {
	if s == "" {
		return nil
	}
	b := []byte(s)
	asns := make([]uint32, len(s)/4)
	for i := 0; i < len(asns); i++ {
		asns[i] = binary.LittleEndian.Uint32(b[4*i : 4*i+4])
	}
	return asns
}

// Path returns AS path. The first element is the nexthop
// and the last element is the route's origin.
func (a Attributes) Path() []uint32 {
	return deserializePath(a.path)
}

func serializePath(asns []uint32) string {
	if len(asns) == 0 {
		return ""
	}
	b := make([]byte, 4*len(asns))
	for i, asn := range asns {
		binary.LittleEndian.PutUint32(b[4*i:4*i+4], asn)
	}
	return string(b)
}

// SetPath replaces the AS path. The first element is the nexthop
// and the last element is the route's origin.
func (a *Attributes) SetPath(asns []uint32) {
	a.path = serializePath(asns)
}

// PathLen returns the length of the AS path.
func (a Attributes) PathLen() int {
	return len(a.path) / 4
}

// PathContains checks whether an AS is present in the path.
func (a Attributes) PathContains(asn uint32) bool {
	for i := 0; i+4 <= len(a.path); i += 4 {
		if binary.LittleEndian.Uint32([]byte(a.path[i:i+4])) == asn {
			return true
		}
	}
	return false
}

// First returns the first AS in the path (corresponding to the nexthop).
func (a Attributes) First() uint32 {
	if len(a.path) == 0 {
		return 0
	}
	return deserializePath(a.path[:4])[0]
}

// OriginAS returns the ASN originating the route.
func (a Attributes) OriginAS() uint32 {
	if len(a.path) == 0 {
		return 0
	}
	return deserializePath(a.path[len(a.path)-4:])[0]
}

// Prepend inserts ASNs to the beginning of the path.
func (a *Attributes) Prepend(asns ...uint32) {
	a.path = serializePath(asns) + a.path
}

func deserializeCommunities(s string) map[Community]bool {
	if s == "" {
		return nil
	}
	b := []byte(s)
	cs := map[Community]bool{}
	for i := 0; i < len(s)/4; i++ {
		cs[NewCommunity(binary.LittleEndian.Uint32(b[4*i:4*i+4]))] = true
	}
	return cs
}

// Communities returns the BGP communities as defined by
// https://datatracker.ietf.org/doc/html/rfc1997.
func (a Attributes) Communities() map[Community]bool {
	return deserializeCommunities(a.other().communities)
}

// HasCommunity reports whether c is attached.
func (a Attributes) HasCommunity(c Community) bool {
	s := a.other().communities
	for i := 0; i+4 <= len(s); i += 4 {
		if binary.LittleEndian.Uint32([]byte(s[i:i+4])) == c.Uint32() {
			return true
		}
	}
	return false
}

func serializeCommunities(cs map[Community]bool) string {
	sorted := make([]uint32, 0, len(cs))
	for c, ok := range cs {
		if ok {
			sorted = append(sorted, c.Uint32())
		}
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	b := make([]byte, 4*len(sorted))
	for i, c := range sorted {
		binary.LittleEndian.PutUint32(b[4*i:4*i+4], c)
	}
	return string(b)
}

// SetCommunities sets the BGP communities as defined by
// https://datatracker.ietf.org/doc/html/rfc1997.
func (a *Attributes) SetCommunities(cs map[Community]bool) {
	oa := a.other()
	oa.communities = serializeCommunities(cs)
	a.otherAttributes = unique.Make(oa)
}

func deserializeExtendedCommunities(s string) map[ExtendedCommunity]bool {
	if s == "" {
		return nil
	}
	b := []byte(s)
	cs := map[ExtendedCommunity]bool{}
	for i := 0; i < len(s)/8; i++ {
		cs[ExtendedCommunity(binary.LittleEndian.Uint64(b[8*i:8*i+8]))] = true
	}
	return cs
}

// ExtendedCommunities returns the BGP communities as defined by
// https://datatracker.ietf.org/doc/html/rfc4360.
func (a Attributes) ExtendedCommunities() map[ExtendedCommunity]bool {
	return deserializeExtendedCommunities(a.other().extendedCommunities)
}

// RouteTargets returns the route targets among the extended communities, in
// ascending order.
func (a Attributes) RouteTargets() []ExtendedCommunity {
	s := a.other().extendedCommunities
	var rts []ExtendedCommunity
	for i := 0; i+8 <= len(s); i += 8 {
		if c := ExtendedCommunity(binary.LittleEndian.Uint64([]byte(s[i : i+8]))); c.IsRouteTarget() {
			rts = append(rts, c)
		}
	}
	return rts
}

func serializeExtendedCommunities(cs map[ExtendedCommunity]bool) string {
	sorted := make([]ExtendedCommunity, 0, len(cs))
	for c, ok := range cs {
		if ok {
			sorted = append(sorted, c)
		}
	}
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i] < sorted[j]
	})
	b := make([]byte, 8*len(sorted))
	for i, c := range sorted {
		binary.LittleEndian.PutUint64(b[8*i:8*i+8], uint64(c))
	}
	return string(b)
}

// SetExtendedCommunities sets the BGP communities as defined by
// https://datatracker.ietf.org/doc/html/rfc4360.
func (a *Attributes) SetExtendedCommunities(cs map[ExtendedCommunity]bool) {
	oa := a.other()
	oa.extendedCommunities = serializeExtendedCommunities(cs)
	a.otherAttributes = unique.Make(oa)
}

// AddExtendedCommunities merges cs into the extended communities.
func (a *Attributes) AddExtendedCommunities(cs ...ExtendedCommunity) {
	if len(cs) == 0 {
		return
	}
	m := a.ExtendedCommunities()
	if m == nil {
		m = map[ExtendedCommunity]bool{}
	}
	for _, c := range cs {
		m[c] = true
	}
	a.SetExtendedCommunities(m)
}

// String returns a human readable representation of a few key attributes.
func (a Attributes) String() string {
	var parts []string
	if nh := a.Nexthop(); nh.IsValid() {
		parts = append(parts, "nexthop="+nh.String())
	}
	if a.path != "" {
		parts = append(parts, fmt.Sprintf("path=%v", a.Path()))
	}
	if cs := a.Communities(); len(cs) != 0 {
		var ss []string
		for c := range cs {
			ss = append(ss, c.String())
		}
		sort.Strings(ss)
		parts = append(parts, "communities="+strings.Join(ss, ","))
	}
	if rts := a.RouteTargets(); len(rts) != 0 {
		var ss []string
		for _, rt := range rts {
			ss = append(ss, rt.String())
		}
		parts = append(parts, "targets="+strings.Join(ss, ","))
	}
	return "{" + strings.Join(parts, " ") + "}"
}

// Compare decides which attributes represent the better route. It returns a
// negative number if a is better than b, a positive number if b is better than
// a, and zero if a and b are equally good. Better routes are identified by:
//   - Local preference (higher values first)
//   - AS path length (shorter paths first)
//   - Origin (IGP before EGP before incomplete)
//   - MED (lower values first)
func Compare(a, b Attributes) int {
	alp, _ := a.LocalPref()
	blp, _ := b.LocalPref()
	if alp > blp {
		return -1
	} else if alp < blp {
		return 1
	}
	if apl, bpl := a.PathLen(), b.PathLen(); apl < bpl {
		return -1
	} else if apl > bpl {
		return 1
	}
	if ao, bo := a.Origin(), b.Origin(); ao < bo {
		return -1
	} else if ao > bo {
		return 1
	}
	am, aHasMED := a.MED()
	bm, bHasMED := b.MED()
	if (aHasMED || bHasMED) && (a.First() == b.First()) {
		if am < bm {
			return -1
		} else if am > bm {
			return 1
		}
	}
	return 0
}

// An Attr is an interned, reference counted Attributes value. Paths share
// Attrs; an Attr never changes once located.
type Attr struct {
	Attributes

	db   *AttrDB
	refs int
}

// Release drops the reference taken by the Locate call that returned a.
func (a *Attr) Release() {
	if a != nil {
		a.db.release(a)
	}
}

// An AttrDB interns attribute sets. Locating equal Attributes yields the
// same *Attr until every reference has been released.
type AttrDB struct {
	mu      sync.Mutex
	attrs   map[Attributes]*Attr
	located uint64
}

// NewAttrDB returns an empty attribute database.
func NewAttrDB() *AttrDB {
	return &AttrDB{attrs: map[Attributes]*Attr{}}
}

// Locate returns the interned Attr for a and takes a reference on it.
func (d *AttrDB) Locate(a Attributes) *Attr {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.located++
	if at, ok := d.attrs[a]; ok {
		at.refs++
		return at
	}
	at := &Attr{Attributes: a, db: d, refs: 1}
	d.attrs[a] = at
	return at
}

func (d *AttrDB) release(a *Attr) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if a.refs <= 0 {
		panic(fmt.Sprintf("bgp: release of unreferenced attributes %v", a.Attributes))
	}
	a.refs--
	if a.refs == 0 {
		delete(d.attrs, a.Attributes)
	}
}

// Size returns the number of distinct attribute sets in use.
func (d *AttrDB) Size() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.attrs)
}

// Located returns how many times Locate has been called.
func (d *AttrDB) Located() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.located
}
