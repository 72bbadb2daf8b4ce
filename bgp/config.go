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
	"encoding/xml"
	"net/netip"
	"slices"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/msiegen/controlnode/third_party/tcpmd5"
)

// DefaultASN is the AS number of routers that don't configure one.
const DefaultASN = 64512

// RouterConfig is a bgp-router element.
type RouterConfig struct {
	Name       string
	Addr       netip.Addr
	ASN        uint32
	Identifier netip.Addr
	Port       int
	Password   string
	Passive    bool
	// Sessions names the routers this one peers with. Routers without
	// sessions peer with every other router without sessions.
	Sessions []string
}

// Config is the routing part of a configuration blob.
type Config struct {
	Routers   []RouterConfig
	Instances []InstanceConfig
}

type xmlConfig struct {
	XMLName  xml.Name      `xml:"config"`
	Routers  []xmlRouter   `xml:"bgp-router"`
	Instance []xmlInstance `xml:"routing-instance"`
}

type xmlRouter struct {
	Name        string `xml:"name,attr"`
	Address     string `xml:"address"`
	ASN         uint32 `xml:"autonomous-system"`
	Identifier  string `xml:"identifier"`
	Port        int    `xml:"port"`
	Password    string `xml:"password"`
	SessionType string `xml:"session-type"`
	Sessions    []struct {
		To string `xml:"to,attr"`
	} `xml:"session"`
}

type xmlInstance struct {
	Name          string   `xml:"name,attr"`
	RD            string   `xml:"route-distinguisher"`
	VRFTargets    []string `xml:"vrf-target"`
	ImportTargets []string `xml:"import-target"`
	ExportTargets []string `xml:"export-target"`
}

// ParseConfig reads the bgp-router and routing-instance elements of a
// configuration blob. Other elements are ignored.
func ParseConfig(data []byte) (*Config, error) {
	var x xmlConfig
	if err := xml.Unmarshal(data, &x); err != nil {
		return nil, errors.Wrap(err, "parse config")
	}
	cfg := &Config{}
	names := map[string]bool{}
	for _, xr := range x.Routers {
		r, err := xr.parse()
		if err != nil {
			return nil, errors.Wrapf(err, "bgp-router %q", xr.Name)
		}
		if names[r.Name] {
			return nil, errors.Errorf("duplicate bgp-router %q", r.Name)
		}
		names[r.Name] = true
		cfg.Routers = append(cfg.Routers, r)
	}
	instances := map[string]bool{}
	for _, xi := range x.Instance {
		ic, err := xi.parse()
		if err != nil {
			return nil, errors.Wrapf(err, "routing-instance %q", xi.Name)
		}
		if instances[ic.Name] {
			return nil, errors.Errorf("duplicate routing-instance %q", ic.Name)
		}
		instances[ic.Name] = true
		cfg.Instances = append(cfg.Instances, ic)
	}
	return cfg, nil
}

func (xr xmlRouter) parse() (RouterConfig, error) {
	r := RouterConfig{
		Name:     strings.TrimSpace(xr.Name),
		ASN:      xr.ASN,
		Port:     xr.Port,
		Password: xr.Password,
	}
	if r.Name == "" {
		return r, errors.New("missing name")
	}
	addr, err := netip.ParseAddr(strings.TrimSpace(xr.Address))
	if err != nil {
		return r, errors.Wrap(err, "invalid address")
	}
	r.Addr = addr
	r.Identifier = addr
	if id := strings.TrimSpace(xr.Identifier); id != "" {
		if r.Identifier, err = netip.ParseAddr(id); err != nil {
			return r, errors.Wrap(err, "invalid identifier")
		}
	}
	if r.ASN == 0 {
		r.ASN = DefaultASN
	}
	switch strings.TrimSpace(xr.SessionType) {
	case "", "active":
	case "passive":
		r.Passive = true
	default:
		return r, errors.Errorf("unknown session-type %q", xr.SessionType)
	}
	for _, s := range xr.Sessions {
		r.Sessions = append(r.Sessions, s.To)
	}
	return r, nil
}

func parseTargets(ss []string) ([]ExtendedCommunity, error) {
	var ts []ExtendedCommunity
	for _, s := range ss {
		t, err := ParseRouteTarget(strings.TrimSpace(s))
		if err != nil {
			return nil, err
		}
		ts = append(ts, t)
	}
	return ts, nil
}

func (xi xmlInstance) parse() (InstanceConfig, error) {
	ic := InstanceConfig{Name: strings.TrimSpace(xi.Name)}
	if ic.Name == "" {
		return ic, errors.New("missing name")
	}
	if rd := strings.TrimSpace(xi.RD); rd != "" {
		var err error
		if ic.RD, err = ParseRouteDistinguisher(rd); err != nil {
			return ic, err
		}
	}
	both, err := parseTargets(xi.VRFTargets)
	if err != nil {
		return ic, err
	}
	imports, err := parseTargets(xi.ImportTargets)
	if err != nil {
		return ic, err
	}
	exports, err := parseTargets(xi.ExportTargets)
	if err != nil {
		return ic, err
	}
	ic.ImportTargets = append(slices.Clone(both), imports...)
	ic.ExportTargets = append(slices.Clone(both), exports...)
	return ic, nil
}

// Router returns the named router, or nil.
func (c *Config) Router(name string) *RouterConfig {
	for i := range c.Routers {
		if c.Routers[i].Name == name {
			return &c.Routers[i]
		}
	}
	return nil
}

// Neighbors returns the routers that the named router peers with.
func (c *Config) Neighbors(name string) []RouterConfig {
	local := c.Router(name)
	if local == nil {
		return nil
	}
	var ns []RouterConfig
	for _, r := range c.Routers {
		if r.Name == name {
			continue
		}
		mesh := len(local.Sessions) == 0 && len(r.Sessions) == 0
		if mesh || slices.Contains(local.Sessions, r.Name) || slices.Contains(r.Sessions, name) {
			ns = append(ns, r)
		}
	}
	return ns
}

// PeerConfig returns the configuration of a session from local to r.
func (r RouterConfig) PeerConfig(local *RouterConfig) PeerConfig {
	pc := PeerConfig{
		Name:    r.Name,
		Addr:    r.Addr,
		Port:    r.Port,
		ASN:     r.ASN,
		Passive: r.Passive,
	}
	password := r.Password
	if local != nil {
		pc.LocalAddr = local.Addr
		if password == "" {
			password = local.Password
		}
	}
	if password != "" {
		pc.DialerControl = tcpmd5.DialerControl(password)
		pc.ConfigureListener = tcpmd5.ConfigureListener(r.Addr, password)
	}
	return pc
}

// Configure reconciles the server with cfg: sessions with the neighbors of
// the server's own bgp-router are added or removed, and routing instances
// are added, updated or deleted. Peers whose session parameters change are
// restarted.
func (s *Server) Configure(cfg *Config) error {
	local := cfg.Router(s.name)
	if local != nil && local.Identifier != s.routerID {
		s.log.Warnf("bgp-router %v has identifier %v, server uses %v", local.Name, local.Identifier, s.routerID)
	}
	want := map[netip.Addr]PeerConfig{}
	if local != nil {
		for _, r := range cfg.Neighbors(s.name) {
			want[r.Addr] = r.PeerConfig(local)
		}
	}
	for _, p := range s.Peers() {
		pc, ok := want[p.cfg.Addr]
		if ok && samePeerConfig(p.cfg, pc) {
			delete(want, p.cfg.Addr)
			continue
		}
		if err := s.RemovePeer(p.cfg.Addr); err != nil {
			return err
		}
	}
	for _, pc := range want {
		if _, err := s.AddPeer(pc); err != nil {
			return err
		}
	}

	instances := map[string]InstanceConfig{}
	for _, ic := range cfg.Instances {
		if ic.Name == MasterInstance {
			continue
		}
		instances[ic.Name] = ic
	}
	for _, ri := range s.Instances() {
		ic, ok := instances[ri.Name()]
		if !ok {
			if err := s.DeleteInstance(ri.Name()); err != nil {
				return err
			}
			continue
		}
		delete(instances, ri.Name())
		if err := s.UpdateInstance(ic); err != nil {
			return err
		}
	}
	for _, ic := range cfg.Instances {
		if _, ok := instances[ic.Name]; !ok {
			continue
		}
		if _, err := s.AddInstance(ic); err != nil {
			return err
		}
	}
	s.log.WithFields(logrus.Fields{
		"peers":     len(s.Peers()),
		"instances": len(s.Instances()),
	}).Info("Applied configuration")
	return nil
}

func samePeerConfig(a, b PeerConfig) bool {
	return a.Name == b.Name && a.Addr == b.Addr && a.Port == b.Port && a.ASN == b.ASN &&
		a.Passive == b.Passive && a.LocalAddr == b.LocalAddr && a.AllowASIn == b.AllowASIn &&
		(a.DialerControl == nil) == (b.DialerControl == nil)
}
