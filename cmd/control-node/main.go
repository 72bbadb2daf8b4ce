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

// Command control-node runs a control node: BGP sessions with other control
// nodes, and XMPP sessions that carry routes and configuration to agents.
package main

import (
	"context"
	"net/netip"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/msiegen/controlnode/bgp"
)

const envPrefix = "control_node"

// Flag names, also the keys of the settings file.
const (
	flagSettings        = "settings"
	flagName            = "name"
	flagRouterID        = "router-id"
	flagASN             = "asn"
	flagRoutingConfig   = "routing-config"
	flagBGPListen       = "bgp-listen"
	flagXMPPListen      = "xmpp-listen"
	flagMetricsListen   = "metrics-listen"
	flagTLSCert         = "tls-cert"
	flagTLSKey          = "tls-key"
	flagWorkers         = "workers"
	flagPartitions      = "partitions"
	flagMaxConfigItems  = "max-config-items"
	flagLogLevel        = "log-level"
	flagShutdownTimeout = "shutdown-timeout"
)

type options struct {
	Name            string
	RouterID        netip.Addr
	ASN             uint32
	RoutingConfig   string
	BGPListen       string
	XMPPListen      string
	MetricsListen   string
	TLSCert         string
	TLSKey          string
	Workers         int
	Partitions      int
	MaxConfigItems  int
	LogLevel        logrus.Level
	ShutdownTimeout time.Duration
}

func initFlags(flags *pflag.FlagSet) {
	flags.String(flagSettings, "", "Settings file (YAML, TOML or JSON) with defaults for these flags")
	flags.String(flagName, "", "Name of this node, matching its bgp-router in the routing config (default: hostname)")
	flags.String(flagRouterID, "", "BGP identifier, an IPv4 address")
	flags.Uint32(flagASN, bgp.DefaultASN, "Local autonomous system number")
	flags.String(flagRoutingConfig, "", "XML routing config; reloaded on SIGHUP")
	flags.String(flagBGPListen, ":179", "Address for BGP connections, empty to only dial")
	flags.String(flagXMPPListen, ":5269", "Address for agent XMPP connections")
	flags.String(flagMetricsListen, ":8083", "Address for Prometheus metrics, empty to disable")
	flags.String(flagTLSCert, "", "Certificate for XMPP TLS")
	flags.String(flagTLSKey, "", "Private key for XMPP TLS")
	flags.Int(flagWorkers, 0, "Maximum number of concurrent tasks (default: GOMAXPROCS)")
	flags.Int(flagPartitions, 1, "Number of partitions of every routing table")
	flags.Int(flagMaxConfigItems, 0, "Maximum number of config items per XMPP message (default 64)")
	flags.String(flagLogLevel, "info", "Log level")
	flags.Duration(flagShutdownTimeout, 10*time.Second, "How long to wait for sessions to close on shutdown")
}

// newViper binds the flags, the CONTROL_NODE_* environment and the settings
// file, in decreasing order of precedence.
func newViper(flags *pflag.FlagSet) (*viper.Viper, error) {
	vp := viper.New()
	if err := vp.BindPFlags(flags); err != nil {
		return nil, err
	}
	vp.SetEnvPrefix(envPrefix)
	vp.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	vp.AutomaticEnv()
	if f := vp.GetString(flagSettings); f != "" {
		vp.SetConfigFile(f)
		if err := vp.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "read settings %s", f)
		}
	}
	return vp, nil
}

func loadOptions(vp *viper.Viper) (*options, error) {
	o := &options{
		Name:            vp.GetString(flagName),
		ASN:             vp.GetUint32(flagASN),
		RoutingConfig:   vp.GetString(flagRoutingConfig),
		BGPListen:       vp.GetString(flagBGPListen),
		XMPPListen:      vp.GetString(flagXMPPListen),
		MetricsListen:   vp.GetString(flagMetricsListen),
		TLSCert:         vp.GetString(flagTLSCert),
		TLSKey:          vp.GetString(flagTLSKey),
		Workers:         vp.GetInt(flagWorkers),
		Partitions:      vp.GetInt(flagPartitions),
		MaxConfigItems:  vp.GetInt(flagMaxConfigItems),
		ShutdownTimeout: vp.GetDuration(flagShutdownTimeout),
	}
	if o.Name == "" {
		host, err := os.Hostname()
		if err != nil {
			return nil, errors.Wrap(err, "no --name and no hostname")
		}
		o.Name = host
	}
	id := vp.GetString(flagRouterID)
	if id == "" {
		return nil, errors.Errorf("--%s is required", flagRouterID)
	}
	var err error
	if o.RouterID, err = netip.ParseAddr(id); err != nil {
		return nil, errors.Wrapf(err, "invalid --%s", flagRouterID)
	}
	if !o.RouterID.Is4() {
		return nil, errors.Errorf("--%s must be an IPv4 address: %v", flagRouterID, o.RouterID)
	}
	if o.LogLevel, err = logrus.ParseLevel(vp.GetString(flagLogLevel)); err != nil {
		return nil, errors.Wrapf(err, "invalid --%s", flagLogLevel)
	}
	if (o.TLSCert == "") != (o.TLSKey == "") {
		return nil, errors.Errorf("--%s and --%s must be set together", flagTLSCert, flagTLSKey)
	}
	if o.Partitions <= 0 {
		return nil, errors.Errorf("--%s must be positive", flagPartitions)
	}
	return o, nil
}

func newCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "control-node",
		Short:         "Run a control node",
		Long:          "control-node exchanges VPN routes with other control nodes over BGP, and routes and configuration with vrouter agents over XMPP.",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			vp, err := newViper(cmd.Flags())
			if err != nil {
				return err
			}
			o, err := loadOptions(vp)
			if err != nil {
				return err
			}
			logger := logrus.New()
			logger.SetLevel(o.LogLevel)
			n, err := newNode(o, logger)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return n.run(ctx)
		},
	}
	initFlags(cmd.Flags())
	return cmd
}

func main() {
	if err := newCommand().ExecuteContext(context.Background()); err != nil {
		logrus.WithError(err).Fatal("control-node failed")
	}
}
