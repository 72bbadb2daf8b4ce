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

package main

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/msiegen/controlnode/bgp"
	"github.com/msiegen/controlnode/bgpxmpp"
	"github.com/msiegen/controlnode/ifmap"
	"github.com/msiegen/controlnode/metrics"
	"github.com/msiegen/controlnode/task"
	"github.com/msiegen/controlnode/xmpp"
)

// node holds the components of a running control node. They share one
// scheduler and one table database.
type node struct {
	opts *options
	log  *logrus.Entry

	sched  *task.Scheduler
	bgp    *bgp.Server
	config *ifmap.Server
	routes *bgpxmpp.Channel
	xmpp   *xmpp.Server

	registry *prometheus.Registry
}

func newNode(o *options, logger *logrus.Logger) (*node, error) {
	n := &node{
		opts: o,
		log:  logger.WithFields(logrus.Fields{"component": "control-node", "name": o.Name}),
	}
	n.sched = task.NewScheduler(task.Options{Workers: o.Workers, Logger: logger})
	var err error
	n.bgp, err = bgp.NewServer(n.sched, bgp.ServerConfig{
		Name:       o.Name,
		RouterID:   o.RouterID,
		ASN:        o.ASN,
		Partitions: o.Partitions,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}
	n.config, err = ifmap.NewServer(n.bgp.DB(), ifmap.Options{
		LocalID:  o.Name,
		MaxItems: o.MaxConfigItems,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}
	n.routes = bgpxmpp.NewChannel(n.bgp, o.Name, logger)

	xcfg := xmpp.ServerConfig{LocalID: o.Name, Logger: logger}
	if o.TLSCert != "" {
		cert, err := tls.LoadX509KeyPair(o.TLSCert, o.TLSKey)
		if err != nil {
			return nil, errors.Wrap(err, "load TLS key pair")
		}
		xcfg.TLS = &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}
	}
	n.xmpp = xmpp.NewServer(n.sched, xcfg)
	n.xmpp.RegisterHandler(xmpp.ConfigResource, ifmap.NewChannel(n.config))
	n.xmpp.RegisterHandler(xmpp.RouteResource, n.routes)

	n.registry = prometheus.NewPedanticRegistry()
	n.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		metrics.NewCollector(&metrics.Node{
			Scheduler: n.sched,
			DB:        n.bgp.DB(),
			BGP:       n.bgp,
			XMPP:      n.xmpp,
			IFMap:     n.config,
			Routes:    n.routes,
		}),
	)
	return n, nil
}

// loadRoutingConfig reads the XML routing config and applies both of its
// halves: the BGP routers and instances, and the agent config graph.
func (n *node) loadRoutingConfig() error {
	path := n.opts.RoutingConfig
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrap(err, "read routing config")
	}
	bcfg, err := bgp.ParseConfig(data)
	if err != nil {
		return errors.Wrapf(err, "%s", path)
	}
	icfg, err := ifmap.ParseConfig(data)
	if err != nil {
		return errors.Wrapf(err, "%s", path)
	}
	if bcfg.Router(n.opts.Name) == nil {
		n.log.Warnf("Routing config has no bgp-router %q, not peering", n.opts.Name)
	}
	if err := n.bgp.Configure(bcfg); err != nil {
		return err
	}
	if err := n.config.ApplyConfig(icfg); err != nil {
		return err
	}
	n.log.WithField("path", path).Info("Loaded routing config")
	return nil
}

// run serves until ctx is done or a listener fails, then shuts down.
func (n *node) run(ctx context.Context) error {
	if err := n.loadRoutingConfig(); err != nil {
		return err
	}
	g, ctx := errgroup.WithContext(ctx)

	var bgpLn net.Listener
	if n.opts.BGPListen != "" {
		var err error
		if bgpLn, err = net.Listen("tcp", n.opts.BGPListen); err != nil {
			return errors.Wrapf(err, "listen on %s", n.opts.BGPListen)
		}
	}
	if err := n.xmpp.Listen(n.opts.XMPPListen); err != nil {
		if bgpLn != nil {
			bgpLn.Close() // ignore errors
		}
		return err
	}
	g.Go(func() error {
		err := n.bgp.Serve(bgpLn)
		if ctx.Err() != nil {
			return nil
		}
		return err
	})

	var httpSrv *http.Server
	if n.opts.MetricsListen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(n.registry, promhttp.HandlerOpts{}))
		httpSrv = &http.Server{Addr: n.opts.MetricsListen, Handler: mux}
		g.Go(func() error {
			err := httpSrv.ListenAndServe()
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return errors.Wrap(err, "metrics server")
		})
	}

	g.Go(func() error {
		hup := make(chan os.Signal, 1)
		signal.Notify(hup, syscall.SIGHUP)
		defer signal.Stop(hup)
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-hup:
				if err := n.loadRoutingConfig(); err != nil {
					n.log.WithError(err).Error("Failed to reload routing config")
				}
			}
		}
	})

	g.Go(func() error {
		<-ctx.Done()
		n.shutdown(httpSrv)
		return nil
	})

	n.log.WithFields(logrus.Fields{
		"router-id": n.opts.RouterID,
		"asn":       n.opts.ASN,
		"xmpp":      n.xmpp.Addr(),
	}).Info("Control node started")
	return g.Wait()
}

func (n *node) shutdown(httpSrv *http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), n.opts.ShutdownTimeout)
	defer cancel()
	if err := n.xmpp.Shutdown(); err != nil {
		n.log.WithError(err).Warn("XMPP server shutdown")
	}
	if err := n.bgp.Shutdown(ctx); err != nil {
		n.log.WithError(err).Warn("BGP server shutdown")
	}
	if httpSrv != nil {
		if err := httpSrv.Shutdown(ctx); err != nil {
			n.log.WithError(err).Warn("Metrics server shutdown")
		}
	}
	if err := n.sched.WaitForIdle(ctx); err != nil {
		n.log.WithError(err).Warn("Tasks still running at exit")
	}
	n.sched.Stop()
	n.log.Info("Control node stopped")
}
