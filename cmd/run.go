// Copyright 2019 The Krill Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package krillcmd

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/krillcache/krill"
	"github.com/krillcache/krill/internal/comms"
	"github.com/krillcache/krill/internal/events"
	"github.com/krillcache/krill/internal/peering"
	"github.com/krillcache/krill/modules/cachemgr"
	"github.com/krillcache/krill/modules/fetchers"
	"github.com/krillcache/krill/modules/forwarding"
)

func run(configFile string) error {
	cfg := new(krill.Config)
	cfg.FillDefaults()
	if configFile != "" {
		f, err := os.Open(configFile)
		if err != nil {
			return err
		}
		cfg, err = krill.LoadConfig(f)
		f.Close()
		if err != nil {
			return err
		}
	}
	if cfg.Listen == "" {
		cfg.Listen = ":3128"
	}
	if cfg.AdminListen == "" {
		cfg.AdminListen = "localhost:3129"
	}

	logger := krill.Log()
	logger.Info("starting", zap.String("listen", cfg.Listen),
		zap.String("admin", cfg.AdminListen))

	loop := events.NewLoop()
	loop.Start()
	defer loop.Stop()

	resolver := comms.NewResolver(cfg.DNSServers, logger.Named("dns"))
	network := comms.NewNetNetwork(loop, resolver, logger.Named("comms"))

	peers := make([]*peering.Peer, 0, len(cfg.Peers))
	for _, pc := range cfg.Peers {
		peers = append(peers, buildPeer(pc, logger))
	}
	selector := &peering.StaticSelector{
		Peers:  peers,
		Logger: logger.Named("peer_select"),
	}

	missAccess, err := buildRules(cfg.MissAccess)
	if err != nil {
		return fmt.Errorf("miss_access: %w", err)
	}
	outAddrs, err := buildAddressMaps(cfg.OutgoingAddresses)
	if err != nil {
		return fmt.Errorf("outgoing_addresses: %w", err)
	}
	outTOS, err := buildTOSMaps(cfg.OutgoingTOS)
	if err != nil {
		return fmt.Errorf("outgoing_tos: %w", err)
	}

	fwd := &forwarding.Forwarding{
		Sched:              loop,
		Network:            network,
		Selector:           selector,
		Fetchers:           fetchers.Default(logger.Named("fetchers")),
		MissAccess:         missAccess,
		DenyInfo:           buildDenyInfo(cfg.DenyInfo),
		OutgoingAddrs:      outAddrs,
		OutgoingTOS:        outTOS,
		ConnectTimeout:     time.Duration(cfg.Timeouts.Connect),
		PeerConnectTimeout: time.Duration(cfg.Timeouts.PeerConnect),
		ForwardTimeout:     time.Duration(cfg.Timeouts.Forward),
		Retry:              cfg.Retry,
		LogIPOnDirect:      cfg.LogIPOnDirect,
		Logger:             logger.Named("forwarding"),
	}
	if err := fwd.Provision(); err != nil {
		return err
	}

	mgr := cachemgr.NewRegistry(logger.Named("cachemgr"))
	mgr.Register("forward", "Request Forwarding Statistics", func(w io.Writer) {
		fwd.Stats.WriteTo(w)
	})

	clientLn, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return err
	}
	adminLn, err := net.Listen("tcp", cfg.AdminListen)
	if err != nil {
		clientLn.Close()
		return err
	}

	adminMux := http.NewServeMux()
	adminMux.Handle("/metrics", promhttp.Handler())
	adminMux.Handle("/cache-manager/", mgr.Handler())
	adminSrv := &http.Server{Handler: adminMux}

	ctx, stop := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return serveClients(ctx, clientLn, loop, fwd, logger.Named("client"))
	})
	g.Go(func() error {
		err := adminSrv.Serve(adminLn)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")
		krill.BeginShutdown()
		clientLn.Close()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		adminSrv.Shutdown(shutCtx)
		return nil
	})

	err = g.Wait()
	if errors.Is(err, net.ErrClosed) {
		err = nil
	}
	return err
}

func buildPeer(pc krill.PeerConfig, logger *zap.Logger) *peering.Peer {
	p := peering.NewPeer(pc.Name, pc.Host, pc.Port).
		WithLogger(logger.Named("peer"))
	p.ConnectTimeout = time.Duration(pc.ConnectTimeout)
	p.Login = pc.Login
	p.Domain = pc.Domain
	p.UseTLS = pc.UseTLS
	p.TLSDomain = pc.TLSDomain
	p.Options.OriginServer = pc.OriginServer
	if pc.TLSInsecureSkipVerify {
		p.TLSConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return p
}
