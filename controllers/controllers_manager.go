package controllers

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/am6737/meshpeer/api"
	"github.com/am6737/meshpeer/api/interfaces"
	"github.com/am6737/meshpeer/config"
	"github.com/am6737/meshpeer/filter"
	"github.com/am6737/meshpeer/host"
	"github.com/am6737/meshpeer/identity"
	"github.com/am6737/meshpeer/peer"
	"github.com/am6737/meshpeer/transport/udp"
	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
)

type ControllersManager struct {
	logger *logrus.Logger
	cfg    *config.Config

	Identity  *identity.Identity
	Demarc    *udp.Demarc
	Filter    *filter.Filter
	Hosts     *host.HostMap
	Switch    *Switch
	Inbound   *InboundController
	Keepalive *KeepaliveController

	peerOpts []peer.Option

	runnables runnables
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

type runnables struct {
	runnables []interfaces.Runnable
}

// servingDemarc adapts the demarc read loop to interfaces.Runnable.
type servingDemarc struct {
	d *udp.Demarc
	h udp.ReadHandler
}

func (s servingDemarc) Start(ctx context.Context) error {
	return s.d.Serve(ctx, s.h)
}

// NewControllersManager builds a node from cfg. Accepted inbound frames go to
// writer; a nil writer only logs them.
func NewControllersManager(ctx context.Context, cfg *config.Config, logger *logrus.Logger, writer interfaces.FrameWriter) (*ControllersManager, error) {
	registry := metrics.NewRegistry()

	self, err := loadIdentity(cfg.Identity, logger)
	if err != nil {
		return nil, err
	}
	logger.WithField("address", self.Address()).Info("Node identity loaded")

	rulesEngine, err := filter.FromConfig(cfg.Filter,
		filter.WithLogger(logger.WithField("controller", "Filter").Logger),
		filter.WithRegistry(registry))
	if err != nil {
		return nil, err
	}

	groups := make([]api.MulticastGroup, 0, len(cfg.Multicast.Groups))
	for _, g := range cfg.Multicast.Groups {
		group, err := api.ParseMulticastGroup(g)
		if err != nil {
			return nil, err
		}
		groups = append(groups, group)
	}

	demarc := udp.NewDemarc(
		udp.WithLogger(logger),
		udp.WithRegistry(registry),
		udp.WithReusePort(cfg.Listen.ReusePort),
	)
	for _, h := range cfg.Listen.Hosts {
		addr, err := netip.ParseAddrPort(h)
		if err != nil {
			demarc.Close()
			return nil, fmt.Errorf("listen host %q: %w", h, err)
		}
		port, err := demarc.Bind(ctx, addr)
		if err != nil {
			demarc.Close()
			return nil, err
		}
		applyBuffers(logger, demarc, port, cfg.Listen)
	}

	if writer == nil {
		writer = &LogFrameWriter{Logger: logger}
	}

	hosts := host.NewHostMap(logger, registry)
	sw := NewSwitch(
		logger.WithField("controller", "Switch").Logger,
		self, demarc, hosts, rulesEngine, groups, cfg.Peer, registry,
	)

	peerOpts := []peer.Option{
		peer.WithLogger(logger),
		peer.WithConfig(cfg.Peer),
		peer.WithRegistry(registry),
	}
	inbound := NewInboundController(
		logger.WithField("controller", "Inbound").Logger,
		self, hosts, sw, demarc, rulesEngine, writer, registry, peerOpts...,
	)
	keepalive := NewKeepaliveController(logger.WithField("controller", "Keepalive").Logger, hosts, cfg.Peer)

	c := &ControllersManager{
		logger:    logger,
		cfg:       cfg,
		Identity:  self,
		Demarc:    demarc,
		Filter:    rulesEngine,
		Hosts:     hosts,
		Switch:    sw,
		Inbound:   inbound,
		Keepalive: keepalive,
		peerOpts:  peerOpts,
		runnables: runnables{
			runnables: []interfaces.Runnable{
				servingDemarc{d: demarc, h: inbound.HandleDatagram},
				keepalive,
			},
		},
	}

	for _, sp := range cfg.StaticPeers {
		if _, err := c.AddStaticPeer(sp); err != nil {
			demarc.Close()
			return nil, err
		}
	}
	return c, nil
}

// loadIdentity reads the identity file, creating it on first start. Without
// a path the node runs with a throwaway identity.
func loadIdentity(cfg config.IdentityConfig, logger *logrus.Logger) (*identity.Identity, error) {
	if cfg.Path == "" {
		logger.Warn("No identity.path configured, using an ephemeral identity")
		return identity.Generate()
	}

	id, err := identity.Load(cfg.Path)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load identity %s: %w", cfg.Path, err)
	}

	if id, err = identity.Generate(); err != nil {
		return nil, err
	}
	if err := id.Save(cfg.Path); err != nil {
		return nil, fmt.Errorf("save identity %s: %w", cfg.Path, err)
	}
	logger.WithField("path", cfg.Path).Info("Generated new identity")
	return id, nil
}

func applyBuffers(logger *logrus.Logger, d *udp.Demarc, port api.Port, cfg config.ListenConfig) {
	conn, ok := d.Conn(port)
	if !ok {
		return
	}
	if cfg.ReadBuffer > 0 {
		if err := conn.SetRecvBuffer(cfg.ReadBuffer); err != nil {
			logger.WithError(err).Error("Failed to set listen.read_buffer")
		} else {
			logger.WithField("size", cfg.ReadBuffer).Info("listen.read_buffer was set")
		}
	}
	if cfg.WriteBuffer > 0 {
		if err := conn.SetSendBuffer(cfg.WriteBuffer); err != nil {
			logger.WithError(err).Error("Failed to set listen.write_buffer")
		} else {
			logger.WithField("size", cfg.WriteBuffer).Info("listen.write_buffer was set")
		}
	}
}

// AddStaticPeer creates a configured peer and pins its endpoints when the
// configuration says so.
func (c *ControllersManager) AddStaticPeer(sp config.StaticPeerConfig) (*peer.Peer, error) {
	id, err := identity.Parse(sp.Identity)
	if err != nil {
		return nil, fmt.Errorf("static peer: %w", err)
	}

	p, err := peer.New(c.Identity, id, c.Demarc, c.Switch, c.peerOpts...)
	if err != nil {
		return nil, err
	}
	for _, ep := range sp.Endpoints {
		addr, err := netip.ParseAddrPort(ep)
		if err != nil {
			return nil, fmt.Errorf("static peer %s endpoint %q: %w", id.Address(), ep, err)
		}
		p.SetPathAddress(addr, sp.Fixed)
	}

	if err := c.Hosts.Add(p); err != nil {
		return nil, err
	}
	return p, nil
}

// Start runs the read loops and the keepalive timer, then greets every peer
// that already has a path.
func (c *ControllersManager) Start(ctx context.Context) error {
	ctx, c.cancel = context.WithCancel(ctx)

	for _, r := range c.runnables.runnables {
		c.wg.Add(1)
		go func(rn interfaces.Runnable) {
			defer c.wg.Done()
			if err := rn.Start(ctx); err != nil {
				c.logger.WithField("error", err).Error("Failed to start controller")
			}
		}(r)
	}

	c.Keepalive.Tick(c.Switch.now())
	return nil
}

// Stop shuts the node down and returns once every controller has exited.
func (c *ControllersManager) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	if err := c.Demarc.Close(); err != nil {
		c.logger.WithField("error", err).Error("Failed to close demarc")
	}
	c.wg.Wait()
	c.logger.Info("Goodbye")
}

func (c *ControllersManager) Shutdown() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM)
	signal.Notify(sigChan, syscall.SIGINT)

	rawSig := <-sigChan
	sig := rawSig.String()
	c.logger.WithField("signal", sig).Info("Caught signal, shutting down")
	c.Stop()
}
