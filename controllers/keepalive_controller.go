package controllers

import (
	"context"
	"io"
	"time"

	"github.com/am6737/meshpeer/config"
	"github.com/am6737/meshpeer/host"
	"github.com/am6737/meshpeer/peer"
	"github.com/sirupsen/logrus"
)

// KeepaliveController 定时向对端发送 ping 和防火墙打洞包
type KeepaliveController struct {
	hosts  *host.HostMap
	cfg    config.PeerConfig
	period time.Duration
	logger *logrus.Logger
}

func NewKeepaliveController(logger *logrus.Logger, hosts *host.HostMap, cfg config.PeerConfig) *KeepaliveController {
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}
	return &KeepaliveController{
		hosts:  hosts,
		cfg:    cfg,
		period: time.Second,
		logger: logger,
	}
}

func (kc *KeepaliveController) Start(ctx context.Context) error {
	// 启动定时器，每秒检查一次
	ticker := time.NewTicker(kc.period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			kc.Tick(now)
		}
	}
}

// Tick pings every peer with a direct path that has not been sent to within
// the ping interval, and sends firewall openers on the same schedule. It
// returns how many pings and openers went out.
func (kc *KeepaliveController) Tick(now time.Time) (pings, openers int) {
	kc.hosts.Each(func(p *peer.Peer) {
		if !p.HasDirectPath() {
			return
		}
		if now.Sub(p.LastDirectSend()) >= kc.cfg.PingInterval && p.SendPing(now) {
			pings++
		}
		if now.Sub(p.LastFirewallOpener()) >= kc.cfg.FirewallOpenerInterval && p.SendFirewallOpener(now) {
			openers++
		}
	})

	if pings > 0 || openers > 0 {
		kc.logger.WithFields(logrus.Fields{
			"pings":   pings,
			"openers": openers,
		}).Debug("Keepalive tick")
	}
	return pings, openers
}
