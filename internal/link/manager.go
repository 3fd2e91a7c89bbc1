// Package link watches the radio transport and re-establishes it after a
// failure, without ever letting reconnect attempts storm the gateway.
package link

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/iainonline/meshtastic-weather-works/internal/logx"
	"github.com/iainonline/meshtastic-weather-works/internal/transport"
)

// Manager rate-limits reconnection and re-resolves the station's identity
// after each successful connect. Only the sensing tick calls it.
type Manager struct {
	log      *logx.Logger
	clk      clock.Clock
	tr       transport.Transport
	interval time.Duration

	onConnect   func(transport.NodeInfo)
	lastAttempt time.Time
}

// NewManager wires the manager. onConnect runs after every successful
// (re)connect with the radio's identity; the reconnecting node may differ
// from the one that just failed.
func NewManager(log *logx.Logger, clk clock.Clock, tr transport.Transport, interval time.Duration, onConnect func(transport.NodeInfo)) *Manager {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Manager{
		log:       log,
		clk:       clk,
		tr:        tr,
		interval:  interval,
		onConnect: onConnect,
	}
}

// EnsureConnected attempts a reconnect when the link is down and the minimum
// interval since the last attempt has passed. Returns whether the link is up
// afterwards. Failure is never fatal; the next eligible tick tries again.
func (m *Manager) EnsureConnected(ctx context.Context) bool {
	if m.tr.Connected() {
		return true
	}
	now := m.clk.Now()
	if !m.lastAttempt.IsZero() && now.Sub(m.lastAttempt) < m.interval {
		return false
	}
	m.lastAttempt = now

	m.log.Infof("LINK reconnecting (min interval %s)...", m.interval)
	info, err := m.tr.Connect(ctx)
	if err != nil {
		m.log.Warnf("LINK reconnect failed: %v", err)
		return false
	}
	if m.onConnect != nil {
		m.onConnect(info)
	}
	return true
}
