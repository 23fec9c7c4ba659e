// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package ratelimit throttles connection attempts per IP address and
// publishes and subscriptions per client.
package ratelimit

import (
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Config holds rate limiting configuration.
type Config struct {
	Enabled bool `yaml:"enabled"`

	Connection ConnectionConfig `yaml:"connection"`
	Publish    LimitConfig      `yaml:"publish"`
	Subscribe  LimitConfig      `yaml:"subscribe"`
}

// ConnectionConfig holds per-IP connection rate limiting settings.
type ConnectionConfig struct {
	LimitConfig     `yaml:",inline"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"` // idle entries are evicted after two intervals
}

// LimitConfig is a token bucket: Rate events per second with Burst allowance.
type LimitConfig struct {
	Enabled bool    `yaml:"enabled"`
	Rate    float64 `yaml:"rate"`
	Burst   int     `yaml:"burst"`
}

// DefaultConfig returns a sensible default configuration.
func DefaultConfig() Config {
	return Config{
		Enabled: false,
		Connection: ConnectionConfig{
			LimitConfig:     LimitConfig{Enabled: true, Rate: 100.0 / 60.0, Burst: 20}, // 100 connections per minute per IP
			CleanupInterval: 5 * time.Minute,
		},
		Publish:   LimitConfig{Enabled: true, Rate: 1000, Burst: 100},
		Subscribe: LimitConfig{Enabled: true, Rate: 100, Burst: 10},
	}
}

// keyed is a set of token buckets sharing one limit, keyed by IP or client ID.
type keyed struct {
	mu      sync.Mutex
	entries map[string]*entry
	limit   rate.Limit
	burst   int
}

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newKeyed(cfg LimitConfig) *keyed {
	if !cfg.Enabled {
		return nil
	}
	return &keyed{
		entries: make(map[string]*entry),
		limit:   rate.Limit(cfg.Rate),
		burst:   cfg.Burst,
	}
}

func (k *keyed) allow(key string, now time.Time) bool {
	k.mu.Lock()
	e, ok := k.entries[key]
	if !ok {
		e = &entry{limiter: rate.NewLimiter(k.limit, k.burst)}
		k.entries[key] = e
	}
	e.lastSeen = now
	limiter := e.limiter
	k.mu.Unlock()

	return limiter.AllowN(now, 1)
}

func (k *keyed) remove(key string) {
	k.mu.Lock()
	delete(k.entries, key)
	k.mu.Unlock()
}

func (k *keyed) evict(before time.Time) int {
	k.mu.Lock()
	defer k.mu.Unlock()

	n := 0
	for key, e := range k.entries {
		if e.lastSeen.Before(before) {
			delete(k.entries, key)
			n++
		}
	}
	return n
}

func (k *keyed) len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.entries)
}

// Manager coordinates all rate limiters. A nil limiter means the check is disabled.
type Manager struct {
	conn      *keyed
	publish   *keyed
	subscribe *keyed

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewManager creates a new rate limit manager.
func NewManager(cfg Config) *Manager {
	m := &Manager{stopCh: make(chan struct{})}
	if !cfg.Enabled {
		return m
	}

	m.conn = newKeyed(cfg.Connection.LimitConfig)
	m.publish = newKeyed(cfg.Publish)
	m.subscribe = newKeyed(cfg.Subscribe)

	if m.conn != nil && cfg.Connection.CleanupInterval > 0 {
		go m.cleanupLoop(cfg.Connection.CleanupInterval)
	}
	return m
}

// AllowConnection checks if a new connection from the given address is allowed.
// Addresses without an IP are always allowed.
func (m *Manager) AllowConnection(addr net.Addr) bool {
	if m.conn == nil {
		return true
	}
	ip := extractIP(addr)
	if ip == "" {
		return true
	}
	return m.conn.allow(ip, time.Now())
}

// AllowPublish checks if a publish from the given client is allowed.
func (m *Manager) AllowPublish(clientID string) bool {
	if m.publish == nil {
		return true
	}
	return m.publish.allow(clientID, time.Now())
}

// AllowSubscribe checks if a subscription from the given client is allowed.
func (m *Manager) AllowSubscribe(clientID string) bool {
	if m.subscribe == nil {
		return true
	}
	return m.subscribe.allow(clientID, time.Now())
}

// OnClientDisconnect drops the client's publish and subscribe buckets.
func (m *Manager) OnClientDisconnect(clientID string) {
	if m.publish != nil {
		m.publish.remove(clientID)
	}
	if m.subscribe != nil {
		m.subscribe.remove(clientID)
	}
}

// Stop stops the cleanup goroutine.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
}

func (m *Manager) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case now := <-ticker.C:
			m.conn.evict(now.Add(-2 * interval))
		case <-m.stopCh:
			return
		}
	}
}

// extractIP extracts the IP address from a net.Addr.
func extractIP(addr net.Addr) string {
	if addr == nil {
		return ""
	}

	switch a := addr.(type) {
	case *net.TCPAddr:
		return a.IP.String()
	case *net.UDPAddr:
		return a.IP.String()
	default:
		host, _, err := net.SplitHostPort(addr.String())
		if err != nil {
			return addr.String()
		}
		return host
	}
}
