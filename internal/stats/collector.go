/*
Package stats keeps in-memory counters for relayed connections.

Counters are atomics keyed through sync.Map so the hot path never takes a
lock. Hostnames come from clients, so only the first MaxHosts distinct names
get their own counters; later names are folded into "(other)". Snapshot produces a consistent-enough copy for the admin API and the
periodic summary log line.
*/
package stats

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AtDexters-Lab/sni-relay/internal/routing"
)

const (
	// MaxHosts bounds how many distinct hostnames are tracked individually.
	MaxHosts = 1024

	noHost    = "(none)"
	otherHost = "(other)"
)

// hostStats holds per-hostname counters.
type hostStats struct {
	Connections atomic.Int64
	BytesIn     atomic.Int64
	BytesOut    atomic.Int64
}

// Collector accumulates relay statistics.
type Collector struct {
	started time.Time

	accepted atomic.Int64
	routed   atomic.Int64
	active   atomic.Int64

	hosts      sync.Map // string -> *hostStats
	hostCount  atomic.Int64
	maxHosts   int64
	rejections sync.Map // string -> *atomic.Int64
	matches    sync.Map // string -> *atomic.Int64
}

// NewCollector creates a new collector.
func NewCollector() *Collector {
	return &Collector{started: time.Now(), maxHosts: MaxHosts}
}

// RecordAccepted counts a newly accepted client connection.
func (c *Collector) RecordAccepted() {
	c.accepted.Add(1)
}

// RecordRejected counts a connection dropped for reason.
func (c *Collector) RecordRejected(reason string) {
	counter(&c.rejections, reason).Add(1)
}

// RecordRouted counts a connection handed to a backend. Every call must be
// paired with RecordClosed.
func (c *Collector) RecordRouted(hostname string, match routing.Match) {
	c.routed.Add(1)
	c.active.Add(1)
	counter(&c.matches, match.String()).Add(1)
	c.host(hostname).Connections.Add(1)
}

// RecordClosed records the end of a routed session.
func (c *Collector) RecordClosed(hostname string, bytesIn, bytesOut int64) {
	c.active.Add(-1)
	hs := c.host(hostname)
	hs.BytesIn.Add(bytesIn)
	hs.BytesOut.Add(bytesOut)
}

func (c *Collector) host(hostname string) *hostStats {
	if hostname == "" {
		hostname = noHost
	}
	if v, ok := c.hosts.Load(hostname); ok {
		return v.(*hostStats)
	}
	reserved := c.hostCount.Add(1) <= c.maxHosts
	if !reserved {
		c.hostCount.Add(-1)
		hostname = otherHost
	}
	v, loaded := c.hosts.LoadOrStore(hostname, &hostStats{})
	if loaded && reserved {
		// Another caller stored the same name first.
		c.hostCount.Add(-1)
	}
	return v.(*hostStats)
}

func counter(m *sync.Map, key string) *atomic.Int64 {
	v, _ := m.LoadOrStore(key, &atomic.Int64{})
	return v.(*atomic.Int64)
}

// HostSnapshot is the per-hostname part of a Snapshot.
type HostSnapshot struct {
	Hostname    string `json:"hostname"`
	Connections int64  `json:"connections"`
	BytesIn     int64  `json:"bytes_in"`
	BytesOut    int64  `json:"bytes_out"`
}

// Snapshot is a point-in-time copy of all counters.
type Snapshot struct {
	Uptime     string           `json:"uptime"`
	Accepted   int64            `json:"accepted"`
	Routed     int64            `json:"routed"`
	Active     int64            `json:"active"`
	Rejections map[string]int64 `json:"rejections"`
	Matches    map[string]int64 `json:"matches"`
	Hosts      []HostSnapshot   `json:"hosts"`
}

// Snapshot returns the current counters. Hosts are ordered by connection
// count, busiest first.
func (c *Collector) Snapshot() Snapshot {
	s := Snapshot{
		Uptime:     time.Since(c.started).Truncate(time.Second).String(),
		Accepted:   c.accepted.Load(),
		Routed:     c.routed.Load(),
		Active:     c.active.Load(),
		Rejections: collect(&c.rejections),
		Matches:    collect(&c.matches),
		Hosts:      []HostSnapshot{},
	}
	c.hosts.Range(func(k, v any) bool {
		hs := v.(*hostStats)
		s.Hosts = append(s.Hosts, HostSnapshot{
			Hostname:    k.(string),
			Connections: hs.Connections.Load(),
			BytesIn:     hs.BytesIn.Load(),
			BytesOut:    hs.BytesOut.Load(),
		})
		return true
	})
	sort.Slice(s.Hosts, func(i, j int) bool {
		if s.Hosts[i].Connections != s.Hosts[j].Connections {
			return s.Hosts[i].Connections > s.Hosts[j].Connections
		}
		return s.Hosts[i].Hostname < s.Hosts[j].Hostname
	})
	return s
}

func collect(m *sync.Map) map[string]int64 {
	out := make(map[string]int64)
	m.Range(func(k, v any) bool {
		out[k.(string)] = v.(*atomic.Int64).Load()
		return true
	})
	return out
}
