// Package metrics emits StatsD counters and timers for channel lifecycle
// events, replacing the original MozSvcMetrics/cadence emitter with the
// UDP-based cactus/go-statsd-client equivalent.
package metrics

import (
	"time"

	"github.com/cactus/go-statsd-client/v5/statsd"
)

// Metrics is the event surface the broker and transport layers report to.
type Metrics interface {
	ConnRequest(kind string)
	ConnCreate()
	ConnMaxConn()
	ConnMaxData()
	ConnMaxMsg()
	ConnExpired()
	ConnTimeout()
	ConnLength(d time.Duration)
	Close() error
}

type statsdMetrics struct {
	client statsd.Statter
}

// New dials a StatsD client bound to addr (host:port). When addr is empty,
// a no-op client is used so the server still runs without a collector.
func New(addr, prefix string) (Metrics, error) {
	if addr == "" {
		client, err := statsd.NewNoopClient()
		if err != nil {
			return nil, err
		}
		return &statsdMetrics{client: client}, nil
	}
	client, err := statsd.NewClient(addr, prefix)
	if err != nil {
		return nil, err
	}
	return &statsdMetrics{client: client}, nil
}

func (m *statsdMetrics) ConnRequest(kind string) {
	_ = m.client.Inc("conn.request."+kind, 1, 1.0)
}

func (m *statsdMetrics) ConnCreate() {
	_ = m.client.Inc("conn.create", 1, 1.0)
}

func (m *statsdMetrics) ConnMaxConn() {
	_ = m.client.Inc("conn.max.conn", 1, 1.0)
}

func (m *statsdMetrics) ConnMaxData() {
	_ = m.client.Inc("conn.max.data", 1, 1.0)
}

func (m *statsdMetrics) ConnMaxMsg() {
	_ = m.client.Inc("conn.max.msg", 1, 1.0)
}

func (m *statsdMetrics) ConnExpired() {
	_ = m.client.Inc("conn.expired", 1, 1.0)
}

func (m *statsdMetrics) ConnTimeout() {
	_ = m.client.Inc("conn.timeout", 1, 1.0)
}

func (m *statsdMetrics) ConnLength(d time.Duration) {
	_ = m.client.TimingDuration("conn.length", d, 1.0)
}

func (m *statsdMetrics) Close() error {
	return m.client.Close()
}
