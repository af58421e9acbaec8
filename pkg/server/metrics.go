package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "baccarat"

// Metrics tracks server runtime statistics.
// Counters are plain atomics; the prometheus registry reads them on scrape.
type Metrics struct {
	startTime time.Time
	registry  *prometheus.Registry
	sessions  atomic.Pointer[func() int]

	// Connection counters
	TotalConnections  atomic.Int64 // lifetime websocket connections accepted
	ActiveConnections atomic.Int64 // current open websocket connections
	FailedAuths       atomic.Int64 // rejected login attempts
	SuccessfulAuths   atomic.Int64 // accepted login attempts
	TotalDisconnects  atomic.Int64 // connections closed for any reason
	HandshakeTimeouts atomic.Int64 // connections closed before login

	// Session counters
	Evictions     atomic.Int64 // sessions replaced by a newer login
	ForcedLogouts atomic.Int64 // forced_logout notices delivered
	Unauthorized  atomic.Int64 // messages dropped for lack of session or permission

	// Fan-out counters
	ChatMessagesSent    atomic.Int64 // chat messages relayed
	ChatMessagesDropped atomic.Int64 // chat submissions rejected
	PresenceBroadcasts  atomic.Int64 // presence updates broadcast
	SlowConsumerDrops   atomic.Int64 // envelopes dropped on a full send queue

	// Admin counters
	KickCount      atomic.Int64
	BanCount       atomic.Int64
	BalanceUpdates atomic.Int64
}

// NewMetrics creates a new Metrics instance with its own prometheus registry.
func NewMetrics() *Metrics {
	m := &Metrics{startTime: time.Now(), registry: prometheus.NewRegistry()}

	counters := []struct {
		name, help string
		v          *atomic.Int64
	}{
		{"connections_total", "Websocket connections accepted.", &m.TotalConnections},
		{"auth_success_total", "Successful logins.", &m.SuccessfulAuths},
		{"auth_failed_total", "Rejected logins.", &m.FailedAuths},
		{"disconnects_total", "Closed websocket connections.", &m.TotalDisconnects},
		{"handshake_timeouts_total", "Connections closed before login.", &m.HandshakeTimeouts},
		{"evictions_total", "Sessions replaced by a newer login of the same user.", &m.Evictions},
		{"forced_logouts_total", "Forced logout notices delivered.", &m.ForcedLogouts},
		{"unauthorized_messages_total", "Messages dropped for lack of session or permission.", &m.Unauthorized},
		{"chat_messages_total", "Chat messages relayed.", &m.ChatMessagesSent},
		{"chat_rejected_total", "Chat submissions rejected.", &m.ChatMessagesDropped},
		{"presence_broadcasts_total", "Presence updates broadcast.", &m.PresenceBroadcasts},
		{"slow_consumer_drops_total", "Envelopes dropped because a send queue was full.", &m.SlowConsumerDrops},
		{"kicks_total", "Users kicked by an administrator.", &m.KickCount},
		{"bans_total", "Users banned by an administrator.", &m.BanCount},
		{"balance_updates_total", "Balance changes pushed to clients.", &m.BalanceUpdates},
	}
	for _, c := range counters {
		v := c.v
		m.registry.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      c.name,
			Help:      c.help,
		}, func() float64 { return float64(v.Load()) }))
	}

	m.registry.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "connections_active",
			Help:      "Open websocket connections.",
		}, func() float64 { return float64(m.ActiveConnections.Load()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "sessions_online",
			Help:      "Authenticated sessions.",
		}, func() float64 { return float64(m.onlineSessions()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "uptime_seconds",
			Help:      "Seconds since the server started.",
		}, func() float64 { return time.Since(m.startTime).Seconds() }),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// TrackSessions sets the source of the sessions_online gauge.
func (m *Metrics) TrackSessions(count func() int) {
	m.sessions.Store(&count)
}

func (m *Metrics) onlineSessions() int {
	if fn := m.sessions.Load(); fn != nil {
		return (*fn)()
	}
	return 0
}

// Registry exposes the collectors, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// MetricsSnapshot is a point-in-time view of all metrics as a serializable struct.
type MetricsSnapshot struct {
	Uptime        string `json:"uptime"`
	UptimeSeconds int64  `json:"uptime_seconds"`

	ActiveConnections int64 `json:"active_connections"`
	TotalConnections  int64 `json:"total_connections"`
	SessionsOnline    int64 `json:"sessions_online"`
	SuccessfulAuths   int64 `json:"successful_auths"`
	FailedAuths       int64 `json:"failed_auths"`
	TotalDisconnects  int64 `json:"total_disconnects"`
	HandshakeTimeouts int64 `json:"handshake_timeouts"`

	Evictions     int64 `json:"evictions"`
	ForcedLogouts int64 `json:"forced_logouts"`
	Unauthorized  int64 `json:"unauthorized"`

	ChatMessagesSent    int64 `json:"chat_messages_sent"`
	ChatMessagesDropped int64 `json:"chat_messages_dropped"`
	PresenceBroadcasts  int64 `json:"presence_broadcasts"`
	SlowConsumerDrops   int64 `json:"slow_consumer_drops"`

	KickCount      int64 `json:"kick_count"`
	BanCount       int64 `json:"ban_count"`
	BalanceUpdates int64 `json:"balance_updates"`
}

// Snapshot returns a read-consistent snapshot of all metrics.
func (m *Metrics) Snapshot() MetricsSnapshot {
	uptime := time.Since(m.startTime)
	return MetricsSnapshot{
		Uptime:              uptime.Truncate(time.Second).String(),
		UptimeSeconds:       int64(uptime.Seconds()),
		ActiveConnections:   m.ActiveConnections.Load(),
		TotalConnections:    m.TotalConnections.Load(),
		SessionsOnline:      int64(m.onlineSessions()),
		SuccessfulAuths:     m.SuccessfulAuths.Load(),
		FailedAuths:         m.FailedAuths.Load(),
		TotalDisconnects:    m.TotalDisconnects.Load(),
		HandshakeTimeouts:   m.HandshakeTimeouts.Load(),
		Evictions:           m.Evictions.Load(),
		ForcedLogouts:       m.ForcedLogouts.Load(),
		Unauthorized:        m.Unauthorized.Load(),
		ChatMessagesSent:    m.ChatMessagesSent.Load(),
		ChatMessagesDropped: m.ChatMessagesDropped.Load(),
		PresenceBroadcasts:  m.PresenceBroadcasts.Load(),
		SlowConsumerDrops:   m.SlowConsumerDrops.Load(),
		KickCount:           m.KickCount.Load(),
		BanCount:            m.BanCount.Load(),
		BalanceUpdates:      m.BalanceUpdates.Load(),
	}
}

// JSON returns the metrics snapshot as a JSON string.
func (m *Metrics) JSON() string {
	data, err := json.MarshalIndent(m.Snapshot(), "", "  ")
	if err != nil {
		return "{}"
	}
	return string(data)
}

// LogSummary writes a periodic metrics summary to the logger.
func (m *Metrics) LogSummary() {
	s := m.Snapshot()
	slog.Info("metrics",
		"uptime", s.Uptime,
		"connections", s.ActiveConnections,
		"sessions", s.SessionsOnline,
		"total_connections", s.TotalConnections,
		"evictions", s.Evictions,
		"chat_msgs", s.ChatMessagesSent,
		"slow_drops", s.SlowConsumerDrops,
	)
}

// StartPeriodicLog starts a goroutine that logs metrics every interval.
// It stops when the done channel is closed.
func (m *Metrics) StartPeriodicLog(interval time.Duration, done <-chan struct{}) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				m.LogSummary()
			}
		}
	}()
}
