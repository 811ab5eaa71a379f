package internal

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
)

type Metrics struct {
	connects      atomic.Uint64
	activeConns   atomic.Int64
	published     atomic.Uint64
	deliveries    atomic.Uint64
	rejected      atomic.Uint64
	dropped       atomic.Uint64
	rateLimited   atomic.Uint64
	uploads       atomic.Uint64
	uploadsFailed atomic.Uint64
}

func NewMetrics() *Metrics {
	return &Metrics{}
}

func (m *Metrics) IncConn() {
	m.connects.Add(1)
	m.activeConns.Add(1)
}

func (m *Metrics) DecConn() {
	m.activeConns.Add(-1)
}

// IncPublished records one accepted message delivered to the given number of peers.
func (m *Metrics) IncPublished(peers int) {
	m.published.Add(1)
	m.deliveries.Add(uint64(peers))
}

func (m *Metrics) IncRejected() {
	m.rejected.Add(1)
}

func (m *Metrics) IncDropped() {
	m.dropped.Add(1)
}

func (m *Metrics) IncRateLimited() {
	m.rateLimited.Add(1)
}

func (m *Metrics) IncUpload(ok bool) {
	if ok {
		m.uploads.Add(1)
		return
	}
	m.uploadsFailed.Add(1)
}

func (m *Metrics) snapshot() map[string]any {
	return map[string]any{
		"connects_total":        m.connects.Load(),
		"active_connections":    m.activeConns.Load(),
		"messages_published":    m.published.Load(),
		"deliveries_total":      m.deliveries.Load(),
		"messages_rejected":     m.rejected.Load(),
		"deliveries_dropped":    m.dropped.Load(),
		"messages_rate_limited": m.rateLimited.Load(),
		"uploads_total":         m.uploads.Load(),
		"uploads_failed":        m.uploadsFailed.Load(),
	}
}

func (m *Metrics) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(m.snapshot())
}
