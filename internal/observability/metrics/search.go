package metrics

import (
	"strconv"
	"time"
)

// ObserveSearch implements the search observer port.
func (m *Metrics) ObserveSearch(outcome string, results int, elapsedSeconds float64) {
	m.searchTotal.WithLabelValues(m.service, outcome).Inc()
	m.searchDuration.WithLabelValues(m.service, outcome).Observe(elapsedSeconds)
	if outcome == "ok" {
		m.searchResults.Observe(float64(results))
	}
}

func (m *Metrics) ObserveRebuild(status string, chunks int) {
	m.rebuildsTotal.WithLabelValues(m.service, status).Inc()
	if status == "ok" {
		m.storeChunks.Set(float64(chunks))
	}
}

// ObserveRPC records one answered JSON-RPC request. code is 0 on success.
func (m *Metrics) ObserveRPC(transport, method string, code int, duration time.Duration) {
	if method == "" {
		method = "unknown"
	}
	m.rpcRequestsTotal.WithLabelValues(m.service, transport, method, strconv.Itoa(code)).Inc()
	m.rpcDuration.WithLabelValues(m.service, method).Observe(duration.Seconds())
}

func (m *Metrics) ConnOpened() { m.rpcConnections.Inc() }

func (m *Metrics) ConnClosed() { m.rpcConnections.Dec() }
