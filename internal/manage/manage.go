// Package manage implements the server's HTTP management endpoints.
package manage

import (
	"fmt"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/gorelay/gorelayd/internal/statistics"
)

// Notifier wraps a config-reload notification.
type Notifier interface {
	Notify()
}

// Manager handles management HTTP endpoints: /reload triggers a config
// reload via Notifier, /stats reports aggregate traffic counters from a
// statistics.Registry.
type Manager struct {
	notifier Notifier
	stats    *statistics.Registry
	l        *zap.Logger
}

func (m Manager) fprintln(w io.Writer, a ...interface{}) {
	if _, err := fmt.Fprintln(w, a...); err != nil {
		m.l.Warn("failed to write", zap.Error(err))
	}
}

// ServeHTTP implements http.Handler.
func (m Manager) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/reload":
		m.l.Info("got reload request")
		w.WriteHeader(http.StatusOK)
		m.notifier.Notify()
		m.fprintln(w, "server will be reloaded soon")
	case "/stats":
		w.WriteHeader(http.StatusOK)
		if m.stats == nil {
			m.fprintln(w, "{}")
			return
		}
		t := m.stats.Totals()
		m.fprintln(w, fmt.Sprintf(
			`{"packets_received":%d,"packets_sent":%d,"bytes_received":%d,"bytes_sent":%d,"errors":%d}`,
			t.PacketsReceived, t.PacketsSent, t.BytesReceived, t.BytesSent, t.Errors))
	default:
		w.WriteHeader(http.StatusNotFound)
		m.fprintln(w, "management endpoint not found")
	}
}

// NewManager initializes and returns a Manager.
func NewManager(l *zap.Logger, n Notifier, stats *statistics.Registry) Manager {
	return Manager{l: l, notifier: n, stats: stats}
}
