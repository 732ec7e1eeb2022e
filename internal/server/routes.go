package server

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/callisto-rtc/callisto/internal/signaling"
)

// Configure the websocket upgrader.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  64 * 1024, // 64 KB
	WriteBufferSize: 64 * 1024, // 64 KB

	// We need to check the origin, but for development, we can allow all.
	// In production, you'd check r.Header.Get("Origin") against your
	// frontend's domain.
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// NewMux wires the signaling endpoint, health check and metrics.
func NewMux(logger *slog.Logger, dispatcher *signaling.Dispatcher) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", healthCheckHandler)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ws", ServeWs(logger, dispatcher))
	return mux
}

func healthCheckHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("Signaling server is healthy."))
}

// ServeWs returns an http.HandlerFunc that upgrades websocket requests and
// starts the per-connection pumps.
func ServeWs(logger *slog.Logger, dispatcher *signaling.Dispatcher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Warn("failed to upgrade connection", "error", err)
			return
		}

		client := dispatcher.NewClient(conn)

		go client.WritePump()
		go client.ReadPump()
	}
}
