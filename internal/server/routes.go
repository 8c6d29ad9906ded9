package server

import "net/http"

// routes configures the node's ServeMux: the WebSocket endpoint, health and
// metrics, the alert endpoint and the test page.
func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/", RootHandler)
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/test", TestPageHandler)
	mux.HandleFunc("/admin/alerts", s.handleAlert)
	if s.health != nil {
		mux.Handle("/healthz", s.health)
	}
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics.Handler())
	}
	return mux
}
