package server

import (
	"net/http"

	"MuseGen/metrics"

	"github.com/gorilla/mux"
)

// corsMiddleware 允许浏览器直接调用 API
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "86400") // 24 hours

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// NewAPIRouter 面向用户的路由
func NewAPIRouter(api *APIHandler, hub *StatusHub, verifier *TokenVerifier, m *metrics.Metrics) *mux.Router {
	router := mux.NewRouter()
	router.Use(corsMiddleware)

	router.Handle("/metrics", m.Handler()).Methods(http.MethodGet)
	router.HandleFunc("/ping", PingHandler).Methods(http.MethodGet)

	auth := func(h http.HandlerFunc) http.Handler { return verifier.AuthMiddleware(h) }
	router.Handle("/api/songs", auth(api.SubmitSongHandler)).Methods(http.MethodPost)
	// events 必须在 {id} 之前注册
	router.Handle("/api/songs/events", auth(hub.ServeWS)).Methods(http.MethodGet)
	router.Handle("/api/songs/{id}", auth(api.GetSongHandler)).Methods(http.MethodGet)
	router.Handle("/api/songs/{id}/play", auth(api.PlayHandler)).Methods(http.MethodGet)
	router.Handle("/api/songs/{id}/download", auth(api.DownloadHandler)).Methods(http.MethodGet)

	return router
}

// NewWorkerRouter 音频 worker 的路由
func NewWorkerRouter(h *WorkerHandler, m *metrics.Metrics) *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc("/ping", PingHandler).Methods(http.MethodGet)
	router.Handle("/metrics", m.Handler()).Methods(http.MethodGet)
	router.Handle("/process-audio", h.RequireAPIKey(http.HandlerFunc(h.ProcessAudioHandler))).Methods(http.MethodPost)
	return router
}
