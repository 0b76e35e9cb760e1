package api

import (
	"net/http"

	"github.com/sirupsen/logrus"

	"video-segmentation/internal/auth"
)

func SetupRoutes(h *Handler, tokens *auth.TokenManager, logger logrus.FieldLogger) http.Handler {
	mux := http.NewServeMux()

	// Health check
	mux.HandleFunc("GET /health", h.HealthCheck)
	mux.HandleFunc("GET /api/v1/health", h.HealthCheck)

	// Sessions
	mux.HandleFunc("POST /api/v1/sessions", h.CreateSession)
	mux.HandleFunc("GET /api/v1/sessions", h.ListSessions)
	mux.HandleFunc("GET /api/v1/sessions/{id}", h.GetSession)
	mux.HandleFunc("DELETE /api/v1/sessions/{id}", h.DeleteSession)
	mux.HandleFunc("POST /api/v1/sessions/{id}/annotations", h.Annotate)
	mux.HandleFunc("POST /api/v1/sessions/{id}/reset", h.ResetSession)
	mux.HandleFunc("POST /api/v1/sessions/{id}/propagate", h.Propagate)
	mux.HandleFunc("GET /api/v1/sessions/{id}/results", h.GetResults)
	mux.HandleFunc("POST /api/v1/sessions/{id}/render", h.Render)
	mux.HandleFunc("GET /api/v1/sessions/{id}/frames", h.ListFrames)
	mux.HandleFunc("GET /api/v1/sessions/{id}/frames/{index}", h.ServeFrame)

	mux.HandleFunc("GET /api/v1/stats", h.GetStats)
	mux.HandleFunc("GET /api/v1/history", h.GetHistory)
	mux.HandleFunc("GET /api/v1/history/{id}", h.GetHistoryEntry)

	// WebRTC data channel streaming
	if h.webrtcHandler != nil {
		mux.HandleFunc("POST /api/v1/webrtc/offer", h.StartWebRTCStream)
		mux.HandleFunc("POST /api/v1/webrtc/candidate", h.HandleICECandidate)
		mux.HandleFunc("POST /api/v1/webrtc/{id}/close", h.CloseWebRTCStream)
		mux.HandleFunc("GET /api/v1/webrtc/stats", h.GetWebRTCStats)
	}

	// Routes of the first version of the service
	mux.HandleFunc("POST /create_session/{$}", h.LegacyCreateSession)
	mux.HandleFunc("POST /add_new_points/{$}", h.LegacyAddPoints)
	mux.HandleFunc("POST /propagate_in_video", h.LegacyPropagate)
	mux.HandleFunc("POST /generate_video", h.LegacyGenerateVideo)
	mux.HandleFunc("GET /masks/{id}", h.LegacyMasks)
	mux.HandleFunc("DELETE /delete_session/{id}", h.LegacyDeleteSession)

	// Apply middleware
	var handler http.Handler = mux
	if tokens != nil {
		handler = AuthMiddleware(handler, tokens, "/health", "/api/v1/health")
	}
	handler = LoggingMiddleware(handler, logger)
	handler = RecoveryMiddleware(handler, logger)
	handler = CORSMiddleware(handler, h.config.CORSOrigins)

	return handler
}
