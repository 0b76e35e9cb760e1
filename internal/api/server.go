package api

import (
	"context"
	"net"
	"net/http"
	"time"

	"video-segmentation/internal/config"
)

// NewHTTPServer builds the server. Request contexts derive from base, so
// cancelling it ends in-flight propagation streams.
func NewHTTPServer(cfg *config.Config, handler http.Handler, base context.Context) *http.Server {
	return &http.Server{
		Addr:              cfg.ServerAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		BaseContext:       func(net.Listener) context.Context { return base },
	}
}
