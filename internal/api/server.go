package api

import (
	"context"
	"net"
	"net/http"
	"time"
)

// NewServer wraps handler in an http.Server whose request contexts end
// when Shutdown starts, so event streams close instead of holding the
// shutdown open until its deadline.
func NewServer(addr string, handler http.Handler) *http.Server {
	base, cancel := context.WithCancel(context.Background())
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return base },
	}
	srv.RegisterOnShutdown(cancel)
	return srv
}
