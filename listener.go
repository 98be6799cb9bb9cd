package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/net/http2"
)

// Listener is the HTTP Listener of spec.md §4.6: accepts connections,
// dispatches to the Router, and drains in flight requests on shutdown.
// Grounded on the teacher's main.go HTTP/2 tuning (long-lived streaming
// connections), supplemented with a graceful-shutdown path the teacher
// never implements.
type Listener struct {
	srv *http.Server
}

func NewListener(addr string, handler http.Handler) *Listener {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 30 * time.Second,
		IdleTimeout:       5 * time.Minute,
	}

	h2 := &http2.Server{
		MaxConcurrentStreams:        250,
		IdleTimeout:                 5 * time.Minute,
		MaxUploadBufferPerConnection: 1 << 20,
		MaxUploadBufferPerStream:     1 << 20,
	}
	if err := http2.ConfigureServer(srv, h2); err != nil {
		log.Printf("listener: http2 configuration failed: %v", err)
	}

	return &Listener{srv: srv}
}

// Run serves until a SIGINT/SIGTERM is received, then drains in-flight
// requests bounded by drainTimeout before returning.
func (l *Listener) Run(drainTimeout time.Duration) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		log.Printf("listening on %s", l.srv.Addr)
		errCh <- l.srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	case <-sigCh:
		log.Printf("listener: shutting down")
		ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
		defer cancel()
		return l.srv.Shutdown(ctx)
	}
}
