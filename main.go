package main

import (
	"log"
	"net/http"
	"time"

	"golang.org/x/net/http2"
)

func main() {
	cfg := buildConfig()

	store, err := newFileAccountStore(cfg.poolDir, cfg.dbPath)
	if err != nil {
		log.Fatalf("main: failed to open account store: %v", err)
	}
	defer store.Close()

	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 20,
		IdleConnTimeout:     90 * time.Second,
	}
	if err := http2.ConfigureTransport(transport); err != nil {
		log.Printf("main: http2 transport configuration failed: %v", err)
	}
	httpClient := &http.Client{Transport: transport}

	refresher := NewRefresher(httpClient, cfg.refreshURL, cfg.oauthClientID)
	pool := NewPool(store, refresher)
	if err := pool.Load(); err != nil {
		log.Fatalf("main: failed to load account pool: %v", err)
	}
	log.Printf("main: loaded %d account(s) from %s", pool.Size(), cfg.poolDir)

	upstream := NewUpstreamClient(httpClient, cfg.baseURL, cfg)
	m := newMetrics()
	re := newRecentErrors(50)
	router := NewRouter(pool, upstream, cfg, m, re)

	listener := NewListener(cfg.listenAddr(), router)
	if err := listener.Run(cfg.requestTimeout); err != nil {
		log.Fatalf("main: listener exited with error: %v", err)
	}
}
