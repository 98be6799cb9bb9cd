package main

import (
	"fmt"
	"net/http"
	"sort"
	"sync"
)

// metrics is a hand-formatted Prometheus text exposition, grounded on the
// teacher's metrics.go (no client library, same as the teacher). Counters
// are keyed by account name and outcome rather than the teacher's
// per-provider status codes.
type metrics struct {
	mu       sync.Mutex
	outcomes map[string]map[string]int64 // account -> outcome -> count
}

func newMetrics() *metrics {
	return &metrics{outcomes: make(map[string]map[string]int64)}
}

func (m *metrics) inc(account, outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	byOutcome, ok := m.outcomes[account]
	if !ok {
		byOutcome = make(map[string]int64)
		m.outcomes[account] = byOutcome
	}
	byOutcome[outcome]++
}

func (m *metrics) serve(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	defer m.mu.Unlock()

	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	fmt.Fprintln(w, "# HELP gateway_requests_total Requests per account and outcome.")
	fmt.Fprintln(w, "# TYPE gateway_requests_total counter")

	accounts := make([]string, 0, len(m.outcomes))
	for a := range m.outcomes {
		accounts = append(accounts, a)
	}
	sort.Strings(accounts)

	for _, a := range accounts {
		byOutcome := m.outcomes[a]
		outcomes := make([]string, 0, len(byOutcome))
		for o := range byOutcome {
			outcomes = append(outcomes, o)
		}
		sort.Strings(outcomes)
		for _, o := range outcomes {
			fmt.Fprintf(w, "gateway_requests_total{account=%q,outcome=%q} %d\n", a, o, byOutcome[o])
		}
	}
}
