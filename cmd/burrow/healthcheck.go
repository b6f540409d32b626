package main

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/pkg/errors"
)

const healthcheckTimeout = 10 * time.Second

type healthcheck func(ctx context.Context) error

// healthcheckManager runs registered checks and reports status over the
// management listener.
type healthcheckManager struct {
	mu           sync.Mutex
	healthchecks map[string]healthcheck
}

func newHealthcheckManager() *healthcheckManager {
	return &healthcheckManager{healthchecks: make(map[string]healthcheck)}
}

func (m *healthcheckManager) AddCheck(name string, h healthcheck) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.healthchecks[name] = h
}

func (m *healthcheckManager) CheckHealth(ctx context.Context) error {
	m.mu.Lock()
	checks := make(map[string]healthcheck, len(m.healthchecks))
	for name, check := range m.healthchecks {
		checks[name] = check
	}
	m.mu.Unlock()

	for name, check := range checks {
		if err := check(ctx); err != nil {
			return errors.Wrapf(err, "%s is unhealthy", name)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return nil
}

func (m *healthcheckManager) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthcheckTimeout)
	defer cancel()

	w.Header().Set("Content-Type", "application/json")
	if err := m.CheckHealth(ctx); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "unhealthy", "error": err.Error()})
		return
	}

	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}
