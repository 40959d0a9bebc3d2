package main

import (
	"encoding/json"
	"math/rand/v2"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

// mockState tracks status and next change time for a single service.
type mockState struct {
	statusIdx    int
	nextChangeAt time.Time
}

// newMockHealthHandler serves /health?svc=name with a status that cycles
// through ok, degraded and down every 20-60 seconds per service.
func newMockHealthHandler(logger *zap.Logger) http.Handler {
	var (
		states = make(map[string]*mockState)
		mu     sync.Mutex
	)
	statuses := []string{"ok", "degraded", "down"}
	nextChange := func() time.Time {
		return time.Now().Add(time.Duration(20+rand.IntN(41)) * time.Second)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		svc := r.URL.Query().Get("svc")

		// latency variance
		time.Sleep(time.Duration(50+rand.IntN(150)) * time.Millisecond)

		mu.Lock()
		state, ok := states[svc]
		if !ok {
			state = &mockState{nextChangeAt: nextChange()}
			states[svc] = state
		}
		if time.Now().After(state.nextChangeAt) {
			from := statuses[state.statusIdx]
			state.statusIdx = (state.statusIdx + 1) % len(statuses)
			state.nextChangeAt = nextChange()
			logger.Info("status change",
				zap.String("svc", svc),
				zap.String("from", from),
				zap.String("to", statuses[state.statusIdx]),
			)
		}
		status := statuses[state.statusIdx]
		mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{
			"svc":    svc,
			"status": status,
		})
	})
	return mux
}
