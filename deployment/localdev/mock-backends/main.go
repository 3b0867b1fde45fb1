package main

import (
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"
)

type queryRequest struct {
	Service string `json:"service"`
	Metric  string `json:"metric"`
}

type containerState struct {
	Running      bool
	RestartCount int
	StartedAt    time.Time
	Degraded     bool
}

type backend struct {
	mu         sync.Mutex
	containers map[string]*containerState
}

func (b *backend) container(name string) *containerState {
	state, ok := b.containers[name]
	if !ok {
		state = &containerState{Running: true, StartedAt: time.Now()}
		b.containers[name] = state
	}
	return state
}

func (b *backend) metricValue(service, metric string, degraded bool) float64 {
	healthy := map[string]float64{
		"cpu_usage":    35.0,
		"memory_usage": 48.0,
		"network_rx":   120_000,
		"network_tx":   80_000,
		"request_rate": 42.0,
		"error_rate":   0.4,
	}
	unhealthy := map[string]float64{
		"cpu_usage":    94.0,
		"memory_usage": 97.0,
		"network_rx":   4_000,
		"network_tx":   2_500,
		"request_rate": 3.0,
		"error_rate":   18.0,
	}
	if degraded {
		return unhealthy[metric]
	}
	return healthy[metric]
}

func main() {
	b := &backend{containers: make(map[string]*containerState)}
	mux := http.NewServeMux()

	mux.HandleFunc("/api/v1/telemetry/query", func(w http.ResponseWriter, r *http.Request) {
		if !enforcePost(w, r) {
			return
		}
		var req queryRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		b.mu.Lock()
		degraded := b.container(req.Service).Degraded
		value := b.metricValue(req.Service, req.Metric, degraded)
		b.mu.Unlock()
		writeJSON(w, map[string]float64{"value": value})
	})

	mux.HandleFunc("/services/", func(w http.ResponseWriter, r *http.Request) {
		name := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/services/"), "/health")
		b.mu.Lock()
		state := b.container(name)
		unhealthy := state.Degraded || !state.Running
		b.mu.Unlock()
		if unhealthy {
			http.Error(w, "unhealthy", http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, map[string]string{"status": "ok"})
	})

	mux.HandleFunc("/containers/", func(w http.ResponseWriter, r *http.Request) {
		parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/containers/"), "/")
		if len(parts) != 2 {
			http.NotFound(w, r)
			return
		}
		name, op := parts[0], parts[1]

		b.mu.Lock()
		defer b.mu.Unlock()
		state := b.container(name)

		switch op {
		case "status":
			writeJSON(w, map[string]any{
				"name":          name,
				"running":       state.Running,
				"restart_count": state.RestartCount,
				"started_at":    state.StartedAt,
			})
		case "start":
			if !enforcePost(w, r) {
				return
			}
			state.Running = true
			state.StartedAt = time.Now()
			writeJSON(w, map[string]string{"result": "started"})
		case "restart":
			if !enforcePost(w, r) {
				return
			}
			state.Running = true
			state.RestartCount++
			state.StartedAt = time.Now()
			// A restart cures the simulated degradation.
			state.Degraded = false
			writeJSON(w, map[string]string{"result": "restarted"})
		case "stop":
			if !enforcePost(w, r) {
				return
			}
			state.Running = false
			writeJSON(w, map[string]string{"result": "stopped"})
		default:
			http.NotFound(w, r)
		}
	})

	// Flips a service into a degraded state so recovery can be exercised
	// end to end: curl -X POST 'localhost:8080/admin/degrade?service=checkout'
	mux.HandleFunc("/admin/degrade", func(w http.ResponseWriter, r *http.Request) {
		if !enforcePost(w, r) {
			return
		}
		service := r.URL.Query().Get("service")
		if service == "" {
			http.Error(w, "service query parameter required", http.StatusBadRequest)
			return
		}
		b.mu.Lock()
		b.container(service).Degraded = true
		b.mu.Unlock()
		writeJSON(w, map[string]string{"result": "degraded"})
	})

	logger := log.New(log.Writer(), "mock-backends ", log.LstdFlags|log.Lmicroseconds)
	srv := &http.Server{
		Addr:    ":8080",
		Handler: logRequests(logger, mux),
	}

	logger.Println("listening on :8080")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("server error: %v", err)
	}
}

func enforcePost(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("encode error: %v", err)
	}
}

func logRequests(logger *log.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		logger.Printf("%s %s %d %s", r.Method, r.URL.Path, rw.status, time.Since(start))
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}
