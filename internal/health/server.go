package health

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"
)

// Checker holds the probes reported by /healthz. Nil probes are skipped.
type Checker struct {
	DBPing       func(ctx context.Context) error
	RPCPing      func(ctx context.Context) error
	ArtifactPing func(ctx context.Context) error
	BackendPing  func(ctx context.Context) error
	// Bindings reports the number of live event subscriptions.
	Bindings func() int
}

// Handler serves /healthz. Any failing probe turns the response into a 503.
func Handler(checker Checker) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()

		status := map[string]string{"status": "ok"}
		code := http.StatusOK

		probes := []struct {
			name string
			fn   func(context.Context) error
		}{
			{"db", checker.DBPing},
			{"rpc", checker.RPCPing},
			{"artifacts", checker.ArtifactPing},
			{"backend", checker.BackendPing},
		}
		for _, p := range probes {
			if p.fn == nil {
				continue
			}
			if err := p.fn(ctx); err != nil {
				status[p.name] = "fail"
				code = http.StatusServiceUnavailable
			} else {
				status[p.name] = "ok"
			}
		}
		if checker.Bindings != nil {
			status["bindings"] = strconv.Itoa(checker.Bindings())
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(status)
	})
	return mux
}

// Serve starts the health server in the background.
func Serve(addr string, checker Checker) *http.Server {
	srv := &http.Server{
		Addr:              addr,
		Handler:           Handler(checker),
		ReadHeaderTimeout: 3 * time.Second,
	}
	go func() { _ = srv.ListenAndServe() }()
	return srv
}

// Shutdown gracefully shuts down the health server.
func Shutdown(ctx context.Context, srv *http.Server) error {
	return srv.Shutdown(ctx)
}
