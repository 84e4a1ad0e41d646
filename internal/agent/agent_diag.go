package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

// serveDiagnostics exposes a loopback status listener for operators probing a
// headless agent. Binding failures are logged, never fatal.
func (a *Agent) serveDiagnostics(ctx context.Context, addr string) {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", a.healthzHandler)
	r.Get("/status", a.statusHandler)

	server := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, done := context.WithTimeout(context.Background(), 2*time.Second)
		defer done()
		_ = server.Shutdown(shutdownCtx)
	}()

	a.logger.Info("diagnostics listener starting", zap.String("addr", addr))
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		a.logger.Warn("diagnostics listener failed", zap.Error(err))
	}
}

func (a *Agent) healthzHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (a *Agent) statusHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.buildStatusReport(r.Context()))
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
