// Package ops exposes the operational HTTP surface: health, readiness,
// metrics and an on-demand reconciliation trigger. There is no end-user
// facing API in this service.
package ops

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/openmart/searchsync/internal/domain"
	"github.com/openmart/searchsync/internal/reconcile"
)

// NewRouter builds the operational router.
func NewRouter(health *Health, reconciler *reconcile.Reconciler, logger *slog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", health.LivenessHandler())
	r.Get("/readyz", health.ReadinessHandler())
	r.Handle("/metrics", promhttp.Handler())

	if reconciler != nil {
		r.Post("/reconcile", triggerReconcile(reconciler, logger))
		r.Post("/reconcile/{entityType}/{id}", triggerEntityReconcile(reconciler, logger))
	}

	return r
}

// triggerReconcile starts a full sweep in the background and returns 202.
func triggerReconcile(reconciler *reconcile.Reconciler, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// Detached from the request context: the sweep outlives the request.
		ctx := context.WithoutCancel(r.Context())
		go func() {
			report, err := reconciler.RunOnce(ctx)
			if err != nil {
				logger.Error("on-demand reconciliation failed", slog.String("error", err.Error()))
				return
			}
			logger.Info("on-demand reconciliation finished",
				slog.Int("checked", report.Checked),
				slog.Int("drifted", report.Drifted),
				slog.Int("repaired", report.Repaired),
			)
		}()
		w.WriteHeader(http.StatusAccepted)
	}
}

// triggerEntityReconcile repairs a single entity synchronously.
func triggerEntityReconcile(reconciler *reconcile.Reconciler, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		entityType := chi.URLParam(r, "entityType")
		id := chi.URLParam(r, "id")

		if !domain.IsValidEntityType(entityType) {
			http.Error(w, "unknown entity type", http.StatusBadRequest)
			return
		}

		drifted, err := reconciler.ReconcileEntity(r.Context(), domain.EntityType(entityType), id)
		if err != nil {
			logger.Error("entity reconciliation failed",
				slog.String("entity_type", entityType),
				slog.String("entity_id", id),
				slog.String("error", err.Error()),
			)
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"entity_type": entityType,
			"entity_id":   id,
			"drifted":     drifted,
		})
	}
}
