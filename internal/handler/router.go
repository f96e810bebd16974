package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"license-service/internal/middleware"
	"license-service/pkg/httputil"
)

// NewRouter はルーターを生成する。metricsがnilの場合は/metricsを公開しない。
func NewRouter(keys *KeyHandler, licenses *LicenseHandler, entitlements *EntitlementHandler, metrics http.Handler) http.Handler {
	r := chi.NewRouter()

	// ミドルウェア
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.Actor)
	r.Use(middleware.RequestLogger)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		httputil.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if metrics != nil {
		r.Handle("/metrics", metrics)
	}

	// ルート定義
	r.Route("/v1/tenants/{tenant_id}", func(r chi.Router) {
		r.Route("/products/{product_id}/keys", func(r chi.Router) {
			r.Post("/", keys.GenerateKey)
			r.Get("/", keys.ListKeys)
			r.Post("/rotate", keys.RotateKey)
			r.Get("/public", keys.GetPublicKey)
			r.Get("/health", keys.KeyHealth)
		})

		r.Route("/licenses", func(r chi.Router) {
			r.Post("/", licenses.Sign)
			r.Post("/verify", licenses.Verify)
			r.Route("/{license_id}", func(r chi.Router) {
				r.Get("/signed", licenses.GetSigned)
				r.Post("/renew", licenses.Renew)
				r.Post("/revoke", licenses.Revoke)
				r.Post("/product-keys", entitlements.IssueProductKey)
				r.Post("/volumetric", entitlements.CreateVolumetric)
			})
		})

		r.Get("/product-keys/{product_key}/activations", entitlements.ListActivations)

		r.Route("/activations", func(r chi.Router) {
			r.Post("/", entitlements.Activate)
			r.Route("/{activation_id}", func(r chi.Router) {
				r.Get("/", entitlements.GetActivation)
				r.Post("/heartbeat", entitlements.ActivationHeartbeat)
				r.Post("/deactivate", entitlements.Deactivate)
				r.Post("/revoke", entitlements.RevokeActivation)
			})
		})

		r.Route("/volumetric/{volumetric_id}", func(r chi.Router) {
			r.Get("/", entitlements.GetVolumetric)
			r.Post("/slots", entitlements.AllocateSlot)
			r.Get("/slots", entitlements.ListSlots)
		})

		r.Route("/slots/{slot_id}", func(r chi.Router) {
			r.Post("/heartbeat", entitlements.SlotHeartbeat)
			r.Post("/release", entitlements.ReleaseSlot)
		})
	})

	return otelhttp.NewHandler(r, "license-service")
}
