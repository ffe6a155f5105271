package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// Sets up chi router, middlewares and defines all api endpoints
func (s *Server) routes() {
	// Inject routes
	s.r = chi.NewRouter()

	// Basic CORS
	s.r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Inject chi middleware
	s.r.Use(middleware.RequestID)
	s.r.Use(middleware.RealIP)
	s.r.Use(middleware.Logger)
	s.r.Use(middleware.Recoverer)
	s.r.Use(middleware.SetHeader("Content-Type", "application/json"))
	s.r.Use(middleware.Timeout(60 * time.Second))

	s.r.Route("/v1", func(r chi.Router) {

		// health
		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			JSON(w, 200, map[string]interface{}{"health_status": "online"})
		})

		// pending transactions
		r.Get("/transactions", s.handleTransactionsGet)
		r.Post("/transactions", s.handleTransactionSubmit)
		r.Post("/transactions/{id}/speedup", s.handleTransactionSpeedUp)
		r.Post("/transactions/{id}/cancel", s.handleTransactionCancel)
		r.Post("/transactions/reconcile", s.handleTransactionsReconcile)

		// bridge transfers
		r.Get("/bridges", s.handleBridgesGet)
		r.Get("/bridges/{id}", s.handleBridgeGet)
		r.Post("/bridges", s.handleBridgeInitiate)
		r.Post("/bridges/estimate", s.handleBridgeEstimate)
		r.Post("/bridges/{id}/cancel", s.handleBridgeCancel)

		// escrows
		r.Get("/escrows", s.handleEscrowsGet)
		r.Get("/escrows/{id}", s.handleEscrowGet)
		r.Get("/escrows/{id}/events", s.handleEscrowEventsGet)
		r.Post("/escrows", s.handleEscrowCreate)
		r.Post("/escrows/{id}/transition", s.handleEscrowTransition)
	})
}
