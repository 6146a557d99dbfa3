package api

import (
	"net/http"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"procodus.dev/radon-monitor/internal/auth"
	"procodus.dev/radon-monitor/pkg/metrics"
)

// setupRoutes builds the router. Paths keep their trailing slash.
func (s *Server) setupRoutes() http.Handler {
	router := mux.NewRouter()
	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeDetail(w, http.StatusNotFound, "Not found.")
	})
	router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeDetail(w, http.StatusMethodNotAllowed, `Method "`+r.Method+`" not allowed.`)
	})
	router.Use(s.instrument)

	router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	api := router.PathPrefix("/api").Subrouter()

	ingest := api.PathPrefix("/readings").Subrouter()
	ingest.Use(auth.RequireAPIKey(s.config.CollectorAPIKey, s.denyAPIKey))
	ingest.HandleFunc("/ingest/", s.handleIngest).Methods(http.MethodPost)

	api.HandleFunc("/auth/register/", s.handleRegister).Methods(http.MethodPost)
	api.HandleFunc("/auth/login/", s.handleLogin).Methods(http.MethodPost)

	user := api.NewRoute().Subrouter()
	user.Use(auth.RequireUser(s.tokens, s.denyUser))
	user.HandleFunc("/profile/", s.handleGetProfile).Methods(http.MethodGet)
	user.HandleFunc("/profile/", s.handleUpdateProfile).Methods(http.MethodPut, http.MethodPatch)
	user.HandleFunc("/password-change/", s.handlePasswordChange).Methods(http.MethodPost)
	user.Handle("/devices/", handlers.CompressHandler(http.HandlerFunc(s.handleListDevices))).Methods(http.MethodGet)
	user.HandleFunc("/devices/", s.handleAddDevice).Methods(http.MethodPost)
	user.HandleFunc("/devices/{id:[0-9]+}/", s.handleGetDevice).Methods(http.MethodGet)
	user.Handle("/devices/{serial}/dashboard/", handlers.CompressHandler(http.HandlerFunc(s.handleDashboard))).Methods(http.MethodGet)

	var h http.Handler = router
	if len(s.config.AllowedOrigins) > 0 {
		h = cors.New(cors.Options{
			AllowedOrigins:   s.config.AllowedOrigins,
			AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch},
			AllowedHeaders:   []string{"Content-Type", "Authorization"},
			AllowCredentials: true,
		}).Handler(h)
	}

	return handlers.RecoveryHandler(
		handlers.RecoveryLogger(recoveryLogger{s.logger}),
	)(h)
}
