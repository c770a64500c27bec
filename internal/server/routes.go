package server

import (
	"net/http"

	"github.com/gorilla/mux"
)

// SetupRoutes configures the notify listener's routes.
func SetupRoutes(watch http.Handler) *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/", HealthHandler).Methods(http.MethodGet)
	r.HandleFunc("/healthz", HealthHandler).Methods(http.MethodGet)
	r.Handle("/watch", watch).Methods(http.MethodGet)
	return r
}
