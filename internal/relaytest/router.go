package relaytest

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// jsonError is the error body the directory answers with.
type jsonError struct {
	Code int    `json:"code"`
	Err  string `json:"error"`
}

func (e jsonError) Error() string {
	return e.Err
}

var errInternal = jsonError{Code: http.StatusInternalServerError, Err: "internal server error"}

// handlerFunc handles a request and returns an error instead of writing one.
// The error is mapped to a JSON error response by the router.
type handlerFunc func(http.ResponseWriter, *http.Request) error

type router struct {
	chi.Router
	logger *slog.Logger
}

func newRouter(logger *slog.Logger) *router {
	return &router{Router: chi.NewRouter(), logger: logger}
}

func (rt *router) handle(h handlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := h(w, r)
		if err == nil {
			return
		}
		rt.logger.Error(err.Error(), slog.String("path", r.URL.Path))
		var resErr jsonError
		if !errors.As(err, &resErr) {
			resErr = errInternal
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(resErr.Code)
		json.NewEncoder(w).Encode(resErr)
	}
}

func (rt *router) get(path string, h handlerFunc) {
	rt.Router.Get(path, rt.handle(h))
}

func (rt *router) post(path string, h handlerFunc) {
	rt.Router.Post(path, rt.handle(h))
}

func writeJSON(w http.ResponseWriter, status int, v any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(v)
}
