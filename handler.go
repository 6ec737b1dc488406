package alwaysoffline

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	perrors "github.com/jmgilman/go/errors"
	"github.com/rs/zerolog/hlog"
)

// replyTimeout bounds how long a CACHE_URLS request waits for its reply.
const replyTimeout = time.Minute

// Handler returns the HTTP entry point: control endpoints under the control
// prefix, every other request goes through the active worker.
func (r *Registration) Handler() http.Handler {
	router := chi.NewRouter()
	router.Mount(r.controlPrefix, r.ControlRouter())
	router.Handle("/*", r)
	return router
}

// ControlRouter serves the endpoints clients use to talk to the workers.
func (r *Registration) ControlRouter() chi.Router {
	router := chi.NewRouter()
	router.Use(hlog.NewHandler(r.log))
	router.Use(hlog.AccessHandler(func(req *http.Request, status, size int, duration time.Duration) {
		hlog.FromRequest(req).Debug().
			Str("method", req.Method).
			Str("url", req.URL.String()).
			Int("status", status).
			Dur("duration", duration).
			Msg("Control request")
	}))
	router.Post("/message", r.handleMessage)
	router.Post("/clients", r.handleRegisterClient)
	router.Get("/clients/{id}", r.handleGetClient)
	router.Post("/sync/{tag}", r.handleSync)
	router.Get("/status", r.handleStatus)
	return router
}

func (r *Registration) handleMessage(rw http.ResponseWriter, req *http.Request) {
	var msg Message
	if err := json.NewDecoder(req.Body).Decode(&msg); err != nil {
		writeError(rw, req, perrors.Wrap(err, perrors.CodeInvalidInput, "malformed message"))
		return
	}
	if msg.Type != MessageCacheURLs {
		if err := r.PostMessage(req.Context(), msg); err != nil {
			writeError(rw, req, err)
			return
		}
		rw.WriteHeader(http.StatusAccepted)
		return
	}

	port := make(MessagePort, 1)
	if err := r.PostMessage(req.Context(), msg, port); err != nil {
		writeError(rw, req, err)
		return
	}
	select {
	case reply := <-port:
		writeJSON(rw, req, http.StatusOK, reply)
	case <-time.After(replyTimeout):
		writeError(rw, req, perrors.New(perrors.CodeTimeout, "no reply from worker"))
	case <-req.Context().Done():
	}
}

func (r *Registration) handleRegisterClient(rw http.ResponseWriter, req *http.Request) {
	controller := ""
	if w := r.Active(); w != nil {
		controller = w.Version()
	}
	client := r.clients.Register(controller)
	hlog.FromRequest(req).Debug().Str("client", client.ID.String()).Msg("Client registered")
	writeJSON(rw, req, http.StatusCreated, client)
}

func (r *Registration) handleGetClient(rw http.ResponseWriter, req *http.Request) {
	id, err := uuid.Parse(chi.URLParam(req, "id"))
	if err != nil {
		writeError(rw, req, perrors.Wrap(err, perrors.CodeInvalidInput, "invalid client id"))
		return
	}
	client, ok := r.clients.Get(id)
	if !ok {
		writeError(rw, req, perrors.Newf(perrors.CodeNotFound, "client %s not found", id))
		return
	}
	writeJSON(rw, req, http.StatusOK, client)
}

func (r *Registration) handleSync(rw http.ResponseWriter, req *http.Request) {
	if err := r.PeriodicSync(req.Context(), chi.URLParam(req, "tag")); err != nil {
		writeError(rw, req, err)
		return
	}
	rw.WriteHeader(http.StatusNoContent)
}

type workerStatus struct {
	ID           string `json:"id"`
	Version      string `json:"version"`
	State        string `json:"state"`
	StaticCache  string `json:"staticCache"`
	DynamicCache string `json:"dynamicCache"`
}

type registrationStatus struct {
	Active  *workerStatus `json:"active,omitempty"`
	Waiting *workerStatus `json:"waiting,omitempty"`
	Clients int           `json:"clients"`
}

func (r *Registration) handleStatus(rw http.ResponseWriter, req *http.Request) {
	writeJSON(rw, req, http.StatusOK, registrationStatus{
		Active:  statusOf(r.Active()),
		Waiting: statusOf(r.Waiting()),
		Clients: r.clients.Len(),
	})
}

func statusOf(w *Worker) *workerStatus {
	if w == nil {
		return nil
	}
	return &workerStatus{
		ID:           w.ID().String(),
		Version:      w.Version(),
		State:        w.State().String(),
		StaticCache:  w.options.StaticCache,
		DynamicCache: w.options.DynamicCache,
	}
}

func writeJSON(rw http.ResponseWriter, req *http.Request, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	if err := json.NewEncoder(rw).Encode(v); err != nil {
		hlog.FromRequest(req).Error().Err(err).Msg("Could not write response")
	}
}

func writeError(rw http.ResponseWriter, req *http.Request, err error) {
	if errors.Is(err, ErrNotActivated) {
		err = perrors.Wrap(err, perrors.CodeUnavailable, "no worker")
	}
	hlog.FromRequest(req).Warn().Err(err).Msg("Control request failed")
	writeJSON(rw, req, httpStatus(perrors.GetCode(err)), perrors.ToJSON(err))
}

func httpStatus(code perrors.ErrorCode) int {
	switch code {
	case perrors.CodeInvalidInput:
		return http.StatusBadRequest
	case perrors.CodeNotFound:
		return http.StatusNotFound
	case perrors.CodeUnavailable:
		return http.StatusServiceUnavailable
	case perrors.CodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
