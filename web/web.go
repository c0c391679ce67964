// Package web exposes the HTTP surface used to trigger and inspect
// synchronizations.
package web

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/matematik7/runkeeper-oh/failure"
	"github.com/matematik7/runkeeper-oh/members"
	"github.com/matematik7/runkeeper-oh/tasks"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type Syncer interface {
	Files(ctx context.Context, ohID string) (map[string]string, error)
	Disconnect(ctx context.Context, ohID string) error
}

type Submitter interface {
	Submit(ctx context.Context, ohID string, interval time.Duration, queue func() error) (bool, error)
}

type Web struct {
	syncer         Syncer
	members        Submitter
	queue          tasks.Enqueuer
	submitInterval time.Duration
	log            *logrus.Logger
}

func New(syncer Syncer, m Submitter, queue tasks.Enqueuer, submitInterval time.Duration, log *logrus.Logger) *Web {
	return &Web{
		syncer:         syncer,
		members:        m,
		queue:          queue,
		submitInterval: submitInterval,
		log:            log,
	}
}

func (c *Web) ServeMux() http.Handler {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(c.logRequests)
	router.Use(middleware.Recoverer)
	router.Use(middleware.StripSlashes)

	router.Get("/healthz", c.HealthHandler)
	router.Method(http.MethodGet, "/metrics", promhttp.Handler())

	router.Route("/members/{ohID}", func(r chi.Router) {
		r.Post("/update", c.UpdateHandler)
		r.Get("/files", c.FilesHandler)
		r.Delete("/runkeeper", c.DisconnectHandler)
	})

	return router
}

func (c *Web) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		started := time.Now()

		next.ServeHTTP(ww, r)

		c.log.WithFields(logrus.Fields{
			"request_id": middleware.GetReqID(r.Context()),
			"method":     r.Method,
			"path":       r.URL.Path,
			"status":     ww.Status(),
			"duration":   time.Since(started).String(),
		}).Debug("request")
	})
}

func (c *Web) HealthHandler(w http.ResponseWriter, r *http.Request) {
	c.respond(w, http.StatusOK, map[string]string{"status": "ok"})
}

// UpdateHandler queues a manual update unless one was requested recently.
// The request is only recorded when the queue takes it.
func (c *Web) UpdateHandler(w http.ResponseWriter, r *http.Request) {
	ohID := chi.URLParam(r, "ohID")

	pending := false
	accepted, err := c.members.Submit(r.Context(), ohID, c.submitInterval, func() error {
		err := c.queue.Enqueue(ohID)
		if errors.Is(err, tasks.ErrInFlight) {
			pending = true
			return nil
		}
		return err
	})
	if err != nil {
		c.error(w, r, err)
		return
	}
	if !accepted {
		c.respond(w, http.StatusTooManyRequests, map[string]string{
			"status": "update requested recently, try again later",
		})
		return
	}

	if pending {
		c.respond(w, http.StatusAccepted, map[string]string{"status": "update already pending"})
		return
	}
	c.respond(w, http.StatusAccepted, map[string]string{"status": "update queued"})
}

func (c *Web) FilesHandler(w http.ResponseWriter, r *http.Request) {
	files, err := c.syncer.Files(r.Context(), chi.URLParam(r, "ohID"))
	if err != nil {
		c.error(w, r, err)
		return
	}
	c.respond(w, http.StatusOK, files)
}

func (c *Web) DisconnectHandler(w http.ResponseWriter, r *http.Request) {
	if err := c.syncer.Disconnect(r.Context(), chi.URLParam(r, "ohID")); err != nil {
		c.error(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (c *Web) respond(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		c.log.WithError(err).Warn("could not write response")
	}
}

func (c *Web) error(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	var auth *failure.AuthError
	switch {
	case errors.Is(err, members.ErrNoMember):
		status = http.StatusNotFound
	case errors.As(err, &auth):
		status = http.StatusForbidden
	case failure.Retryable(err):
		status = http.StatusBadGateway
	case errors.Is(err, tasks.ErrQueueFull), errors.Is(err, tasks.ErrQueueClosed):
		status = http.StatusServiceUnavailable
	}

	log := c.log.WithField("request_id", middleware.GetReqID(r.Context())).WithError(err)
	if status == http.StatusInternalServerError {
		log.Error("request failed")
	} else {
		log.Info("request failed")
	}

	c.respond(w, status, map[string]string{"error": http.StatusText(status)})
}
