package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"invoiceq/internal/constants"
	apperrors "invoiceq/internal/errors"
	"invoiceq/internal/middleware"
	"invoiceq/internal/models"
	"invoiceq/internal/service"
	"invoiceq/pkg/invoiceapi/types"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

type Server struct {
	router       *mux.Router
	logger       *logrus.Logger
	cfg          *models.Config
	queueService *service.QueueService
	hub          *service.StatusHub
	server       *http.Server
}

func NewServer(cfg *models.Config, queueService *service.QueueService, hub *service.StatusHub, logger *logrus.Logger) *Server {
	s := &Server{
		router:       mux.NewRouter(),
		logger:       logger,
		cfg:          cfg,
		queueService: queueService,
		hub:          hub,
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.Observability(s.logger))

	// Health check and metrics stay unauthenticated for probes
	s.router.HandleFunc("/health", s.handleHealth()).Methods(http.MethodGet)
	s.router.HandleFunc("/metrics", s.handleMetrics()).Methods(http.MethodGet)

	api := s.router.NewRoute().Subrouter()
	api.Use(s.requireAuth)

	api.HandleFunc("/invoices", s.handleSubmitInvoice()).Methods(http.MethodPost)
	api.HandleFunc("/queue", s.handleQueueSnapshot()).Methods(http.MethodGet)
	api.HandleFunc("/queue", s.handleClearQueue()).Methods(http.MethodDelete)
	api.HandleFunc("/queue/stats", s.handleQueueStats()).Methods(http.MethodGet)
	api.HandleFunc("/queue/events", s.hub.ServeHTTP).Methods(http.MethodGet)
	api.HandleFunc("/queue/{id}", s.handleGetRequest()).Methods(http.MethodGet)
	api.HandleFunc("/queue/{id}", s.handleRemoveRequest()).Methods(http.MethodDelete)
}

func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.cfg.Server.Port),
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.cfg.Server.ReadTimeoutSec) * time.Second,
		WriteTimeout: time.Duration(s.cfg.Server.WriteTimeoutSec) * time.Second,
		IdleTimeout:  constants.DefaultServerIdleTimeoutSec * time.Second,
	}

	s.logger.Infof("Starting server on port %d", s.cfg.Server.Port)
	return s.server.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := s.queueService.Stats(r.Context())
		if err != nil {
			http.Error(w, "queue store unavailable", http.StatusServiceUnavailable)
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]interface{}{
			"status": "ok",
			"online": stats.Online,
		})
	}
}

// handleSubmitInvoice is the single entry point for the UI: submits directly
// when the upstream is reachable, queues otherwise.
func (s *Server) handleSubmitInvoice() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var payload types.InvoiceRequest
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			s.writeError(w, apperrors.Wrap(err, apperrors.ErrCodeInvalidInput, "malformed invoice payload"))
			return
		}

		outcome, err := s.queueService.SubmitInvoice(r.Context(), &payload)
		if err != nil {
			s.writeError(w, err)
			return
		}

		if outcome.Submitted {
			s.writeJSON(w, http.StatusCreated, outcome)
			return
		}
		// Saved offline; the drainer will replay it on reconnect.
		s.writeJSON(w, http.StatusAccepted, outcome)
	}
}

func (s *Server) handleQueueSnapshot() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		entries, err := s.queueService.Snapshot(r.Context())
		if err != nil {
			s.writeError(w, err)
			return
		}
		if entries == nil {
			entries = []models.QueuedInvoiceRequest{}
		}
		s.writeJSON(w, http.StatusOK, entries)
	}
}

func (s *Server) handleQueueStats() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := s.queueService.Stats(r.Context())
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, stats)
	}
}

func (s *Server) handleGetRequest() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		entry, err := s.queueService.Get(r.Context(), mux.Vars(r)["id"])
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, entry)
	}
}

func (s *Server) handleRemoveRequest() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.queueService.Remove(r.Context(), mux.Vars(r)["id"]); err != nil {
			s.writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) handleClearQueue() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.queueService.Clear(r.Context()); err != nil {
			s.writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.WithError(err).Error("Failed to encode response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := apperrors.HTTPStatus(err)
	if status >= 500 {
		s.logger.WithError(err).Error("Request failed")
	} else {
		s.logger.WithError(err).Debug("Request rejected")
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"code":  string(apperrors.GetCode(err)),
		"error": apperrors.GetUserMessage(err),
	})
}
