package api

import (
	"errors"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"warden/pkg/cmdsafety"
	"warden/pkg/render"
	"warden/services/dispatch"
	"warden/services/monitor"
	"warden/services/orchestrator"
)

const presignURLExpiry = 15 * time.Minute

// Config controls runtime behaviour for the API handlers.
type Config struct {
	EvidenceBucket string
}

// API wires the orchestration engine, the ad-hoc dispatcher, and the metrics
// monitor behind the HTTP surface.
type API struct {
	store      *Store
	config     Config
	engine     *orchestrator.Engine
	dispatcher *dispatch.Dispatcher
	monitor    *monitor.Monitor
	validator  *cmdsafety.Validator
	reports    *render.Engine
	logger     *log.Logger
}

// New initialises the API layer with sane defaults applied to the provided
// configuration.
func New(store *Store, engine *orchestrator.Engine, dispatcher *dispatch.Dispatcher, mon *monitor.Monitor, validator *cmdsafety.Validator, logger *log.Logger, cfg Config) (*API, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	if store.ORM == nil {
		return nil, errors.New("store ORM is required")
	}
	if engine == nil {
		return nil, errors.New("engine is required")
	}
	if dispatcher == nil {
		return nil, errors.New("dispatcher is required")
	}
	if mon == nil {
		return nil, errors.New("monitor is required")
	}
	if validator == nil {
		validator = cmdsafety.New()
	}
	if cfg.EvidenceBucket == "" {
		cfg.EvidenceBucket = os.Getenv("S3_BUCKET")
	}

	reports, err := render.New()
	if err != nil {
		return nil, err
	}

	return &API{
		store:      store,
		config:     cfg,
		engine:     engine,
		dispatcher: dispatcher,
		monitor:    mon,
		validator:  validator,
		reports:    reports,
		logger:     logger,
	}, nil
}

// Routes constructs the chi router containing all API endpoints.
func (a *API) Routes() (http.Handler, error) {
	if a == nil {
		return nil, errors.New("nil api")
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/healthz", a.handleHealthz)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/agent/enroll", a.handleEnroll)
		r.Route("/agent/{serverID}", func(r chi.Router) {
			r.Post("/metrics", a.handleAgentMetrics)
			r.Post("/inventory", a.handleAgentInventory)
			r.Get("/audit/pending", a.handleAgentPending)
			r.Post("/audit/{auditRunID}/results", a.handleAgentResults)
		})

		r.Post("/servers", a.handleCreateServer)
		r.Get("/servers", a.handleListServers)
		r.Get("/servers/{serverID}", a.handleGetServer)
		r.Post("/servers/{serverID}/adhoc", a.handleAdhocCheck)

		r.Post("/templates/import", a.handleTemplateImport)
		r.Get("/templates", a.handleListTemplates)
		r.Get("/templates/{templateVersionID}/export", a.handleTemplateExport)

		r.Post("/audits", a.handleStartAudit)
		r.Get("/audits/{auditRunID}/progress", a.handleAuditProgress)
		r.Get("/audits/{auditRunID}/report", a.handleAuditReport)
		r.Post("/audits/{auditRunID}/complete", a.handleCompleteAudit)
		r.Post("/audits/{auditRunID}/rescore", a.handleRescoreAudit)

		r.Post("/tasks/{taskID}/evidence", a.handleSubmitEvidence)
		r.Post("/tasks/{taskID}/evidence/presign", a.handlePresignEvidence)
		r.Post("/tasks/{taskID}/review", a.handleReviewTask)
		r.Post("/tasks/{taskID}/reset", a.handleResetTask)
	})

	return r, nil
}

func (a *API) handleHealthz(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (a *API) logf(format string, args ...any) {
	if a.logger == nil {
		return
	}
	a.logger.Printf(format, args...)
}
