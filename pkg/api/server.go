// Package api is the tenant-facing HTTP surface: companies, document
// ingestion and auto-discovery, run execution, and the export endpoints.
// Every handler is tenant-scoped through the auth middleware; cross-tenant
// resources read as 404, never as 403.
package api

import (
	"log/slog"
	"net/http"

	"github.com/regtrace/regtrace/pkg/auth"
	"github.com/regtrace/regtrace/pkg/bundle"
	"github.com/regtrace/regtrace/pkg/chunk"
	"github.com/regtrace/regtrace/pkg/compiler"
	"github.com/regtrace/regtrace/pkg/discovery"
	"github.com/regtrace/regtrace/pkg/docstore"
	"github.com/regtrace/regtrace/pkg/ingest"
	"github.com/regtrace/regtrace/pkg/orchestrator"
	"github.com/regtrace/regtrace/pkg/store"
)

// Server carries the wired pipeline behind the HTTP surface.
type Server struct {
	store        *store.Store
	blobs        docstore.Store
	registry     *bundle.Registry
	compiler     *compiler.Compiler
	ingest       *ingest.Service
	discovery    *discovery.Service
	orchestrator *orchestrator.Orchestrator
	keys         *auth.Keys
	limiter      *auth.Limiter
	logger       *slog.Logger

	providerID  string
	embedModel  string
	chunkParams chunk.Params
	codeVersion string
	gitSHA      string
}

// Config wires the server.
type Config struct {
	Store        *store.Store
	Blobs        docstore.Store
	Registry     *bundle.Registry
	Compiler     *compiler.Compiler
	Ingest       *ingest.Service
	Discovery    *discovery.Service // nil disables auto-discovery
	Orchestrator *orchestrator.Orchestrator
	Keys         *auth.Keys
	Limiter      *auth.Limiter
	Logger       *slog.Logger

	ProviderID string

	// EmbeddingModel and ChunkParams mirror the orchestrator's run
	// fingerprint inputs so rebuilt evidence-pack manifests match the
	// originals.
	EmbeddingModel string
	ChunkParams    chunk.Params

	CodeVersion string
	GitSHA      string
}

// NewServer builds the HTTP server.
func NewServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	limiter := cfg.Limiter
	if limiter == nil {
		limiter = auth.NewLimiter(20, 40)
	}
	chunkParams := cfg.ChunkParams
	if chunkParams.Size == 0 {
		chunkParams = chunk.DefaultParams()
	}
	return &Server{
		store:        cfg.Store,
		blobs:        cfg.Blobs,
		registry:     cfg.Registry,
		compiler:     cfg.Compiler,
		ingest:       cfg.Ingest,
		discovery:    cfg.Discovery,
		orchestrator: cfg.Orchestrator,
		keys:         cfg.Keys,
		limiter:      limiter,
		logger:       logger,
		providerID:   cfg.ProviderID,
		embedModel:   cfg.EmbeddingModel,
		chunkParams:  chunkParams,
		codeVersion:  cfg.CodeVersion,
		gitSHA:       cfg.GitSHA,
	}
}

// Routes assembles the full handler chain.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealthz)

	mux.HandleFunc("POST /companies", s.handleCreateCompany)
	mux.HandleFunc("GET /companies", s.handleListCompanies)
	mux.HandleFunc("GET /companies/{id}", s.handleGetCompany)

	mux.HandleFunc("POST /documents/upload", s.handleUploadDocument)
	mux.HandleFunc("POST /documents/auto-discover", s.handleAutoDiscover)

	mux.HandleFunc("POST /runs", s.handleCreateRun)
	mux.HandleFunc("POST /runs/{id}/materiality", s.handleSetMateriality)
	mux.HandleFunc("POST /runs/{id}/execute", s.handleExecuteRun)
	mux.HandleFunc("GET /runs/{id}/status", s.handleRunStatus)
	mux.HandleFunc("GET /runs/{id}/diagnostics", s.handleRunDiagnostics)
	mux.HandleFunc("GET /runs/{id}/report", s.handleRunReport)
	mux.HandleFunc("GET /runs/{id}/evidence-pack", s.handleEvidencePack)
	mux.HandleFunc("GET /runs/{id}/evidence-pack-preview", s.handleEvidencePackPreview)
	mux.HandleFunc("GET /runs/{id}/regulatory-plan", s.handleRegulatoryPlan)

	authed := auth.Middleware(s.keys, func(w http.ResponseWriter, r *http.Request, status int, detail string) {
		writeProblem(w, r, status, http.StatusText(status), detail)
	})
	limited := s.limiter.Middleware(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "1")
		writeProblem(w, r, http.StatusTooManyRequests, "Too Many Requests", "rate limit exceeded")
	})

	// healthz stays outside auth for probes.
	root := http.NewServeMux()
	root.HandleFunc("GET /healthz", s.handleHealthz)
	root.Handle("/", limited(authed(mux)))
	return auth.RequestIDMiddleware(root)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":   "ok",
		"provider": s.providerID,
	})
}

// tenant extracts the authenticated tenant; the middleware guarantees it.
func tenant(r *http.Request) string {
	tenantID, _ := auth.TenantID(r.Context())
	return tenantID
}
