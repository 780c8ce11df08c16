// Command regtrace runs the disclosure assessment service and its
// operational subcommands.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/regtrace/regtrace/pkg/api"
	"github.com/regtrace/regtrace/pkg/applicability"
	"github.com/regtrace/regtrace/pkg/auth"
	"github.com/regtrace/regtrace/pkg/bundle"
	"github.com/regtrace/regtrace/pkg/chunk"
	"github.com/regtrace/regtrace/pkg/compiler"
	"github.com/regtrace/regtrace/pkg/config"
	"github.com/regtrace/regtrace/pkg/discovery"
	"github.com/regtrace/regtrace/pkg/docstore"
	"github.com/regtrace/regtrace/pkg/errkind"
	"github.com/regtrace/regtrace/pkg/ingest"
	"github.com/regtrace/regtrace/pkg/orchestrator"
	"github.com/regtrace/regtrace/pkg/provider"
	"github.com/regtrace/regtrace/pkg/retrieval"
	"github.com/regtrace/regtrace/pkg/runcache"
	"github.com/regtrace/regtrace/pkg/store"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run dispatches subcommands and returns the process exit code: 0 on
// success, 2 for user errors, 3 for integrity failures, 4 for dependency
// failures.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return runServer(stderr)
	}

	switch args[1] {
	case "server", "serve":
		return runServer(stderr)
	case "bundles":
		if len(args) < 3 {
			fmt.Fprintln(stderr, "Usage: regtrace bundles <list|sync|compile-preview> [flags]")
			return 2
		}
		return runBundlesCmd(args[2], args[3:], stdout, stderr)
	case "run":
		if len(args) < 3 || args[2] != "diagnose" {
			fmt.Fprintln(stderr, "Usage: regtrace run diagnose --tenant <id> --run-id <id>")
			return 2
		}
		return runDiagnoseCmd(args[3:], stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "regtrace - deterministic disclosure assessment engine")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "USAGE:")
	fmt.Fprintln(w, "  regtrace <command> [flags]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "COMMANDS:")
	fmt.Fprintln(w, "  server                    Run the HTTP server (default)")
	fmt.Fprintln(w, "  bundles list              List loaded regulatory bundles")
	fmt.Fprintln(w, "  bundles sync              Import validated bundle files (--path, --mode merge|sync)")
	fmt.Fprintln(w, "  bundles compile-preview   Compile a plan without running (--tenant, --company)")
	fmt.Fprintln(w, "  run diagnose              Print diagnostics and events for a run (--tenant, --run-id)")
	fmt.Fprintln(w, "  help                      Show this help")
}

func fail(stderr io.Writer, err error) int {
	fmt.Fprintf(stderr, "Error: %v\n", err)
	return errkind.ExitCode(errkind.KindOf(err))
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func openRegistry(bundleDir string) (*bundle.Registry, *applicability.Evaluator, error) {
	if err := os.MkdirAll(bundleDir, 0o755); err != nil {
		return nil, nil, errkind.Wrap(errkind.Dependency, err, "ensure bundle dir")
	}
	evaluator, err := applicability.NewEvaluator()
	if err != nil {
		return nil, nil, err
	}
	registry, err := bundle.NewRegistry(bundleDir, evaluator)
	if err != nil {
		return nil, nil, err
	}
	return registry, evaluator, nil
}

func runBundlesCmd(sub string, args []string, stdout, stderr io.Writer) int {
	switch sub {
	case "list":
		return runBundlesList(args, stdout, stderr)
	case "sync":
		return runBundlesSync(args, stdout, stderr)
	case "compile-preview":
		return runCompilePreview(args, stdout, stderr)
	default:
		fmt.Fprintf(stderr, "Unknown bundles subcommand: %s\n", sub)
		return 2
	}
}

func runBundlesList(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("bundles list", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	bundleDir := cmd.String("dir", "", "bundle directory (default: BUNDLE_DIR)")
	jsonOutput := cmd.Bool("json", false, "output as JSON")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	cfg := config.Load()
	if *bundleDir == "" {
		*bundleDir = cfg.BundleDir
	}
	registry, _, err := openRegistry(*bundleDir)
	if err != nil {
		return fail(stderr, err)
	}

	bundles := registry.List()
	if *jsonOutput {
		refs := make([]bundle.Ref, 0, len(bundles))
		for _, b := range bundles {
			refs = append(refs, b.Ref())
		}
		raw, _ := json.MarshalIndent(refs, "", "  ")
		fmt.Fprintln(stdout, string(raw))
		return 0
	}
	for _, b := range bundles {
		fmt.Fprintf(stdout, "%s@%s  regime=%s jurisdiction=%s obligations=%d\n",
			b.BundleID, b.Version, b.Regime, b.Jurisdiction, len(b.Obligations))
	}
	if len(bundles) == 0 {
		fmt.Fprintln(stdout, "no bundles loaded")
	}
	return 0
}

func runBundlesSync(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("bundles sync", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	srcPath := cmd.String("path", "", "source directory of bundle files (REQUIRED)")
	mode := cmd.String("mode", "merge", "sync mode: merge keeps extra registry files, sync removes them")
	bundleDir := cmd.String("dir", "", "bundle directory (default: BUNDLE_DIR)")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if *srcPath == "" {
		fmt.Fprintln(stderr, "Error: --path is required")
		cmd.Usage()
		return 2
	}

	cfg := config.Load()
	if *bundleDir == "" {
		*bundleDir = cfg.BundleDir
	}
	registry, _, err := openRegistry(*bundleDir)
	if err != nil {
		return fail(stderr, err)
	}
	if err := registry.Sync(*srcPath, bundle.SyncMode(*mode)); err != nil {
		return fail(stderr, err)
	}
	fmt.Fprintf(stdout, "synced %d bundle(s) into %s\n", len(registry.List()), *bundleDir)
	return 0
}

func runCompilePreview(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("bundles compile-preview", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	tenantID := cmd.String("tenant", "", "tenant ID (REQUIRED)")
	companyID := cmd.String("company", "", "company ID (REQUIRED)")
	year := cmd.Int("year", 0, "override the company's reporting year")
	mode := cmd.String("mode", "auto", "compiler mode: auto or pinned")
	bundleID := cmd.String("bundle-id", "", "bundle ID (pinned mode)")
	bundleVersion := cmd.String("bundle-version", "", "bundle version (pinned mode)")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if *tenantID == "" || *companyID == "" {
		fmt.Fprintln(stderr, "Error: --tenant and --company are required")
		cmd.Usage()
		return 2
	}

	cfg := config.Load()
	registry, evaluator, err := openRegistry(cfg.BundleDir)
	if err != nil {
		return fail(stderr, err)
	}
	st, err := store.Open(cfg.DatabasePath)
	if err != nil {
		return fail(stderr, err)
	}
	defer func() { _ = st.Close() }()

	company, err := st.GetCompany(context.Background(), *tenantID, *companyID)
	if err != nil {
		return fail(stderr, err)
	}
	if *year != 0 {
		company.ReportingYear = *year
	}
	plan, err := compiler.New(registry, evaluator).Compile(*company, compiler.Options{
		Mode: *mode, BundleID: *bundleID, BundleVersion: *bundleVersion,
	})
	if err != nil {
		return fail(stderr, err)
	}
	raw, err := json.MarshalIndent(plan, "", "  ")
	if err != nil {
		return fail(stderr, errkind.Wrap(errkind.Integrity, err, "encode plan"))
	}
	fmt.Fprintln(stdout, string(raw))
	return 0
}

func runDiagnoseCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("run diagnose", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	tenantID := cmd.String("tenant", "", "tenant ID (REQUIRED)")
	runID := cmd.String("run-id", "", "run ID (REQUIRED)")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if *tenantID == "" || *runID == "" {
		fmt.Fprintln(stderr, "Error: --tenant and --run-id are required")
		cmd.Usage()
		return 2
	}

	cfg := config.Load()
	st, err := store.Open(cfg.DatabasePath)
	if err != nil {
		return fail(stderr, err)
	}
	defer func() { _ = st.Close() }()

	ctx := context.Background()
	run, err := st.GetRun(ctx, *tenantID, *runID)
	if err != nil {
		return fail(stderr, err)
	}
	diagnostics, err := st.ListDiagnostics(ctx, run.RunID)
	if err != nil {
		return fail(stderr, err)
	}
	events, err := st.ListRunEvents(ctx, run.RunID)
	if err != nil {
		return fail(stderr, err)
	}

	raw, err := json.MarshalIndent(map[string]any{
		"run":         run,
		"diagnostics": diagnostics,
		"events":      events,
	}, "", "  ")
	if err != nil {
		return fail(stderr, errkind.Wrap(errkind.Integrity, err, "encode diagnostics"))
	}
	fmt.Fprintln(stdout, string(raw))
	return 0
}

func runServer(stderr io.Writer) int {
	cfg := config.Load()
	if profile := os.Getenv("CONFIG_PROFILE"); profile != "" {
		if err := config.LoadProfile(cfg, profile); err != nil {
			return fail(stderr, err)
		}
	}
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)
	ctx := context.Background()

	st, err := store.Open(cfg.DatabasePath)
	if err != nil {
		return fail(stderr, err)
	}
	defer func() { _ = st.Close() }()

	blobs, err := openBlobStore(ctx, cfg)
	if err != nil {
		return fail(stderr, err)
	}

	registry, evaluator, err := openRegistry(cfg.BundleDir)
	if err != nil {
		return fail(stderr, err)
	}
	comp := compiler.New(registry, evaluator)

	embedder, embedModel := openEmbedder(cfg.Pipeline.EmbeddingModel)
	engine, err := retrieval.NewEngine(embedder, retrieval.Params{
		TopK:          cfg.Pipeline.RetrievalTopK,
		LexicalWeight: cfg.Pipeline.LexicalWeight,
		VectorWeight:  cfg.Pipeline.VectorWeight,
	})
	if err != nil {
		return fail(stderr, err)
	}

	prov := openProvider(cfg)
	cache, err := openRunCache(cfg, st)
	if err != nil {
		return fail(stderr, err)
	}

	chunkParams := chunk.Params{
		Size:    cfg.Pipeline.ChunkSize,
		Overlap: cfg.Pipeline.ChunkOverlap,
	}

	orc, err := orchestrator.New(orchestrator.Config{
		Store:          st,
		Cache:          cache,
		Compiler:       comp,
		Retrieval:      engine,
		Provider:       prov,
		Logger:         logger,
		EmbeddingModel: embedModel,
		ChunkParams:    chunkParams,
		CodeVersion:    cfg.Pipeline.CodeVersion,
		GitSHA:         os.Getenv("GIT_SHA"),
	})
	if err != nil {
		return fail(stderr, err)
	}

	ingestSvc := ingest.New(st, blobs, embedder, chunkParams, logger)

	var disc *discovery.Service
	if cfg.SearchAPIKey != "" {
		search := discovery.NewWebSearchClient(cfg.SearchAPIURL, cfg.SearchAPIKey, nil)
		disc = discovery.New(st, search, discovery.NewHTTPFetcher(nil), ingestSvc, logger)
	}

	keys, err := auth.ParseKeys(cfg.TenantKeys)
	if err != nil {
		return fail(stderr, err)
	}

	server := api.NewServer(api.Config{
		Store:          st,
		Blobs:          blobs,
		Registry:       registry,
		Compiler:       comp,
		Ingest:         ingestSvc,
		Discovery:      disc,
		Orchestrator:   orc,
		Keys:           keys,
		Logger:         logger,
		ProviderID:     prov.ID(),
		EmbeddingModel: embedModel,
		ChunkParams:    chunkParams,
		CodeVersion:    cfg.Pipeline.CodeVersion,
		GitSHA:         os.Getenv("GIT_SHA"),
	})

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           server.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       2 * time.Minute,
		WriteTimeout:      5 * time.Minute,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", "port", cfg.Port, "provider", prov.ID(), "bundles", len(registry.List()))
		errCh <- httpServer.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fail(stderr, errkind.Wrap(errkind.Dependency, err, "http server"))
		}
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
		shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fail(stderr, errkind.Wrap(errkind.Dependency, err, "shutdown"))
		}
	}
	return 0
}

func openBlobStore(ctx context.Context, cfg *config.Config) (docstore.Store, error) {
	if cfg.S3Bucket != "" {
		return docstore.NewS3Store(ctx, docstore.S3Config{
			Bucket:   cfg.S3Bucket,
			Region:   cfg.S3Region,
			Endpoint: cfg.S3Endpoint,
			Prefix:   "documents/",
		})
	}
	return docstore.NewFileStore(cfg.DataDir)
}

// openEmbedder maps the configured embedding model onto an embedder.
// "none" disables vector retrieval entirely; lexical scoring still runs.
func openEmbedder(model string) (retrieval.Embedder, string) {
	switch strings.ToLower(model) {
	case "", "none":
		return nil, ""
	default:
		return retrieval.NewHashEmbedder(0), retrieval.HashEmbedderModel
	}
}

func openProvider(cfg *config.Config) provider.Provider {
	if cfg.ProviderID == provider.FallbackID || cfg.ProviderBaseURL == "" {
		return provider.NewFallback()
	}
	return provider.NewHTTPProvider(provider.HTTPConfig{
		ProviderID: cfg.ProviderID,
		BaseURL:    cfg.ProviderBaseURL,
		APIKey:     cfg.ProviderAPIKey,
		Model:      cfg.ProviderModel,
		Timeout:    time.Duration(cfg.ProviderTimeoutMS) * time.Millisecond,
		Retries:    cfg.ProviderRetries,
	})
}

func openRunCache(cfg *config.Config, st *store.Store) (runcache.Backend, error) {
	if cfg.RedisAddr != "" {
		return runcache.NewRedis(redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})), nil
	}
	return runcache.NewSQLite(st.DB())
}
