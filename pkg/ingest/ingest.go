// Package ingest runs the document ingestion pipeline: store the raw
// bytes content-addressed, extract pages, chunk them, embed the chunks,
// and link the document to the uploading company. Re-uploading identical
// bytes is detected by hash and skips re-extraction entirely.
package ingest

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/regtrace/regtrace/pkg/chunk"
	"github.com/regtrace/regtrace/pkg/contracts"
	"github.com/regtrace/regtrace/pkg/docstore"
	"github.com/regtrace/regtrace/pkg/errkind"
	"github.com/regtrace/regtrace/pkg/extract"
	"github.com/regtrace/regtrace/pkg/retrieval"
	"github.com/regtrace/regtrace/pkg/store"
)

// MaxDocumentBytes bounds a single upload.
const MaxDocumentBytes = 50 << 20

// Service is the ingestion pipeline.
type Service struct {
	store    *store.Store
	blobs    docstore.Store
	embedder retrieval.Embedder
	params   chunk.Params
	logger   *slog.Logger
}

// New wires the pipeline. A nil embedder disables embedding; retrieval
// then runs lexical-only for the affected corpus.
func New(st *store.Store, blobs docstore.Store, embedder retrieval.Embedder, params chunk.Params, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: st, blobs: blobs, embedder: embedder, params: params, logger: logger}
}

// UploadInput is one document upload.
type UploadInput struct {
	TenantID    string
	CompanyID   string
	Title       string
	ContentType string
	Data        []byte
}

// UploadResult reports what ingestion did.
type UploadResult struct {
	Document  contracts.Document `json:"document"`
	Duplicate bool               `json:"duplicate"`
	Pages     int                `json:"pages"`
	Chunks    int                `json:"chunks"`
}

// Upload ingests one document for a company. The company must exist in the
// caller's tenant; the document bytes are stored once regardless of how
// many companies link them.
func (s *Service) Upload(ctx context.Context, in UploadInput) (*UploadResult, error) {
	if len(in.Data) == 0 {
		return nil, errkind.E(errkind.Validation, "document is empty")
	}
	if len(in.Data) > MaxDocumentBytes {
		return nil, errkind.E(errkind.Validation,
			"document exceeds the %d byte limit", MaxDocumentBytes)
	}
	if strings.TrimSpace(in.Title) == "" {
		return nil, errkind.E(errkind.Validation, "document title is required")
	}
	if _, err := s.store.GetCompany(ctx, in.TenantID, in.CompanyID); err != nil {
		return nil, err
	}

	// Reject unsupported formats before storing anything.
	docHash := docstore.HashBytes(in.Data)
	pages, err := extract.Pages(docHash, in.Data, in.ContentType)
	if err != nil {
		return nil, err
	}

	if _, err := s.blobs.Put(ctx, in.Data); err != nil {
		return nil, err
	}

	doc := contracts.Document{
		DocHash:       docHash,
		Title:         in.Title,
		ContentType:   in.ContentType,
		SizeBytes:     int64(len(in.Data)),
		ParserVersion: extract.ParserVersion(in.ContentType),
		CreatedAt:     time.Now().UTC(),
	}
	duplicate, err := s.store.PutDocument(ctx, doc)
	if err != nil {
		return nil, err
	}

	result := &UploadResult{Document: doc, Duplicate: duplicate}
	if duplicate {
		// Identical bytes: pages and chunks are already stored under this
		// hash, only the company link may be new.
		stored, err := s.store.GetPages(ctx, docHash)
		if err != nil {
			return nil, err
		}
		result.Pages = len(stored)
		existing, err := s.store.GetDocument(ctx, docHash)
		if err == nil {
			result.Document = *existing
		}
	} else {
		if err := s.store.PutPages(ctx, pages); err != nil {
			return nil, err
		}
		chunks, err := chunk.Document(pages, s.params)
		if err != nil {
			return nil, err
		}
		if err := s.store.PutChunks(ctx, chunks); err != nil {
			return nil, err
		}
		if err := s.embed(ctx, chunks); err != nil {
			return nil, err
		}
		result.Pages = len(pages)
		result.Chunks = len(chunks)
	}

	if err := s.store.LinkCompanyDocument(ctx, contracts.CompanyDocumentLink{
		TenantID: in.TenantID, CompanyID: in.CompanyID, DocHash: docHash,
	}); err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "document ingested",
		slog.String("doc_hash", docHash),
		slog.String("company_id", in.CompanyID),
		slog.Bool("duplicate", duplicate),
		slog.Int("pages", result.Pages),
		slog.Int("chunks", result.Chunks),
	)
	return result, nil
}

func (s *Service) embed(ctx context.Context, chunks []contracts.Chunk) error {
	if s.embedder == nil {
		return nil
	}
	model := s.embedder.Model()
	for _, c := range chunks {
		if strings.TrimSpace(c.Text) == "" {
			continue
		}
		vec, err := s.embedder.Embed(ctx, c.Text)
		if err != nil {
			return errkind.Wrap(errkind.Dependency, err, "embed chunk %s", c.ChunkID)
		}
		if err := s.store.PutEmbedding(ctx, c.ChunkID, model, vec); err != nil {
			return err
		}
	}
	return nil
}
