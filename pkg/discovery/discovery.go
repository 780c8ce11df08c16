// Package discovery finds public disclosure documents for a company
// through an external search client and feeds accepted candidates into the
// ingestion pipeline. Auto-discovery is PDF-only: anything else is rejected
// with a reason code instead of being silently skipped.
package discovery

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/regtrace/regtrace/pkg/errkind"
	"github.com/regtrace/regtrace/pkg/ingest"
	"github.com/regtrace/regtrace/pkg/store"
)

// Candidate rejection reason codes.
const (
	RejectNotPDF      = "NOT_PDF"
	RejectFetchFailed = "FETCH_FAILED"
	RejectEmpty       = "EMPTY_DOCUMENT"
	RejectTooLarge    = "TOO_LARGE"
)

const (
	DefaultMaxDocuments = 5
	maxMaxDocuments     = 20
	searchOverfetch     = 3
)

// Candidate is one search hit, as the external client returns it.
type Candidate struct {
	URL     string `json:"url"`
	Title   string `json:"title"`
	Snippet string `json:"snippet"`
}

// SearchClient is the external web-search dependency.
type SearchClient interface {
	Search(ctx context.Context, query string, limit int) ([]Candidate, error)
}

// Fetcher retrieves candidate bytes.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (data []byte, contentType string, err error)
}

// Rejected records one candidate that was not ingested and why.
type Rejected struct {
	URL    string `json:"url"`
	Title  string `json:"title"`
	Reason string `json:"reason"`
	Detail string `json:"detail,omitempty"`
}

// Result is the outcome of one auto-discovery call.
type Result struct {
	Query    string                `json:"query"`
	Ingested []ingest.UploadResult `json:"ingested"`
	Rejected []Rejected            `json:"rejected"`
}

// Service runs auto-discovery.
type Service struct {
	store  *store.Store
	search SearchClient
	fetch  Fetcher
	ingest *ingest.Service
	logger *slog.Logger
}

// New wires the discovery service.
func New(st *store.Store, search SearchClient, fetch Fetcher, ing *ingest.Service, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: st, search: search, fetch: fetch, ingest: ing, logger: logger}
}

// Discover searches for the company's disclosures and ingests up to
// maxDocuments accepted PDFs. Rejected candidates are returned with reason
// codes; a rejection never aborts the call.
func (s *Service) Discover(ctx context.Context, tenantID, companyID string, maxDocuments int) (*Result, error) {
	if s.search == nil {
		return nil, errkind.E(errkind.Dependency, "no search client configured")
	}
	if maxDocuments <= 0 {
		maxDocuments = DefaultMaxDocuments
	}
	if maxDocuments > maxMaxDocuments {
		maxDocuments = maxMaxDocuments
	}

	company, err := s.store.GetCompany(ctx, tenantID, companyID)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf("%s annual report sustainability disclosure %d filetype:pdf",
		company.Name, company.ReportingYear)
	candidates, err := s.search.Search(ctx, query, maxDocuments*searchOverfetch)
	if err != nil {
		return nil, errkind.Wrap(errkind.Dependency, err, "search client")
	}

	result := &Result{Query: query}
	for _, cand := range candidates {
		if len(result.Ingested) >= maxDocuments {
			break
		}
		uploaded, rejected := s.tryIngest(ctx, tenantID, companyID, cand)
		if rejected != nil {
			result.Rejected = append(result.Rejected, *rejected)
			continue
		}
		result.Ingested = append(result.Ingested, *uploaded)
	}

	s.logger.InfoContext(ctx, "auto-discovery finished",
		slog.String("company_id", companyID),
		slog.Int("ingested", len(result.Ingested)),
		slog.Int("rejected", len(result.Rejected)),
	)
	return result, nil
}

func (s *Service) tryIngest(ctx context.Context, tenantID, companyID string, cand Candidate) (*ingest.UploadResult, *Rejected) {
	data, contentType, err := s.fetch.Fetch(ctx, cand.URL)
	if err != nil {
		return nil, &Rejected{URL: cand.URL, Title: cand.Title, Reason: RejectFetchFailed, Detail: err.Error()}
	}
	if len(data) == 0 {
		return nil, &Rejected{URL: cand.URL, Title: cand.Title, Reason: RejectEmpty}
	}
	if len(data) > ingest.MaxDocumentBytes {
		return nil, &Rejected{URL: cand.URL, Title: cand.Title, Reason: RejectTooLarge}
	}
	if !isPDF(data, contentType) {
		return nil, &Rejected{URL: cand.URL, Title: cand.Title, Reason: RejectNotPDF,
			Detail: fmt.Sprintf("content type %q", contentType)}
	}

	title := strings.TrimSpace(cand.Title)
	if title == "" {
		title = cand.URL
	}
	uploaded, err := s.ingest.Upload(ctx, ingest.UploadInput{
		TenantID:    tenantID,
		CompanyID:   companyID,
		Title:       title,
		ContentType: "application/pdf",
		Data:        data,
	})
	if err != nil {
		return nil, &Rejected{URL: cand.URL, Title: cand.Title, Reason: RejectFetchFailed, Detail: err.Error()}
	}
	return uploaded, nil
}

// isPDF accepts a candidate only when both the declared type and the magic
// bytes agree it is a PDF; a bare octet-stream with PDF magic also passes.
func isPDF(data []byte, contentType string) bool {
	if !bytes.HasPrefix(data, []byte("%PDF-")) {
		return false
	}
	ct := strings.ToLower(strings.TrimSpace(contentType))
	if idx := strings.IndexByte(ct, ';'); idx >= 0 {
		ct = strings.TrimSpace(ct[:idx])
	}
	switch ct {
	case "application/pdf", "application/octet-stream", "":
		return true
	default:
		return false
	}
}

// HTTPFetcher fetches candidates over plain HTTP with a bounded body size.
type HTTPFetcher struct {
	client  *http.Client
	maxSize int64
}

// NewHTTPFetcher builds a fetcher. A nil client gets a 30 second timeout.
func NewHTTPFetcher(client *http.Client) *HTTPFetcher {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPFetcher{client: client, maxSize: ingest.MaxDocumentBytes + 1}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", errkind.Wrap(errkind.Validation, err, "build request for %s", url)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, "", errkind.Wrap(errkind.Dependency, err, "fetch %s", url)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, "", errkind.E(errkind.Dependency, "fetch %s: status %d", url, resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, f.maxSize))
	if err != nil {
		return nil, "", errkind.Wrap(errkind.Dependency, err, "read %s", url)
	}
	return data, resp.Header.Get("Content-Type"), nil
}
