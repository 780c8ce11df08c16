// Package contracts defines the shared domain types exchanged between the
// pipeline stages. Types here are persistence-shaped: every identifier that
// participates in a fingerprint is a deterministic function of content.
package contracts

import "time"

// AssessmentStatus is the per-datapoint compliance verdict.
type AssessmentStatus string

const (
	StatusPresent AssessmentStatus = "Present"
	StatusPartial AssessmentStatus = "Partial"
	StatusAbsent  AssessmentStatus = "Absent"
	StatusNA      AssessmentStatus = "NA"
	// StatusNeedsReview is reserved for verifier-injected cases. Providers
	// never emit it and it does not count as Present for coverage.
	StatusNeedsReview AssessmentStatus = "Needs-Review"
)

// RunStatus is the lifecycle state of an assessment run.
type RunStatus string

const (
	RunQueued           RunStatus = "queued"
	RunRunning          RunStatus = "running"
	RunCompleted        RunStatus = "completed"
	RunFailed           RunStatus = "failed"
	RunIntegrityWarning RunStatus = "integrity_warning"
)

// Terminal reports whether a run status is final. Terminal outputs are
// never rewritten.
func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunFailed || s == RunIntegrityWarning
}

// DatapointType distinguishes narrative disclosures from metrics.
type DatapointType string

const (
	DatapointNarrative DatapointType = "narrative"
	DatapointMetric    DatapointType = "metric"
)

// CoverageLevel is the obligation-level roll-up of datapoint verdicts.
type CoverageLevel string

const (
	CoverageFull    CoverageLevel = "Full"
	CoveragePartial CoverageLevel = "Partial"
	CoverageAbsent  CoverageLevel = "Absent"
	CoverageNA      CoverageLevel = "NA"
)

// FailureReason codes recorded in extraction diagnostics.
type FailureReason string

const (
	ReasonChunkNotFound   FailureReason = "CHUNK_NOT_FOUND"
	ReasonEmptyChunk      FailureReason = "EMPTY_CHUNK"
	ReasonNumericMismatch FailureReason = "NUMERIC_MISMATCH"
	ReasonBaselineMissing FailureReason = "BASELINE_MISSING"
	ReasonUnitMismatch    FailureReason = "UNIT_MISMATCH"
	ReasonYearMissing     FailureReason = "YEAR_MISSING"
	ReasonEvidenceMissing FailureReason = "EVIDENCE_MISSING"
	ReasonSchemaViolation FailureReason = "SCHEMA_VIOLATION"
	ReasonProviderFailure FailureReason = "PROVIDER_FAILURE"
)

// Company is the profile the applicability evaluator sees. The fields mirror
// the whitelisted expression context exactly.
type Company struct {
	ID                 string    `json:"id"`
	TenantID           string    `json:"tenant_id"`
	Name               string    `json:"name"`
	Employees          int64     `json:"employees"`
	Turnover           float64   `json:"turnover"`
	ListedStatus       bool      `json:"listed_status"`
	ReportingYear      int       `json:"reporting_year"`
	ReportingYearStart string    `json:"reporting_year_start"`
	ReportingYearEnd   string    `json:"reporting_year_end"`
	Jurisdictions      []string  `json:"jurisdictions"`
	Regimes            []string  `json:"regimes"`
	CreatedAt          time.Time `json:"created_at"`
}

// Document is an immutable ingested source document, identified by the
// SHA-256 of its bytes.
type Document struct {
	DocHash       string    `json:"doc_hash"`
	Title         string    `json:"title"`
	ContentType   string    `json:"content_type"`
	SizeBytes     int64     `json:"size_bytes"`
	ParserVersion string    `json:"parser_version"`
	CreatedAt     time.Time `json:"created_at"`
}

// CompanyDocumentLink grants a company retrieval access to a document.
// Retrieval is company-scoped, never tenant-wide.
type CompanyDocumentLink struct {
	TenantID  string `json:"tenant_id"`
	CompanyID string `json:"company_id"`
	DocHash   string `json:"doc_hash"`
}

// Page is one extracted page of a document. Non-text pages carry empty text
// with CharCount zero; they are never omitted.
type Page struct {
	DocHash       string `json:"doc_hash"`
	PageNumber    int    `json:"page_number"`
	Text          string `json:"text"`
	CharCount     int    `json:"char_count"`
	ParserVersion string `json:"parser_version"`
}

// Chunk is a fixed-rule substring of a page. ChunkID is
// SHA-256(doc_hash:page:start:end) and is stable across re-ingestion of
// identical bytes.
type Chunk struct {
	ChunkID     string `json:"chunk_id"`
	DocHash     string `json:"doc_hash"`
	PageNumber  int    `json:"page_number"`
	StartOffset int    `json:"start_offset"`
	EndOffset   int    `json:"end_offset"`
	Text        string `json:"text"`
	TokenCount  int    `json:"token_count"`
}

// Run is one assessment execution against a company and reporting period.
type Run struct {
	RunID        string    `json:"run_id"`
	TenantID     string    `json:"tenant_id"`
	CompanyID    string    `json:"company_id"`
	Status       RunStatus `json:"status"`
	CompilerMode string    `json:"compiler_mode"`
	ProviderID   string    `json:"provider_id"`
	RunHash      string    `json:"run_hash,omitempty"`
	FailReason   string    `json:"fail_reason,omitempty"`
	FailDetail   string    `json:"fail_detail,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Assessment is the persisted per-datapoint verdict. RunID is assigned per
// execution and is cleared before archiving: the archive bytes must be a
// function of the run hash alone.
//
// Invariant: Status in {Present, Partial} implies EvidenceChunkIDs is
// non-empty and every listed chunk exists with non-empty text.
type Assessment struct {
	RunID            string           `json:"run_id,omitempty"`
	DatapointKey     string           `json:"datapoint_key"`
	Status           AssessmentStatus `json:"status"`
	Value            *string          `json:"value"`
	Unit             *string          `json:"unit"`
	Year             *int             `json:"year"`
	Rationale        string           `json:"rationale"`
	EvidenceChunkIDs []string         `json:"evidence_chunk_ids"`
	PromptHash       string           `json:"prompt_hash"`
	RetrievalParams  RetrievalParams  `json:"retrieval_params"`
}

// Extraction is a provider's schema-only answer for one datapoint, before
// verification. Unknown provider fields are dropped at the parse boundary;
// missing required fields never reach this type.
type Extraction struct {
	Status           AssessmentStatus `json:"status"`
	Value            *string          `json:"value"`
	Unit             *string          `json:"unit"`
	Year             *int             `json:"year"`
	BaselineYear     *int             `json:"baseline_year"`
	BaselineValue    *string          `json:"baseline_value"`
	EvidenceChunkIDs []string         `json:"evidence_chunk_ids"`
	Rationale        string           `json:"rationale"`
}

// RetrievalParams are the exact retrieval settings used for a datapoint,
// recorded so the retrieval state is replayable.
type RetrievalParams struct {
	TopK          int     `json:"top_k"`
	LexicalWeight float64 `json:"lexical_weight"`
	VectorWeight  float64 `json:"vector_weight"`
	Normalization string  `json:"normalization"`
	PolicyVersion string  `json:"policy_version"`
}

// RetrievalCandidate is one ranked retrieval hit in the per-datapoint trace.
type RetrievalCandidate struct {
	Rank          int     `json:"rank"`
	ChunkID       string  `json:"chunk_id"`
	DocHash       string  `json:"doc_hash"`
	PageNumber    int     `json:"page_number"`
	StartOffset   int     `json:"start_offset"`
	EndOffset     int     `json:"end_offset"`
	LexicalScore  float64 `json:"lexical_score"`
	VectorScore   float64 `json:"vector_score"`
	CombinedScore float64 `json:"combined_score"`
}

// ExtractionDiagnostic records what the extractor and verifier saw for one
// datapoint. Downgrade decisions are recorded here, never hidden.
type ExtractionDiagnostic struct {
	RunID               string               `json:"run_id"`
	DatapointKey        string               `json:"datapoint_key"`
	Query               string               `json:"query"`
	RetrievedChunkIDs   []string             `json:"retrieved_chunk_ids"`
	Candidates          []RetrievalCandidate `json:"candidates"`
	NumericMatchesFound int                  `json:"numeric_matches_found"`
	VerificationStatus  string               `json:"verification_status"`
	FailureReasons      []FailureReason      `json:"failure_reasons,omitempty"`
}

// ObligationCoverage is the rolled-up verdict for one obligation.
type ObligationCoverage struct {
	PlanHash       string        `json:"plan_hash"`
	ObligationCode string        `json:"obligation_code"`
	Topic          string        `json:"topic"`
	Level          CoverageLevel `json:"level"`
	TotalMandatory int           `json:"total_mandatory"`
	Present        int           `json:"present"`
	Partial        int           `json:"partial"`
	Absent         int           `json:"absent"`
	NA             int           `json:"na"`
	CoveragePct    float64       `json:"coverage_pct"`
}

// MaterialityEntry marks one topic as material or not for a run. Topics
// absent from the run's entries default to material.
type MaterialityEntry struct {
	Topic      string `json:"topic"`
	IsMaterial bool   `json:"is_material"`
}

// RunEvent is one entry of the serialized per-run event log.
type RunEvent struct {
	RunID     string         `json:"run_id"`
	Seq       int            `json:"seq"`
	EventType string         `json:"event_type"`
	Payload   map[string]any `json:"payload"`
	CreatedAt time.Time      `json:"created_at"`
}
