package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/regtrace/regtrace/pkg/contracts"
)

// PutDocument records a document row. Documents are content-addressed:
// inserting the same hash again is a no-op and reported as a duplicate so
// callers can skip re-extraction.
func (s *Store) PutDocument(ctx context.Context, d contracts.Document) (duplicate bool, err error) {
	query := `INSERT INTO documents (doc_hash, title, content_type, size_bytes, parser_version, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(doc_hash) DO NOTHING`
	res, err := s.db.ExecContext(ctx, query,
		d.DocHash, d.Title, d.ContentType, d.SizeBytes, d.ParserVersion, formatTime(d.CreatedAt))
	if err != nil {
		return false, fmt.Errorf("insert document: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 0, nil
}

// GetDocument loads one document row by hash.
func (s *Store) GetDocument(ctx context.Context, docHash string) (*contracts.Document, error) {
	query := `SELECT doc_hash, title, content_type, size_bytes, parser_version, created_at
		FROM documents WHERE doc_hash = ?`
	var (
		d         contracts.Document
		createdAt string
	)
	err := s.db.QueryRowContext(ctx, query, docHash).Scan(
		&d.DocHash, &d.Title, &d.ContentType, &d.SizeBytes, &d.ParserVersion, &createdAt)
	if err == sql.ErrNoRows {
		return nil, notFound("document", docHash)
	}
	if err != nil {
		return nil, err
	}
	d.CreatedAt = parseTime(createdAt)
	return &d, nil
}

// LinkCompanyDocument grants a company retrieval access to a document.
// Linking twice is a no-op.
func (s *Store) LinkCompanyDocument(ctx context.Context, link contracts.CompanyDocumentLink) error {
	query := `INSERT INTO company_documents (tenant_id, company_id, doc_hash)
		VALUES (?, ?, ?)
		ON CONFLICT(tenant_id, company_id, doc_hash) DO NOTHING`
	_, err := s.db.ExecContext(ctx, query, link.TenantID, link.CompanyID, link.DocHash)
	if err != nil {
		return fmt.Errorf("link document: %w", err)
	}
	return nil
}

// ListCompanyDocuments returns a company's linked documents sorted by hash.
func (s *Store) ListCompanyDocuments(ctx context.Context, tenantID, companyID string) ([]contracts.Document, error) {
	query := `
		SELECT d.doc_hash, d.title, d.content_type, d.size_bytes, d.parser_version, d.created_at
		FROM documents d
		JOIN company_documents cd ON cd.doc_hash = d.doc_hash
		WHERE cd.tenant_id = ? AND cd.company_id = ?
		ORDER BY d.doc_hash ASC
	`
	rows, err := s.db.QueryContext(ctx, query, tenantID, companyID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var docs []contracts.Document
	for rows.Next() {
		var (
			d         contracts.Document
			createdAt string
		)
		if err := rows.Scan(&d.DocHash, &d.Title, &d.ContentType, &d.SizeBytes, &d.ParserVersion, &createdAt); err != nil {
			return nil, err
		}
		d.CreatedAt = parseTime(createdAt)
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

// PutPages persists the extracted pages of one document in a single
// transaction. Re-ingesting identical bytes overwrites with identical rows.
func (s *Store) PutPages(ctx context.Context, pages []contracts.Page) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	query := `INSERT INTO pages (doc_hash, page_number, text, char_count, parser_version)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(doc_hash, page_number) DO UPDATE SET
			text = excluded.text,
			char_count = excluded.char_count,
			parser_version = excluded.parser_version`
	for _, p := range pages {
		if _, err := tx.ExecContext(ctx, query, p.DocHash, p.PageNumber, p.Text, p.CharCount, p.ParserVersion); err != nil {
			return fmt.Errorf("insert page %d: %w", p.PageNumber, err)
		}
	}
	return tx.Commit()
}

// GetPages returns a document's pages in page order.
func (s *Store) GetPages(ctx context.Context, docHash string) ([]contracts.Page, error) {
	query := `SELECT doc_hash, page_number, text, char_count, parser_version
		FROM pages WHERE doc_hash = ? ORDER BY page_number ASC`
	rows, err := s.db.QueryContext(ctx, query, docHash)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var pages []contracts.Page
	for rows.Next() {
		var p contracts.Page
		if err := rows.Scan(&p.DocHash, &p.PageNumber, &p.Text, &p.CharCount, &p.ParserVersion); err != nil {
			return nil, err
		}
		pages = append(pages, p)
	}
	return pages, rows.Err()
}

// PutChunks persists a document's chunks in a single transaction. Chunk IDs
// are content-derived, so replays land on identical rows.
func (s *Store) PutChunks(ctx context.Context, chunks []contracts.Chunk) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	query := `INSERT INTO chunks (chunk_id, doc_hash, page_number, start_offset, end_offset, text, token_count)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(chunk_id) DO NOTHING`
	for _, c := range chunks {
		if _, err := tx.ExecContext(ctx, query,
			c.ChunkID, c.DocHash, c.PageNumber, c.StartOffset, c.EndOffset, c.Text, c.TokenCount); err != nil {
			return fmt.Errorf("insert chunk %s: %w", c.ChunkID, err)
		}
	}
	return tx.Commit()
}

// GetChunk loads one chunk by ID.
func (s *Store) GetChunk(ctx context.Context, chunkID string) (*contracts.Chunk, error) {
	query := `SELECT chunk_id, doc_hash, page_number, start_offset, end_offset, text, token_count
		FROM chunks WHERE chunk_id = ?`
	var c contracts.Chunk
	err := s.db.QueryRowContext(ctx, query, chunkID).Scan(
		&c.ChunkID, &c.DocHash, &c.PageNumber, &c.StartOffset, &c.EndOffset, &c.Text, &c.TokenCount)
	if err == sql.ErrNoRows {
		return nil, notFound("chunk", chunkID)
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// ListCompanyChunks returns the full retrieval corpus for a company: every
// chunk of every linked document, in (doc_hash, page, start) order.
func (s *Store) ListCompanyChunks(ctx context.Context, tenantID, companyID string) ([]contracts.Chunk, error) {
	query := `
		SELECT c.chunk_id, c.doc_hash, c.page_number, c.start_offset, c.end_offset, c.text, c.token_count
		FROM chunks c
		JOIN company_documents cd ON cd.doc_hash = c.doc_hash
		WHERE cd.tenant_id = ? AND cd.company_id = ?
		ORDER BY c.doc_hash ASC, c.page_number ASC, c.start_offset ASC
	`
	rows, err := s.db.QueryContext(ctx, query, tenantID, companyID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var chunks []contracts.Chunk
	for rows.Next() {
		var c contracts.Chunk
		if err := rows.Scan(&c.ChunkID, &c.DocHash, &c.PageNumber, &c.StartOffset, &c.EndOffset, &c.Text, &c.TokenCount); err != nil {
			return nil, err
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

// PutEmbedding stores one chunk vector for a model. Idempotent.
func (s *Store) PutEmbedding(ctx context.Context, chunkID, model string, vector []float64) error {
	raw, _ := json.Marshal(vector)
	query := `INSERT INTO embeddings (chunk_id, model, vector) VALUES (?, ?, ?)
		ON CONFLICT(chunk_id, model) DO NOTHING`
	_, err := s.db.ExecContext(ctx, query, chunkID, model, string(raw))
	if err != nil {
		return fmt.Errorf("insert embedding: %w", err)
	}
	return nil
}

// GetEmbeddings loads all vectors for a company's corpus under one model,
// keyed by chunk ID.
func (s *Store) GetEmbeddings(ctx context.Context, tenantID, companyID, model string) (map[string][]float64, error) {
	query := `
		SELECT e.chunk_id, e.vector
		FROM embeddings e
		JOIN chunks c ON c.chunk_id = e.chunk_id
		JOIN company_documents cd ON cd.doc_hash = c.doc_hash
		WHERE cd.tenant_id = ? AND cd.company_id = ? AND e.model = ?
		ORDER BY e.chunk_id ASC
	`
	rows, err := s.db.QueryContext(ctx, query, tenantID, companyID, model)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	vectors := make(map[string][]float64)
	for rows.Next() {
		var (
			chunkID string
			raw     string
		)
		if err := rows.Scan(&chunkID, &raw); err != nil {
			return nil, err
		}
		var vec []float64
		if err := json.Unmarshal([]byte(raw), &vec); err != nil {
			return nil, fmt.Errorf("decode embedding %s: %w", chunkID, err)
		}
		vectors[chunkID] = vec
	}
	return vectors, rows.Err()
}
