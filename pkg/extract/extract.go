// Package extract converts stored document bytes into ordered per-page text
// records. Extraction is deterministic: identical bytes with the same
// parser version yield byte-identical page text. Non-text pages are emitted
// with empty text and char_count zero, never omitted.
package extract

import (
	"strings"

	"github.com/regtrace/regtrace/pkg/contracts"
	"github.com/regtrace/regtrace/pkg/errkind"
)

// Parser version tags, stamped on every page for forward-compatible
// re-extraction.
const (
	ParserVersionPDF  = "pdf-lite-v1"
	ParserVersionText = "text-v1"
)

// Pages extracts the ordered page sequence for a document.
func Pages(docHash string, data []byte, contentType string) ([]contracts.Page, error) {
	switch normalizeContentType(contentType) {
	case "application/pdf":
		return pdfPages(docHash, data), nil
	case "text/plain", "text/markdown":
		return textPages(docHash, data), nil
	default:
		return nil, errkind.E(errkind.Validation,
			"UNSUPPORTED_FORMAT: content type %q cannot be extracted", contentType)
	}
}

// ParserVersion reports the parser tag that Pages would stamp for a content
// type, without extracting.
func ParserVersion(contentType string) string {
	switch normalizeContentType(contentType) {
	case "application/pdf":
		return ParserVersionPDF
	default:
		return ParserVersionText
	}
}

func normalizeContentType(ct string) string {
	ct = strings.ToLower(strings.TrimSpace(ct))
	if idx := strings.IndexByte(ct, ';'); idx >= 0 {
		ct = strings.TrimSpace(ct[:idx])
	}
	return ct
}

// textPages splits plain text on form feeds; a document without form feeds
// is a single page.
func textPages(docHash string, data []byte) []contracts.Page {
	parts := strings.Split(string(data), "\f")
	pages := make([]contracts.Page, 0, len(parts))
	for i, part := range parts {
		pages = append(pages, contracts.Page{
			DocHash:       docHash,
			PageNumber:    i + 1,
			Text:          part,
			CharCount:     len(part),
			ParserVersion: ParserVersionText,
		})
	}
	return pages
}
