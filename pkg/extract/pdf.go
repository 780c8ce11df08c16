package extract

import (
	"bytes"
	"compress/zlib"
	"io"
	"regexp"
	"strings"

	"github.com/regtrace/regtrace/pkg/contracts"
)

// pdf-lite: a minimal, fully deterministic text extractor for the PDF
// subset produced by common report generators. It pairs content streams
// with pages in object order and reads text-showing operators (Tj, TJ, ')
// from each stream. Pages whose streams carry no text operators (scans,
// pure vector pages) come back as empty pages — they are counted, never
// dropped.

var (
	pageObjPattern = regexp.MustCompile(`/Type\s*/Page[^s]`)
	streamPattern  = regexp.MustCompile(`(?s)stream\r?\n(.*?)endstream`)
	flatePattern   = regexp.MustCompile(`/FlateDecode`)
	textShowTj     = regexp.MustCompile(`\(((?:\\.|[^\\()])*)\)\s*(?:Tj|')`)
	textShowTJ     = regexp.MustCompile(`(?s)\[(.*?)\]\s*TJ`)
	literalString  = regexp.MustCompile(`\(((?:\\.|[^\\()])*)\)`)
)

func pdfPages(docHash string, data []byte) []contracts.Page {
	pageCount := len(pageObjPattern.FindAllIndex(data, -1))
	if pageCount == 0 {
		pageCount = 1
	}

	streams := streamPattern.FindAllSubmatchIndex(data, -1)
	texts := make([]string, 0, len(streams))
	for _, loc := range streams {
		body := data[loc[2]:loc[3]]
		// A FlateDecode marker shortly before the stream means the body is
		// zlib-compressed; decompression is deterministic.
		dictStart := loc[0] - 512
		if dictStart < 0 {
			dictStart = 0
		}
		if flatePattern.Match(data[dictStart:loc[0]]) {
			if inflated, ok := inflate(body); ok {
				body = inflated
			}
		}
		if text := streamText(body); text != "" {
			texts = append(texts, text)
		}
	}

	pages := make([]contracts.Page, 0, pageCount)
	for i := 0; i < pageCount; i++ {
		text := ""
		if i < len(texts) {
			text = texts[i]
		}
		pages = append(pages, contracts.Page{
			DocHash:       docHash,
			PageNumber:    i + 1,
			Text:          text,
			CharCount:     len(text),
			ParserVersion: ParserVersionPDF,
		})
	}
	return pages
}

func inflate(body []byte) ([]byte, bool) {
	r, err := zlib.NewReader(bytes.NewReader(body))
	if err != nil {
		return nil, false
	}
	defer r.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, false
	}
	return out, true
}

// streamText concatenates the literal strings of text-showing operators in
// stream order, separated by single spaces.
func streamText(body []byte) string {
	var parts []string
	for _, m := range textShowTj.FindAllSubmatch(body, -1) {
		parts = append(parts, unescapePDFString(string(m[1])))
	}
	for _, m := range textShowTJ.FindAllSubmatch(body, -1) {
		for _, lit := range literalString.FindAllSubmatch(m[1], -1) {
			parts = append(parts, unescapePDFString(string(lit[1])))
		}
	}
	return strings.Join(parts, " ")
}

func unescapePDFString(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '\\' || i+1 >= len(s) {
			b.WriteByte(c)
			continue
		}
		i++
		switch s[i] {
		case 'n':
			b.WriteByte('\n')
		case 'r':
			b.WriteByte('\r')
		case 't':
			b.WriteByte('\t')
		case '(', ')', '\\':
			b.WriteByte(s[i])
		default:
			b.WriteByte(s[i])
		}
	}
	return b.String()
}
