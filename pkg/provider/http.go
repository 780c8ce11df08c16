package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/regtrace/regtrace/pkg/contracts"
	"github.com/regtrace/regtrace/pkg/errkind"
)

// responseSchemaJSON is the only shape a provider answer may take. Extra
// fields are ignored; missing required fields fail the extraction.
const responseSchemaJSON = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["status", "evidence_chunk_ids", "rationale"],
	"properties": {
		"status": {"enum": ["Present", "Partial", "Absent", "NA"]},
		"value": {"type": ["string", "null"]},
		"unit": {"type": ["string", "null"]},
		"year": {"type": ["integer", "null"]},
		"baseline_year": {"type": ["integer", "null"]},
		"baseline_value": {"type": ["string", "null"]},
		"evidence_chunk_ids": {"type": "array", "items": {"type": "string"}},
		"rationale": {"type": "string"}
	}
}`

var responseSchema = jsonschema.MustCompileString("extraction.schema.json", responseSchemaJSON)

// HTTPConfig configures the schema-constrained external provider.
type HTTPConfig struct {
	ProviderID string
	BaseURL    string
	APIKey     string
	Model      string
	Timeout    time.Duration
	// Retries bounds transport-level retries. Semantically valid responses
	// are never retried, whatever they say.
	Retries int
}

// HTTPProvider speaks an OpenAI-compatible chat-completions contract at
// temperature zero and parses the answer in schema-only mode.
type HTTPProvider struct {
	cfg    HTTPConfig
	client *http.Client
}

// NewHTTPProvider builds the external provider.
func NewHTTPProvider(cfg HTTPConfig) *HTTPProvider {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &HTTPProvider{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

func (p *HTTPProvider) ID() string {
	return p.cfg.ProviderID
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string         `json:"model"`
	Messages       []chatMessage  `json:"messages"`
	Temperature    float64        `json:"temperature"`
	ResponseFormat map[string]any `json:"response_format,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

const systemInstruction = "You are a disclosure extraction engine. Answer with a single JSON object " +
	"matching the requested schema. Cite evidence only by the chunk_id values provided. " +
	"If the disclosure is not in the provided chunks, answer status \"Absent\"."

// Extract sends the prompt and parses the schema-only answer. Transport
// failures and 5xx responses are retried with bounded backoff; a response
// that parses but violates the schema fails immediately.
func (p *HTTPProvider) Extract(ctx context.Context, prompt Prompt) (contracts.Extraction, error) {
	promptJSON, err := json.Marshal(prompt)
	if err != nil {
		return contracts.Extraction{}, errkind.Wrap(errkind.Validation, err, "encode prompt")
	}

	body, err := json.Marshal(chatRequest{
		Model: p.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: systemInstruction},
			{Role: "user", Content: string(promptJSON)},
		},
		Temperature:    0,
		ResponseFormat: map[string]any{"type": "json_object"},
	})
	if err != nil {
		return contracts.Extraction{}, errkind.Wrap(errkind.Validation, err, "encode request")
	}

	var lastErr error
	for attempt := 0; attempt <= p.cfg.Retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return contracts.Extraction{}, errkind.Wrap(errkind.KindOf(ctx.Err()), ctx.Err(), "provider retry")
			case <-time.After(time.Duration(attempt) * 250 * time.Millisecond):
			}
		}

		content, retryable, err := p.call(ctx, body)
		if err != nil {
			lastErr = err
			if retryable {
				continue
			}
			return contracts.Extraction{}, err
		}
		return parseExtraction(content)
	}
	return contracts.Extraction{}, errkind.Wrap(errkind.Dependency, lastErr,
		"provider %s unavailable after %d attempts", p.cfg.ProviderID, p.cfg.Retries+1)
}

func (p *HTTPProvider) call(ctx context.Context, body []byte) (content string, retryable bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.cfg.BaseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", false, errkind.Wrap(errkind.Validation, err, "build provider request")
	}
	req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return "", true, errkind.Wrap(errkind.KindOf(err), err, "provider transport")
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", true, errkind.Wrap(errkind.Dependency, err, "read provider response")
	}
	if resp.StatusCode >= 500 {
		return "", true, errkind.E(errkind.Dependency, "provider returned %d", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return "", false, errkind.E(errkind.Dependency, "provider returned %d: %s", resp.StatusCode, truncate(raw, 200))
	}

	var parsed chatResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", false, errkind.Wrap(errkind.ProviderSchema, err, "decode provider envelope")
	}
	if len(parsed.Choices) == 0 {
		return "", false, errkind.E(errkind.ProviderSchema, "provider returned no choices")
	}
	return parsed.Choices[0].Message.Content, false, nil
}

// parseExtraction validates provider content against the response schema.
// Unknown fields are dropped by the typed unmarshal; schema violations are
// PROVIDER_SCHEMA errors with the SCHEMA_VIOLATION reason attached upstream.
func parseExtraction(content string) (contracts.Extraction, error) {
	var doc any
	if err := json.Unmarshal([]byte(content), &doc); err != nil {
		return contracts.Extraction{}, errkind.Wrap(errkind.ProviderSchema, err, "provider answer is not JSON")
	}
	if err := responseSchema.Validate(doc); err != nil {
		return contracts.Extraction{}, errkind.Wrap(errkind.ProviderSchema, err, "provider answer violates schema")
	}

	var e contracts.Extraction
	if err := json.Unmarshal([]byte(content), &e); err != nil {
		return contracts.Extraction{}, errkind.Wrap(errkind.ProviderSchema, err, "decode extraction")
	}
	if e.EvidenceChunkIDs == nil {
		e.EvidenceChunkIDs = []string{}
	}
	return e, nil
}

func truncate(raw []byte, n int) string {
	if len(raw) <= n {
		return string(raw)
	}
	return fmt.Sprintf("%s...", raw[:n])
}
