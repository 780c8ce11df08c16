package discovery

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/regtrace/regtrace/pkg/errkind"
)

// DefaultSearchURL is the Tavily search endpoint.
const DefaultSearchURL = "https://api.tavily.com/search"

// WebSearchClient queries a Tavily-compatible search API.
type WebSearchClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewWebSearchClient builds a search client. An empty baseURL gets the
// default endpoint; a nil client gets a 15 second timeout.
func NewWebSearchClient(baseURL, apiKey string, client *http.Client) *WebSearchClient {
	if baseURL == "" {
		baseURL = DefaultSearchURL
	}
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &WebSearchClient{baseURL: baseURL, apiKey: apiKey, client: client}
}

type searchRequest struct {
	APIKey            string `json:"api_key"`
	Query             string `json:"query"`
	SearchDepth       string `json:"search_depth"`
	MaxResults        int    `json:"max_results"`
	IncludeRawContent bool   `json:"include_raw_content"`
}

type searchResponse struct {
	Results []struct {
		Title   string  `json:"title"`
		URL     string  `json:"url"`
		Content string  `json:"content"`
		Score   float64 `json:"score"`
	} `json:"results"`
}

// Search runs one query and returns candidates in the API's relevance
// order. Transport and decoding failures are dependency errors.
func (c *WebSearchClient) Search(ctx context.Context, query string, limit int) ([]Candidate, error) {
	body, err := json.Marshal(searchRequest{
		APIKey:            c.apiKey,
		Query:             query,
		SearchDepth:       "advanced",
		MaxResults:        limit,
		IncludeRawContent: false,
	})
	if err != nil {
		return nil, errkind.Wrap(errkind.Validation, err, "encode search request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(body))
	if err != nil {
		return nil, errkind.Wrap(errkind.Validation, err, "build search request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, errkind.Wrap(errkind.Dependency, err, "search request")
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, errkind.E(errkind.Dependency, "search backend returned status %d", resp.StatusCode)
	}
	var decoded searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, errkind.Wrap(errkind.Dependency, err, "decode search response")
	}

	candidates := make([]Candidate, 0, len(decoded.Results))
	for _, r := range decoded.Results {
		candidates = append(candidates, Candidate{URL: r.URL, Title: r.Title, Snippet: r.Content})
	}
	return candidates, nil
}
