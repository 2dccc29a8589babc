// Package websearch is a web search tool backed by the Tavily search API.
package websearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ym-dskr/talk-system/core/tools"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
)

const (
	ToolName        = "web_search"
	DefaultEndpoint = "https://api.tavily.com/search"
	defaultResults  = 3
)

type Result struct {
	Title   string  `json:"title"`
	URL     string  `json:"url"`
	Content string  `json:"content"`
	Score   float64 `json:"score"`
}

type Client struct {
	apiKey     string
	endpoint   string
	maxResults int
	httpClient *http.Client
}

type Option func(*Client)

func WithEndpoint(endpoint string) Option {
	return func(c *Client) {
		c.endpoint = endpoint
	}
}

func WithMaxResults(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxResults = n
		}
	}
}

func NewClient(apiKey string, opts ...Option) *Client {
	c := &Client{
		apiKey:     apiKey,
		endpoint:   DefaultEndpoint,
		maxResults: defaultResults,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
			Transport: otelhttp.NewTransport(
				http.DefaultTransport,
				otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
					return "tavily " + r.Method + " " + r.URL.Path
				}),
			),
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type arguments struct {
	Query string `json:"query" jsonschema:"description=What to search the web for"`
}

func (c *Client) Definition() tools.Definition {
	return tools.NewDefinition[arguments](ToolName,
		"Search the web for current information such as news, weather or facts you do not know.")
}

// Call runs a search and formats the top results for the model. Failures are
// reported back as text so the conversation can carry on.
func (c *Client) Call(ctx context.Context, rawArguments string) (string, error) {
	var args arguments
	if err := json.Unmarshal([]byte(rawArguments), &args); err != nil {
		return "", fmt.Errorf("failed to parse search arguments: %w", err)
	}

	if c.apiKey == "" {
		return "Search API key is not configured.", nil
	}

	results, err := c.Search(ctx, args.Query)
	if err != nil {
		logger.Warn("web search failed", "query", args.Query, "error", err)
		return fmt.Sprintf("An error occurred during search: %v", err), nil
	}
	if len(results) == 0 {
		return "No results found.", nil
	}

	formatted := make([]string, 0, len(results))
	for _, result := range results {
		formatted = append(formatted, fmt.Sprintf("Title: %s\nContent: %s\nURL: %s", result.Title, result.Content, result.URL))
	}
	return strings.Join(formatted, "\n\n"), nil
}

type searchRequest struct {
	APIKey      string `json:"api_key"`
	Query       string `json:"query"`
	SearchDepth string `json:"search_depth"`
	MaxResults  int    `json:"max_results"`
}

type searchResponse struct {
	Results []Result `json:"results"`
}

func (c *Client) Search(ctx context.Context, query string) ([]Result, error) {
	ctx, span := tracer.Start(ctx, "web search")
	defer span.End()
	span.SetAttributes(attribute.String("search.query", query))

	body, err := json.Marshal(searchRequest{
		APIKey:      c.apiKey,
		Query:       query,
		SearchDepth: "basic",
		MaxResults:  c.maxResults,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode search request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create search request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	logger.Info("querying web search", "query", query)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to send search request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("search request failed with status %s", resp.Status)
		span.RecordError(err)
		return nil, err
	}

	var decoded searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("failed to decode search response: %w", err)
	}

	results := decoded.Results
	if len(results) > c.maxResults {
		results = results[:c.maxResults]
	}
	span.SetAttributes(attribute.Int("search.results", len(results)))
	return results, nil
}
