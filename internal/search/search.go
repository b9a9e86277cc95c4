// Package search is the client side of the search engine contract: a
// Searcher runs one query against an index and returns scored documents.
package search

import (
	"context"
	"fmt"
	"net/url"
	"time"
)

// Result is one scored document.
type Result struct {
	Score float64 `json:"score"`
	ID    string  `json:"id"`
	Name  string  `json:"name,omitempty"`
	Type  string  `json:"type,omitempty"`

	// Components holds named partial scores for ranking function tracing.
	Components map[string]float64 `json:"components,omitempty"`
}

// Request describes one query.
type Request struct {
	Index           string            `json:"index,omitempty"`
	IndexType       string            `json:"index_type,omitempty"`
	Query           string            `json:"query"`
	Offset          int               `json:"offset"`
	Limit           int               `json:"limit"`
	QueryType       string            `json:"query_type,omitempty"`
	RetrievalTask   string            `json:"retrieval_task,omitempty"`
	RankingFunction string            `json:"ranking_function,omitempty"`
	RankingParams   map[string]string `json:"ranking_params,omitempty"`
}

// Response is the ranked result list of a query.
type Response struct {
	Results []Result `json:"results"`
	NumDocs int      `json:"num_docs"`
}

// Searcher runs queries against a search engine.
type Searcher interface {
	Search(ctx context.Context, req Request) (*Response, error)
	Close() error
}

// Func adapts a function to the Searcher interface.
type Func func(ctx context.Context, req Request) (*Response, error)

// Search calls f.
func (f Func) Search(ctx context.Context, req Request) (*Response, error) {
	return f(ctx, req)
}

// Close is a no-op.
func (f Func) Close() error { return nil }

// Dial creates a Searcher for an endpoint URL. http and https endpoints use
// the JSON API; grpc://host:port uses the gRPC service. A zero timeout means
// calls are never cut short.
func Dial(endpoint string, timeout time.Duration) (Searcher, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parsing search endpoint: %w", err)
	}

	switch u.Scheme {
	case "http", "https":
		return NewHTTPSearcher(endpoint, timeout), nil
	case "grpc":
		return NewGRPCSearcher(u.Host, timeout)
	default:
		return nil, fmt.Errorf("unsupported search endpoint scheme %q", u.Scheme)
	}
}
