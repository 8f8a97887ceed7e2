package collect

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	domain "github.com/donaldgifford/market-ledger/pkg/types"
)

const defaultHTTPTimeout = 60 * time.Second

// pageResponse is the collector sidecar's reply to one page request.
type pageResponse struct {
	Records []domain.RawCandidate `json:"records"`
	End     bool                  `json:"end"`
}

// HTTPSource pages through a feed served by the browser-automation
// collector. Each NextBatch issues GET <feed>?page=N; the collector scrolls
// one more step and returns what it sees.
type HTTPSource struct {
	feedURL string
	client  *http.Client
	token   string
	page    int
	done    bool
}

// HTTPOption configures an HTTPOpener.
type HTTPOption func(*HTTPOpener)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(hc *http.Client) HTTPOption {
	return func(o *HTTPOpener) {
		o.client = hc
	}
}

// WithBearerToken sends an Authorization header on every request.
func WithBearerToken(token string) HTTPOption {
	return func(o *HTTPOpener) {
		o.token = token
	}
}

// HTTPOpener opens HTTPSources. Feeds are absolute URLs or paths resolved
// against the base URL.
type HTTPOpener struct {
	base   *url.URL
	client *http.Client
	token  string
}

// NewHTTPOpener creates an opener for the collector at baseURL.
func NewHTTPOpener(baseURL string, opts ...HTTPOption) (*HTTPOpener, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing collector URL: %w", err)
	}
	o := &HTTPOpener{
		base:   base,
		client: &http.Client{Timeout: defaultHTTPTimeout},
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// Open returns a source positioned at the first page of feed.
func (o *HTTPOpener) Open(_ context.Context, feed string) (Source, error) {
	ref, err := url.Parse(feed)
	if err != nil {
		return nil, fmt.Errorf("parsing feed %q: %w", feed, err)
	}
	return &HTTPSource{
		feedURL: o.base.ResolveReference(ref).String(),
		client:  o.client,
		token:   o.token,
	}, nil
}

// NextBatch fetches the next page.
func (s *HTTPSource) NextBatch(ctx context.Context) (Batch, error) {
	if s.done {
		return Batch{}, ErrEndOfData
	}

	u, err := url.Parse(s.feedURL)
	if err != nil {
		return Batch{}, fmt.Errorf("parsing feed URL: %w", err)
	}
	q := u.Query()
	q.Set("page", strconv.Itoa(s.page))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), http.NoBody)
	if err != nil {
		return Batch{}, fmt.Errorf("creating HTTP request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return Batch{}, ctx.Err()
		}
		return Batch{}, Transient(fmt.Errorf("executing page request: %w", err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Batch{}, Transient(fmt.Errorf("reading response body: %w", err))
	}

	if resp.StatusCode != http.StatusOK {
		statusErr := fmt.Errorf("collector error (status %d): %s", resp.StatusCode, string(body))
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return Batch{}, Transient(statusErr)
		}
		return Batch{}, statusErr
	}

	var page pageResponse
	if err := json.Unmarshal(body, &page); err != nil {
		return Batch{}, fmt.Errorf("parsing page response: %w", err)
	}

	s.page++
	s.done = page.End
	if page.End && len(page.Records) == 0 {
		return Batch{}, ErrEndOfData
	}
	return Batch{Records: page.Records}, nil
}
