package oracle

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// HTTPDoer abstracts http.Client for ease of testing.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// HTTPSource fetches quotes from a JSON endpoint answering
// {"rate": "<decimal>", "timestamp": <unix seconds>} for ?feed=<BASE/QUOTE>.
type HTTPSource struct {
	client   HTTPDoer
	endpoint string
	apiKey   string
	name     string
}

// NewHTTPSource constructs an HTTP quote source. When the client is nil a
// client with a ten second timeout is used.
func NewHTTPSource(name, endpoint, apiKey string, client HTTPDoer) *HTTPSource {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		name = "http"
	}
	return &HTTPSource{client: client, endpoint: strings.TrimSpace(endpoint), apiKey: strings.TrimSpace(apiKey), name: name}
}

// Quote implements Source.
func (s *HTTPSource) Quote(feedID string) (Price, error) {
	if s == nil || s.endpoint == "" {
		return Price{}, ErrNotConfigured
	}
	req, err := http.NewRequest(http.MethodGet, s.endpoint, nil)
	if err != nil {
		return Price{}, err
	}
	values := url.Values{}
	values.Set("feed", NormalizeFeed(feedID))
	req.URL.RawQuery = values.Encode()
	if s.apiKey != "" {
		req.Header.Set("x-api-key", s.apiKey)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return Price{}, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode == http.StatusNotFound {
		return Price{}, fmt.Errorf("%w: %s", ErrFeedNotFound, NormalizeFeed(feedID))
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Price{}, fmt.Errorf("%s oracle: status %d: %s", s.name, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var payload struct {
		Rate      string `json:"rate"`
		Timestamp int64  `json:"timestamp"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return Price{}, fmt.Errorf("%s oracle: decode: %w", s.name, err)
	}
	rate, err := ParseRate(payload.Rate)
	if err != nil {
		return Price{}, fmt.Errorf("%s oracle: %w", s.name, err)
	}
	return Price{Rate: rate, Timestamp: time.Unix(payload.Timestamp, 0).UTC(), Source: s.name}, nil
}
