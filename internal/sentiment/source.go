package sentiment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
)

// ErrEmptyPayload is returned when the index endpoint returns no data points.
var ErrEmptyPayload = errors.New("sentiment: empty index payload")

// HTTPSource fetches a fear & greed style index over HTTP. The expected
// body is {"data":[{"value":"54", ...}]}; the first element wins.
type HTTPSource struct {
	URL    string
	Client *http.Client
}

// NewHTTPSource creates a source for the given endpoint.
func NewHTTPSource(url string, client *http.Client) *HTTPSource {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPSource{URL: url, Client: client}
}

type indexPayload struct {
	Data []struct {
		Value json.RawMessage `json:"value"`
	} `json:"data"`
}

// Fetch implements Source.
func (s *HTTPSource) Fetch(ctx context.Context) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL, nil)
	if err != nil {
		return 0, fmt.Errorf("build sentiment request: %w", err)
	}
	resp, err := s.Client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("fetch sentiment: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("fetch sentiment: unexpected status %d", resp.StatusCode)
	}

	var payload indexPayload
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return 0, fmt.Errorf("decode sentiment: %w", err)
	}
	if len(payload.Data) == 0 {
		return 0, ErrEmptyPayload
	}
	return parseScore(payload.Data[0].Value)
}

// parseScore accepts both "54" and 54.
func parseScore(raw json.RawMessage) (int, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		s = string(raw)
	}
	score, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("parse sentiment value %q: %w", s, err)
	}
	if score < 0 || score > 100 {
		return 0, fmt.Errorf("%w: %d", ErrScoreOutOfRange, score)
	}
	return score, nil
}

// StaticSource returns a fixed score or error. Used in development and tests.
type StaticSource struct {
	mu    sync.Mutex
	score int
	err   error
}

// NewStaticSource creates a source that always returns score.
func NewStaticSource(score int) *StaticSource {
	return &StaticSource{score: score}
}

// Set changes the score and clears any error.
func (s *StaticSource) Set(score int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.score, s.err = score, nil
}

// Fail makes subsequent fetches return err.
func (s *StaticSource) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

// Fetch implements Source.
func (s *StaticSource) Fetch(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.score, s.err
}
