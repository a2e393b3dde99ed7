package tui

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mattjoyce/backpost/internal/api"
)

// Source supplies the monitor with server state.
type Source interface {
	Health(ctx context.Context) (api.HealthzResponse, error)
	Queue(ctx context.Context, limit int) (api.QueueResponse, error)
}

// HTTPSource reads the backpost HTTP API.
type HTTPSource struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewHTTPSource(baseURL, apiKey string) *HTTPSource {
	return &HTTPSource{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 5 * time.Second},
	}
}

func (s *HTTPSource) Health(ctx context.Context) (api.HealthzResponse, error) {
	var h api.HealthzResponse
	err := s.get(ctx, "/healthz", &h)
	return h, err
}

func (s *HTTPSource) Queue(ctx context.Context, limit int) (api.QueueResponse, error) {
	var q api.QueueResponse
	err := s.get(ctx, "/queue?limit="+strconv.Itoa(limit), &q)
	return q, err
}

func (s *HTTPSource) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+s.apiKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var e api.ErrorResponse
		_ = json.NewDecoder(resp.Body).Decode(&e)
		if e.Error == "" {
			e.Error = http.StatusText(resp.StatusCode)
		}
		return fmt.Errorf("GET %s: %d %s", path, resp.StatusCode, e.Error)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
