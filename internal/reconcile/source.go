package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/openmart/searchsync/internal/domain"
)

// Snapshot is one authoritative entity state fetched from a source service.
type Snapshot struct {
	EntityID string          `json:"id"`
	Version  int64           `json:"version"`
	Data     json.RawMessage `json:"data"`
}

// Source fetches authoritative entity state for drift comparison.
type Source interface {
	// List returns a page of snapshots for the entity type plus the total count.
	List(ctx context.Context, entityType domain.EntityType, page, perPage int) ([]Snapshot, int, error)
	// Fetch returns a single entity's snapshot; false when it does not exist
	// in the source of truth (the index document, if any, is an orphan).
	Fetch(ctx context.Context, entityType domain.EntityType, id string) (*Snapshot, bool, error)
}

type listResponse struct {
	Items []Snapshot `json:"items"`
	Total int        `json:"total"`
}

// HTTPSource fetches snapshots over the owning services' internal sync API.
// Calls go through a circuit breaker so a struggling source service is not
// hammered by reconciliation sweeps.
type HTTPSource struct {
	baseURL string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker[[]byte]
}

// NewHTTPSource creates a source client for the given base URL.
func NewHTTPSource(baseURL string) *HTTPSource {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:   true,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
	}

	breaker := gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:    "reconcile-source",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.Requests >= 5 && counts.TotalFailures*2 >= counts.Requests
		},
	})

	return &HTTPSource{
		baseURL: baseURL,
		client: &http.Client{
			Transport: transport,
			Timeout:   30 * time.Second,
		},
		breaker: breaker,
	}
}

// entityPath maps an entity type to its sync API collection path.
func entityPath(entityType domain.EntityType) string {
	switch entityType {
	case domain.EntityProduct:
		return "products"
	case domain.EntityCategory:
		return "categories"
	default:
		return "content"
	}
}

// get performs one GET through the circuit breaker and returns the body.
// A nil body with nil error signals 404.
func (s *HTTPSource) get(ctx context.Context, url string) ([]byte, error) {
	return s.breaker.Execute(func() ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}

		resp, err := s.client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("fetch %s: %w", url, err)
		}
		defer func() { _ = resp.Body.Close() }()

		if resp.StatusCode == http.StatusNotFound {
			return nil, nil
		}
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("fetch %s: unexpected status %d", url, resp.StatusCode)
		}

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", url, err)
		}
		return body, nil
	})
}

// List returns one page of authoritative snapshots.
func (s *HTTPSource) List(ctx context.Context, entityType domain.EntityType, page, perPage int) ([]Snapshot, int, error) {
	url := fmt.Sprintf("%s/internal/sync/%s?page=%d&per_page=%d", s.baseURL, entityPath(entityType), page, perPage)

	body, err := s.get(ctx, url)
	if err != nil {
		return nil, 0, err
	}
	if body == nil {
		return nil, 0, nil
	}

	var lr listResponse
	if err := json.Unmarshal(body, &lr); err != nil {
		return nil, 0, fmt.Errorf("decode snapshot page: %w", err)
	}
	return lr.Items, lr.Total, nil
}

// Fetch returns a single entity's authoritative snapshot.
func (s *HTTPSource) Fetch(ctx context.Context, entityType domain.EntityType, id string) (*Snapshot, bool, error) {
	url := fmt.Sprintf("%s/internal/sync/%s/%s", s.baseURL, entityPath(entityType), id)

	body, err := s.get(ctx, url)
	if err != nil {
		return nil, false, err
	}
	if body == nil {
		return nil, false, nil
	}

	var snap Snapshot
	if err := json.Unmarshal(body, &snap); err != nil {
		return nil, false, fmt.Errorf("decode snapshot: %w", err)
	}
	return &snap, true, nil
}
