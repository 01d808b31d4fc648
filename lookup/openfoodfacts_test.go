package lookup

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"foodledger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const searchBody = `{"products": [
	{"product_name": "Nutella", "serving_size": "15 g", "nutriments": {"energy-kcal_serving": 80, "energy-kcal_100g": 539, "proteins_100g": 6.3, "proteins_serving": 0.9, "fat_100g": 30.9, "fat_serving": 4.6, "carbohydrates_100g": 57.5, "carbohydrates_serving": "8.6"}},
	{"product_name": "", "serving_size": "15 g", "nutriments": {"energy-kcal_serving": 80}},
	{"product_name": "Nutella B-ready", "nutriments": {"energy-kcal_serving": 114}},
	{"product_name": "Nutella Biscuits", "serving_size": "2 biscuits", "nutriments": {"energy-kcal_100g": 511}},
	{"product_name": "Nutella & Go", "serving_size": "52 g", "nutriments": {"energy-kcal_serving": "263 kcal", "proteins_100g": 8, "proteins_serving": [1]}}
]}`

type capturedRequest struct {
	mu        sync.Mutex
	path      string
	query     url.Values
	userAgent string
}

// setupMockServer creates a mock server that counts requests and records the last one.
func setupMockServer(t *testing.T, status int, body string) (*httptest.Server, *atomic.Int32, *capturedRequest) {
	t.Helper()

	var calls atomic.Int32
	last := &capturedRequest{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		last.mu.Lock()
		last.path, last.query, last.userAgent = r.URL.Path, r.URL.Query(), r.Header.Get("User-Agent")
		last.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(server.Close)
	return server, &calls, last
}

func setupTestClient(server *httptest.Server) *OpenFoodFacts {
	return NewOpenFoodFacts(Config{
		BaseURL:   server.URL,
		UserAgent: "foodledger-test/1.0",
		PageSize:  4,
		Timeout:   2 * time.Second,
		CacheTTL:  time.Minute,
		RateLimit: 1000,
	}, server.Client())
}

func TestOpenFoodFactsLookup(t *testing.T) {
	server, calls, last := setupMockServer(t, http.StatusOK, searchBody)
	client := setupTestClient(server)

	results, err := client.Lookup(context.Background(), "Nutella")
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.Equal(t, "Nutella", results[0].Name)
	assert.Equal(t, "15 g", results[0].ServingDescription)
	require.NotNil(t, results[0].Calories)
	assert.Equal(t, 80.0, *results[0].Calories)
	require.NotNil(t, results[0].Carbs)
	assert.Equal(t, 8.6, *results[0].Carbs, "macros are per serving, like calories")
	require.NotNil(t, results[0].Protein)
	assert.Equal(t, 0.9, *results[0].Protein)
	require.NotNil(t, results[0].Fat)
	assert.Equal(t, 4.6, *results[0].Fat)
	assert.Equal(t, "openfoodfacts", results[0].Source)

	assert.Equal(t, "Nutella & Go", results[1].Name)
	assert.Equal(t, 263.0, *results[1].Calories)
	assert.Nil(t, results[1].Protein, "per-100g values never stand in for a missing serving value")

	last.mu.Lock()
	defer last.mu.Unlock()
	assert.Equal(t, "/cgi/search.pl", last.path)
	q := last.query
	assert.Equal(t, "Nutella", q.Get("search_terms"))
	assert.Equal(t, "9", q.Get("page_size"))
	assert.Equal(t, "unique_scans_n", q.Get("sort_by"))
	assert.Equal(t, "foodledger-test/1.0", last.userAgent)
	assert.Equal(t, int32(1), calls.Load())
}

func TestOpenFoodFactsLookupCaches(t *testing.T) {
	server, calls, _ := setupMockServer(t, http.StatusOK, searchBody)
	client := setupTestClient(server)

	_, err := client.Lookup(context.Background(), "Nutella")
	require.NoError(t, err)
	_, err = client.Lookup(context.Background(), "  nutella ")
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestOpenFoodFactsLookupErrors(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		wantKind foodledger.Kind
	}{
		{name: "rate limited", status: http.StatusTooManyRequests, body: `{}`, wantKind: foodledger.KindRateLimited},
		{name: "server error", status: http.StatusBadGateway, body: `upstream down`, wantKind: foodledger.KindServiceUnavailable},
		{name: "bad json", status: http.StatusOK, body: `<html>`, wantKind: foodledger.KindServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server, _, _ := setupMockServer(t, tt.status, tt.body)
			_, err := setupTestClient(server).Lookup(context.Background(), "apple")
			require.Error(t, err)
			assert.Equal(t, tt.wantKind, foodledger.KindOf(err))
			assert.True(t, errors.Is(err, foodledger.ErrServiceUnavailable))
		})
	}
}

func TestOpenFoodFactsLookupTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	t.Cleanup(server.Close)

	client := NewOpenFoodFacts(Config{BaseURL: server.URL, Timeout: 50 * time.Millisecond, RateLimit: 1000}, server.Client())
	_, err := client.Lookup(context.Background(), "apple")
	require.Error(t, err)
	assert.Equal(t, foodledger.KindServiceUnavailable, foodledger.Classify(err))
}

func TestOpenFoodFactsLookupBlankQuery(t *testing.T) {
	server, calls, _ := setupMockServer(t, http.StatusOK, searchBody)
	results, err := setupTestClient(server).Lookup(context.Background(), "   ")
	require.NoError(t, err)
	assert.Empty(t, results)
	assert.Zero(t, calls.Load())
}
