// Package lookup searches external nutrition databases for foods missing from the catalog.
package lookup

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"foodledger"

	"github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"
)

// Config holds the Open Food Facts client settings.
type Config struct {
	BaseURL   string
	UserAgent string
	PageSize  int
	Timeout   time.Duration
	CacheTTL  time.Duration
	// RateLimit is the sustained number of requests per second.
	RateLimit float64
}

// DefaultConfig returns settings suitable for the public Open Food Facts API.
func DefaultConfig() Config {
	return Config{
		BaseURL:   "https://world.openfoodfacts.org",
		UserAgent: "foodledger/0.1",
		PageSize:  5,
		Timeout:   10 * time.Second,
		CacheTTL:  time.Hour,
		RateLimit: 2,
	}
}

// ConfigFrom maps environment configuration onto client settings.
func ConfigFrom(cfg foodledger.LookupConfig) Config {
	return Config{
		BaseURL:   cfg.BaseURL,
		UserAgent: cfg.UserAgent,
		PageSize:  cfg.PageSize,
		Timeout:   cfg.Timeout,
		CacheTTL:  cfg.CacheTTL,
		RateLimit: cfg.RateLimit,
	}
}

// OpenFoodFacts implements foodledger.NutritionLookup against the Open Food Facts search API.
type OpenFoodFacts struct {
	config     Config
	httpClient foodledger.HTTPClient
	cache      *cache.Cache
	limiter    *rate.Limiter
}

func NewOpenFoodFacts(config Config, httpClient foodledger.HTTPClient) *OpenFoodFacts {
	def := DefaultConfig()
	if config.BaseURL == "" {
		config.BaseURL = def.BaseURL
	}
	if config.UserAgent == "" {
		config.UserAgent = def.UserAgent
	}
	if config.PageSize <= 0 {
		config.PageSize = def.PageSize
	}
	if config.Timeout == 0 {
		config.Timeout = def.Timeout
	}
	if config.CacheTTL == 0 {
		config.CacheTTL = def.CacheTTL
	}
	if config.RateLimit <= 0 {
		config.RateLimit = def.RateLimit
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	c := &OpenFoodFacts{
		config:     config,
		httpClient: httpClient,
		cache:      cache.New(config.CacheTTL, config.CacheTTL*2),
		limiter:    rate.NewLimiter(rate.Limit(config.RateLimit), 1),
	}

	slog.Info("LOOKUP: Open Food Facts client initialized",
		"base_url", config.BaseURL,
		"page_size", config.PageSize,
		"cache_ttl", config.CacheTTL,
		"rate_limit", config.RateLimit)

	return c
}

type searchResponse struct {
	Products []product `json:"products"`
}

type product struct {
	ProductName string                    `json:"product_name"`
	ServingSize string                    `json:"serving_size"`
	Nutriments  map[string]flexibleNumber `json:"nutriments"`
}

// flexibleNumber accepts both JSON numbers and numeric strings such as "52 kcal".
type flexibleNumber struct {
	value *float64
}

func (n *flexibleNumber) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return nil
		}
		n.value = parseNumber(s)
		return nil
	}
	var f float64
	if err := json.Unmarshal(b, &f); err != nil {
		// Nutriments occasionally carry arrays or objects; ignore them.
		return nil
	}
	n.value = &f
	return nil
}

func parseNumber(s string) *float64 {
	cleaned := strings.Map(func(r rune) rune {
		if (r >= '0' && r <= '9') || r == '.' {
			return r
		}
		return -1
	}, s)
	if cleaned == "" {
		return nil
	}
	f, err := strconv.ParseFloat(cleaned, 64)
	if err != nil {
		return nil
	}
	return &f
}

func (p product) nutrient(key string) *float64 {
	if n, ok := p.Nutriments[key]; ok {
		return n.value
	}
	return nil
}

// Lookup returns up to PageSize products for query that carry a name, a
// serving size and per-serving calories.
func (c *OpenFoodFacts) Lookup(ctx context.Context, query string) ([]foodledger.LookupResult, error) {
	key := strings.ToLower(strings.TrimSpace(query))
	if key == "" {
		return []foodledger.LookupResult{}, nil
	}

	if cached, found := c.cache.Get(key); found {
		if results, ok := cached.([]foodledger.LookupResult); ok {
			slog.Debug("LOOKUP: Cache hit", "query", key, "results", len(results))
			return results, nil
		}
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, foodledger.NewError(foodledger.KindServiceUnavailable, "lookup.rate_limit", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	params := url.Values{}
	params.Set("search_terms", query)
	params.Set("search_simple", "1")
	params.Set("action", "process")
	params.Set("json", "1")
	params.Set("sort_by", "unique_scans_n")
	params.Set("page_size", strconv.Itoa(c.config.PageSize+5))
	endpoint := fmt.Sprintf("%s/cgi/search.pl?%s", strings.TrimRight(c.config.BaseURL, "/"), params.Encode())

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create lookup request: %w", err)
	}
	req.Header.Set("User-Agent", c.config.UserAgent)
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, foodledger.NewError(foodledger.KindServiceUnavailable, "lookup.search", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, foodledger.Errorf(foodledger.KindRateLimited, "lookup.search", "open food facts returned %s", resp.Status)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, foodledger.Errorf(foodledger.KindServiceUnavailable, "lookup.search", "open food facts returned %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}

	var sr searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return nil, foodledger.NewError(foodledger.KindServiceUnavailable, "lookup.decode", err)
	}

	results := make([]foodledger.LookupResult, 0, c.config.PageSize)
	for _, p := range sr.Products {
		perServing := p.nutrient("energy-kcal_serving")
		if strings.TrimSpace(p.ProductName) == "" || strings.TrimSpace(p.ServingSize) == "" || perServing == nil {
			continue
		}
		results = append(results, foodledger.LookupResult{
			Name:               strings.TrimSpace(p.ProductName),
			ServingDescription: strings.TrimSpace(p.ServingSize),
			Calories:           perServing,
			Protein:            p.nutrient("proteins_serving"),
			Carbs:              p.nutrient("carbohydrates_serving"),
			Fat:                p.nutrient("fat_serving"),
			Source:             "openfoodfacts",
		})
		if len(results) == c.config.PageSize {
			break
		}
	}

	c.cache.Set(key, results, cache.DefaultExpiration)

	slog.Info("LOOKUP: Open Food Facts search succeeded",
		"query", query,
		"products", len(sr.Products),
		"results", len(results),
		"latency_ms", time.Since(start).Milliseconds())

	return results, nil
}
