package valuation

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Source fetches the current valuation from an upstream provider.
type Source interface {
	Name() string
	Fetch(ctx context.Context) (float64, error)
}

// SourceFunc adapts a function into a Source.
type SourceFunc func(ctx context.Context) (float64, error)

// Name implements Source.
func (f SourceFunc) Name() string { return "func" }

// Fetch implements Source.
func (f SourceFunc) Fetch(ctx context.Context) (float64, error) { return f(ctx) }

// SourceConfig describes an upstream valuation provider.
type SourceConfig struct {
	Type     string
	Endpoint string
	AssetID  string
	Currency string
	Field    string
	APIKey   string
}

// Build creates a source from configuration.
func Build(client *http.Client, cfg SourceConfig) (Source, error) {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Type)) {
	case "", "coingecko":
		if strings.TrimSpace(cfg.AssetID) == "" {
			return nil, fmt.Errorf("coingecko source requires asset_id")
		}
		return NewCoinGeckoSource(client, cfg.Endpoint, cfg.AssetID, cfg.Currency, cfg.APIKey), nil
	case "http":
		if strings.TrimSpace(cfg.Endpoint) == "" {
			return nil, fmt.Errorf("http source requires endpoint")
		}
		return NewHTTPSource(client, cfg.Endpoint, cfg.Field, cfg.APIKey), nil
	default:
		return nil, fmt.Errorf("unknown valuation source %q", cfg.Type)
	}
}

const defaultCoinGeckoEndpoint = "https://api.coingecko.com/api/v3/simple/price"

// CoinGeckoSource reads market capitalisation from the CoinGecko simple price API.
type CoinGeckoSource struct {
	client   *http.Client
	endpoint string
	assetID  string
	currency string
	apiKey   string
}

// NewCoinGeckoSource constructs a CoinGecko-backed source.
func NewCoinGeckoSource(client *http.Client, endpoint, assetID, currency, apiKey string) *CoinGeckoSource {
	ep := strings.TrimSpace(endpoint)
	if ep == "" {
		ep = defaultCoinGeckoEndpoint
	}
	cur := strings.ToLower(strings.TrimSpace(currency))
	if cur == "" {
		cur = "usd"
	}
	return &CoinGeckoSource{
		client:   client,
		endpoint: ep,
		assetID:  strings.TrimSpace(assetID),
		currency: cur,
		apiKey:   strings.TrimSpace(apiKey),
	}
}

// Name implements Source.
func (s *CoinGeckoSource) Name() string { return "coingecko" }

// Fetch implements Source.
func (s *CoinGeckoSource) Fetch(ctx context.Context) (float64, error) {
	values := url.Values{}
	values.Set("ids", s.assetID)
	values.Set("vs_currencies", s.currency)
	values.Set("include_market_cap", "true")
	var payload map[string]map[string]json.Number
	if err := getJSON(ctx, s.client, s.endpoint+"?"+values.Encode(), s.headers(), &payload); err != nil {
		return 0, fmt.Errorf("coingecko: %w", err)
	}
	entry, ok := payload[s.assetID]
	if !ok {
		return 0, fmt.Errorf("coingecko: asset %s missing from response", s.assetID)
	}
	raw, ok := entry[s.currency+"_market_cap"]
	if !ok {
		return 0, fmt.Errorf("coingecko: %s_market_cap missing", s.currency)
	}
	return parseValue(raw.String())
}

func (s *CoinGeckoSource) headers() map[string]string {
	if s.apiKey == "" {
		return nil
	}
	return map[string]string{"x-cg-pro-api-key": s.apiKey}
}

// HTTPSource reads a numeric field from an arbitrary JSON endpoint. Field is
// a dotted path into the response object.
type HTTPSource struct {
	client   *http.Client
	endpoint string
	field    []string
	apiKey   string
}

// NewHTTPSource constructs a generic JSON source.
func NewHTTPSource(client *http.Client, endpoint, field, apiKey string) *HTTPSource {
	path := strings.TrimSpace(field)
	if path == "" {
		path = "valuation"
	}
	return &HTTPSource{
		client:   client,
		endpoint: strings.TrimSpace(endpoint),
		field:    strings.Split(path, "."),
		apiKey:   strings.TrimSpace(apiKey),
	}
}

// Name implements Source.
func (s *HTTPSource) Name() string { return "http" }

// Fetch implements Source.
func (s *HTTPSource) Fetch(ctx context.Context) (float64, error) {
	headers := map[string]string{}
	if s.apiKey != "" {
		headers["Authorization"] = "Bearer " + s.apiKey
	}
	var payload any
	if err := getJSON(ctx, s.client, s.endpoint, headers, &payload); err != nil {
		return 0, fmt.Errorf("http source: %w", err)
	}
	current := payload
	for _, key := range s.field {
		obj, ok := current.(map[string]any)
		if !ok {
			return 0, fmt.Errorf("http source: field %s not found", strings.Join(s.field, "."))
		}
		current, ok = obj[key]
		if !ok {
			return 0, fmt.Errorf("http source: field %s not found", strings.Join(s.field, "."))
		}
	}
	switch v := current.(type) {
	case json.Number:
		return parseValue(v.String())
	case string:
		return parseValue(v)
	default:
		return 0, fmt.Errorf("http source: field %s is not numeric", strings.Join(s.field, "."))
	}
}

func getJSON(ctx context.Context, client *http.Client, endpoint string, headers map[string]string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	decoder := json.NewDecoder(resp.Body)
	decoder.UseNumber()
	if err := decoder.Decode(out); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	return nil
}

func parseValue(raw string) (float64, error) {
	value, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return 0, fmt.Errorf("parse valuation %q: %w", raw, err)
	}
	if math.IsNaN(value) || math.IsInf(value, 0) || value <= 0 {
		return 0, fmt.Errorf("valuation %q must be positive", raw)
	}
	return value, nil
}
