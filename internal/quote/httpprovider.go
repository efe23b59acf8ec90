package quote

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"

	"github.com/silverbrook-labs/tradecore/internal/domain"
)

// HTTPProvider is a generic JSON-over-HTTP quote Provider: given a URL
// template and an API key, it fetches `{price: float64}`-shaped responses
// for one symbol at a time. Deliberately vendor-agnostic: the configured
// URL template and price field carry whatever a specific upstream (Finnhub,
// TwelveData, a broker's own feed) needs.
type HTTPProvider struct {
	name       string
	urlFormat  string // must contain exactly one %s for the symbol
	apiKey     string
	priceField string
	client     *http.Client
	log        zerolog.Logger
}

// NewHTTPProvider builds an HTTPProvider named name, querying urlFormat (a
// fmt-style template with one %s placeholder for the URL-escaped symbol),
// reading the quote price out of priceField (a top-level JSON field name).
func NewHTTPProvider(name, urlFormat, apiKey, priceField string, timeout time.Duration, log zerolog.Logger) *HTTPProvider {
	return &HTTPProvider{
		name:       name,
		urlFormat:  urlFormat,
		apiKey:     apiKey,
		priceField: priceField,
		client:     &http.Client{Timeout: timeout},
		log:        log.With().Str("provider", name).Logger(),
	}
}

func (p *HTTPProvider) Name() string { return p.name }

type genericQuoteResponse map[string]interface{}

// FetchQuote implements Provider.
func (p *HTTPProvider) FetchQuote(ctx context.Context, symbol domain.Symbol) (domain.Quote, error) {
	reqURL := fmt.Sprintf(p.urlFormat, url.QueryEscape(string(symbol)))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return domain.Quote{}, fmt.Errorf("%s: build request: %w", p.name, err)
	}
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return domain.Quote{}, fmt.Errorf("%s: request failed: %w", p.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return domain.Quote{}, fmt.Errorf("%s: unexpected status %d", p.name, resp.StatusCode)
	}

	var body genericQuoteResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return domain.Quote{}, fmt.Errorf("%s: decode response: %w", p.name, err)
	}

	price, ok := extractFloat(body, p.priceField)
	if !ok {
		return domain.Quote{}, fmt.Errorf("%s: missing field %q in response", p.name, p.priceField)
	}

	q, ok := domain.NewQuote(symbol, price, domain.QuoteSource(p.name), time.Now())
	if !ok {
		return domain.Quote{}, fmt.Errorf("%s: non-positive price %v", p.name, price)
	}
	return q, nil
}

func extractFloat(body genericQuoteResponse, field string) (float64, bool) {
	v, ok := body[field]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
