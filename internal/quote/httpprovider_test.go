package quote

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/silverbrook-labs/tradecore/internal/domain"
)

func TestHTTPProvider_FetchQuote_ParsesPriceField(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"price": 107123.45, "symbol": "BTC-USD"}`))
	}))
	defer srv.Close()

	p := NewHTTPProvider("test", srv.URL+"/?symbol=%s", "test-key", "price", 2*time.Second, zerolog.Nop())
	q, err := p.FetchQuote(context.Background(), domain.Symbol("BTC-USD"))
	require.NoError(t, err)
	assert.Equal(t, 107123.45, q.Price)
	assert.Equal(t, domain.QuoteSource("test"), q.Source)
}

func TestHTTPProvider_FetchQuote_MissingFieldErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"unrelated": 1}`))
	}))
	defer srv.Close()

	p := NewHTTPProvider("test", srv.URL+"/?symbol=%s", "", "price", 2*time.Second, zerolog.Nop())
	_, err := p.FetchQuote(context.Background(), domain.Symbol("BTC-USD"))
	assert.Error(t, err)
}

func TestHTTPProvider_FetchQuote_NonPositivePriceErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"price": 0}`))
	}))
	defer srv.Close()

	p := NewHTTPProvider("test", srv.URL+"/?symbol=%s", "", "price", 2*time.Second, zerolog.Nop())
	_, err := p.FetchQuote(context.Background(), domain.Symbol("BTC-USD"))
	assert.Error(t, err)
}

func TestHTTPProvider_FetchQuote_HTTPErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	p := NewHTTPProvider("test", srv.URL+"/?symbol=%s", "", "price", 2*time.Second, zerolog.Nop())
	_, err := p.FetchQuote(context.Background(), domain.Symbol("BTC-USD"))
	assert.Error(t, err)
}
