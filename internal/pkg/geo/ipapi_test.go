package geo

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestIPAPIProviderLookup(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/json/8.8.8.8", r.URL.Path)
		assert.Contains(t, r.URL.Query().Get("fields"), "proxy")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"success","countryCode":"US","regionName":"California","city":"Mountain View","isp":"Google LLC","org":"Google Public DNS","as":"AS15169 Google LLC","mobile":false,"proxy":false,"hosting":true}`))
	}))
	defer srv.Close()

	p := NewIPAPIProvider(srv.URL+"/", time.Second, 0)
	rec, err := p.Lookup(context.Background(), "8.8.8.8")
	require.NoError(t, err)
	assert.Equal(t, "US", rec.CountryCode)
	assert.Equal(t, "California", rec.Region)
	assert.Equal(t, "Google Public DNS", rec.Organization)
	assert.Equal(t, "AS15169 Google LLC", rec.ASN)
	assert.True(t, rec.Hosting)
}

func TestIPAPIProviderFailStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"fail","message":"reserved range"}`))
	}))
	defer srv.Close()

	_, err := NewIPAPIProvider(srv.URL, time.Second, 0).Lookup(context.Background(), "8.8.8.8")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reserved range")
}

func TestIPAPIProviderHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := NewIPAPIProvider(srv.URL, time.Second, 0).Lookup(context.Background(), "8.8.8.8")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")
}

func TestIPAPIProviderQuotaExhaustedFailsFast(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte(`{"status":"success","countryCode":"US"}`))
	}))
	defer srv.Close()

	p := NewIPAPIProvider(srv.URL, time.Second, 1)
	_, err := p.Lookup(context.Background(), "8.8.8.8")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = p.Lookup(ctx, "8.8.4.4")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "quota")
	assert.Equal(t, int32(1), hits.Load())
}

func TestGateWithIPAPIProviderDown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	g := NewGate(NewIPAPIProvider(srv.URL, time.Second, 0), testPolicy, time.Second, zap.NewNop())
	info := g.Evaluate(context.Background(), "8.8.8.8")
	assert.True(t, info.Allowed)
	assert.True(t, info.LookupFailed)
}
