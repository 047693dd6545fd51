package proxy

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveUpstreamURL(t *testing.T) {
	t.Run("absolute form wins verbatim", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "https://api.example.com/v1/data?x=1&y=2", nil)

		target, err := resolveUpstreamURL(req)
		require.NoError(t, err)
		assert.Equal(t, "https://api.example.com/v1/data?x=1&y=2", target.String())
	})

	t.Run("scheme without host falls back to upstream host header", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "http:///v1/data", nil)
		req.Header.Set("X-Upstream-Host", "api.example.com")

		target, err := resolveUpstreamURL(req)
		require.NoError(t, err)
		assert.Equal(t, "https://api.example.com/v1/data", target.String())
	})

	t.Run("upstream host header builds https target", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/v1/data?x=1", nil)
		req.Header.Set("X-Upstream-Host", "api.example.com")

		target, err := resolveUpstreamURL(req)
		require.NoError(t, err)
		assert.Equal(t, "https://api.example.com/v1/data?x=1", target.String())
	})

	t.Run("neither is an error", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/v1/data", nil)

		_, err := resolveUpstreamURL(req)
		require.EqualError(t, err, "Missing X-Upstream-Host header or Absolute URL")
	})
}

type upstreamCapture struct {
	header http.Header
	host   string
	query  string
	method string
	body   string
}

func TestProxyIsTransparent(t *testing.T) {
	ts := newTestStack(t)

	seen := make(chan upstreamCapture, 1)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen <- upstreamCapture{
			header: r.Header.Clone(),
			host:   r.Host,
			query:  r.URL.RawQuery,
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Request-Cost", "low")
		w.WriteHeader(http.StatusTeapot)
		io.WriteString(w, `{"ok":true}`)
	}))
	defer upstream.Close()

	req := httptest.NewRequest(http.MethodGet, upstream.URL+"/free/data?limit=5&cursor=abc", nil)
	req.Header.Set("X-Agent-ID", "agent-t")
	req.Header.Set("X-Custom", "kept")
	rec := ts.do(req)

	// Status, headers, and body pass through untouched.
	require.Equal(t, http.StatusTeapot, rec.Code)
	assert.JSONEq(t, `{"ok":true}`, rec.Body.String())
	assert.Equal(t, "low", rec.Header().Get("X-Request-Cost"))
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	got := <-seen
	assert.Equal(t, "limit=5&cursor=abc", got.query)
	assert.Equal(t, "kept", got.header.Get("X-Custom"))
	assert.Equal(t, "agent-t", got.header.Get("X-Agent-ID"))
	assert.Equal(t, strings.TrimPrefix(upstream.URL, "http://"), got.host)

	tr := ts.lastTrace(t)
	require.NotNil(t, tr.StatusCode)
	assert.Equal(t, http.StatusTeapot, *tr.StatusCode)
}

func TestHopByHopHeadersStrippedBothWays(t *testing.T) {
	ts := newTestStack(t)

	seen := make(chan upstreamCapture, 1)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen <- upstreamCapture{header: r.Header.Clone()}
		w.Header().Set("Keep-Alive", "timeout=5")
		w.Header().Set("X-Upstream-Flavor", "blue")
	}))
	defer upstream.Close()

	req := httptest.NewRequest(http.MethodGet, upstream.URL+"/free/data", nil)
	req.Header.Set("X-Agent-ID", "agent-h")
	req.Header.Set("Proxy-Authorization", "secret")
	req.Header.Set("Keep-Alive", "timeout=10")
	rec := ts.do(req)

	require.Equal(t, http.StatusOK, rec.Code)

	got := <-seen
	assert.Empty(t, got.header.Get("Proxy-Authorization"))
	assert.Empty(t, got.header.Get("Keep-Alive"))

	assert.Equal(t, "blue", rec.Header().Get("X-Upstream-Flavor"))
	assert.Empty(t, rec.Header().Get("Keep-Alive"))
}

func TestRedirectsAreNotFollowed(t *testing.T) {
	ts := newTestStack(t)

	var hits atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Location", "https://elsewhere.example/moved")
		w.WriteHeader(http.StatusFound)
	}))
	defer upstream.Close()

	req := httptest.NewRequest(http.MethodGet, upstream.URL+"/free/data", nil)
	req.Header.Set("X-Agent-ID", "agent-r")
	rec := ts.do(req)

	require.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "https://elsewhere.example/moved", rec.Header().Get("Location"))
	assert.Equal(t, int32(1), hits.Load())

	tr := ts.lastTrace(t)
	require.NotNil(t, tr.StatusCode)
	assert.Equal(t, http.StatusFound, *tr.StatusCode)
}

func TestUnreachableUpstreamIs502(t *testing.T) {
	ts := newTestStack(t)

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	target := upstream.URL + "/free/data"
	upstream.Close()

	req := httptest.NewRequest(http.MethodGet, target, nil)
	req.Header.Set("X-Agent-ID", "agent-u")
	rec := ts.do(req)

	require.Equal(t, http.StatusBadGateway, rec.Code)
	assert.True(t, strings.HasPrefix(rec.Body.String(), "Upstream Error: "))

	tr := ts.lastTrace(t)
	require.NotNil(t, tr.StatusCode)
	assert.Equal(t, http.StatusBadGateway, *tr.StatusCode)
}

func TestRequestBodyAndMethodForwarded(t *testing.T) {
	ts := newTestStack(t)

	seen := make(chan upstreamCapture, 1)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		payload, _ := io.ReadAll(r.Body)
		seen <- upstreamCapture{method: r.Method, body: string(payload)}
		w.WriteHeader(http.StatusCreated)
	}))
	defer upstream.Close()

	req := httptest.NewRequest(http.MethodPost, upstream.URL+"/free/submit", strings.NewReader(`{"a":1}`))
	req.Header.Set("X-Agent-ID", "agent-p")
	req.Header.Set("Content-Type", "application/json")
	rec := ts.do(req)

	require.Equal(t, http.StatusCreated, rec.Code)

	got := <-seen
	assert.Equal(t, http.MethodPost, got.method)
	assert.Equal(t, `{"a":1}`, got.body)
}
