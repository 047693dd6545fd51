package proxy

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/kelpejol/xdr/internal/metrics"
	"github.com/kelpejol/xdr/internal/trace"
)

const (
	headerAgentID         = "X-Agent-ID"
	headerUpstreamHost    = "X-Upstream-Host"
	headerSimulatePayment = "X-Simulate-Payment"
)

// hopByHopHeaders are stripped in both directions. Content-Length is on the
// list because bodies are re-streamed and the frameworks on either side
// recompute framing themselves.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
	"Content-Length",
}

var errMissingUpstream = errors.New("Missing X-Upstream-Host header or Absolute URL")

// resolveUpstreamURL decides where a data-plane request is destined.
// Absolute-form request lines win verbatim; otherwise X-Upstream-Host names
// the authority and the target is rebuilt as https://<host><path><?query>.
func resolveUpstreamURL(r *http.Request) (*url.URL, error) {
	if r.URL.IsAbs() && r.URL.Host != "" {
		return r.URL, nil
	}

	host := r.Header.Get(headerUpstreamHost)
	if host == "" {
		return nil, errMissingUpstream
	}

	target, err := url.Parse("https://" + host + r.URL.RequestURI())
	if err != nil {
		return nil, errors.New("Invalid Constructed URL")
	}
	return target, nil
}

func stripHopByHop(h http.Header) {
	for _, name := range hopByHopHeaders {
		h.Del(name)
	}
}

func isHopByHop(name string) bool {
	for _, hop := range hopByHopHeaders {
		if http.CanonicalHeaderKey(name) == hop {
			return true
		}
	}
	return false
}

// forward relays the request to target and streams the upstream response
// back. The upstream status is the trace status and the client status; the
// proxy never rewrites what the upstream said.
func (s *Server) forward(w http.ResponseWriter, r *http.Request, tr *trace.Trace, target *url.URL) {
	outReq, err := http.NewRequestWithContext(r.Context(), r.Method, target.String(), r.Body)
	if err != nil {
		tr.Log(trace.CategoryError, fmt.Sprintf("Invalid Constructed URL: %v", err))
		s.finishText(w, tr, http.StatusBadRequest, "Invalid Constructed URL")
		return
	}

	for name, values := range r.Header {
		outReq.Header[name] = values
	}
	stripHopByHop(outReq.Header)
	outReq.Host = target.Host

	tr.Log(trace.CategoryUpstream, fmt.Sprintf("Forwarding to %s", target))

	start := time.Now()
	resp, err := s.client.Do(outReq)
	if err != nil {
		tr.Log(trace.CategoryUpstream, fmt.Sprintf("Upstream error: %v", err))
		s.finishText(w, tr, http.StatusBadGateway, fmt.Sprintf("Upstream Error: %v", err))
		return
	}
	defer resp.Body.Close()

	metrics.UpstreamLatency.Observe(time.Since(start).Seconds())
	tr.Log(trace.CategoryUpstream, fmt.Sprintf("Upstream responded %d", resp.StatusCode))
	s.commit(tr, resp.StatusCode)

	header := w.Header()
	for name, values := range resp.Header {
		if isHopByHop(name) {
			continue
		}
		header[name] = values
	}
	w.WriteHeader(resp.StatusCode)

	if _, err := io.Copy(w, resp.Body); err != nil {
		s.log.Warn().Err(err).Str("trace_id", tr.ID).Msg("response stream interrupted")
	}
}
