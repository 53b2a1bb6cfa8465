package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"apigate/internal/models"
)

// UpstreamProxy forwards admitted requests to the protected backend. The
// gateway is opaque: bodies and most headers pass through untouched, but the
// caller's API key is stripped so the credential never reaches the upstream,
// and the gateway's /v1 mount prefix is removed so the upstream sees the
// same paths it would serve unproxied.
type UpstreamProxy struct {
	proxy   *httputil.ReverseProxy
	client  *http.Client
	target  *url.URL
	timeout time.Duration
}

// NewUpstreamProxy builds a proxy for the configured upstream base URL.
func NewUpstreamProxy(cfg models.UpstreamConfig, log *slog.Logger) (*UpstreamProxy, error) {
	target, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream base URL: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	proxy := httputil.NewSingleHostReverseProxy(target)

	director := proxy.Director
	proxy.Director = func(r *http.Request) {
		// The gated surface mounts at /v1; the upstream serves its paths
		// without that prefix.
		r.URL.Path = strings.TrimPrefix(r.URL.Path, "/v1")
		if r.URL.Path == "" {
			r.URL.Path = "/"
		}
		r.URL.RawPath = ""
		director(r)
		r.Header.Del("X-API-Key")
		q := r.URL.Query()
		if q.Has("api_key") {
			q.Del("api_key")
			r.URL.RawQuery = q.Encode()
		}
	}

	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ResponseHeaderTimeout: timeout,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   32,
		IdleConnTimeout:       90 * time.Second,
	}
	proxy.Transport = transport

	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		if errors.Is(err, context.Canceled) {
			// Caller went away; nothing useful to write.
			return
		}
		log.Error("upstream request failed", "error", err, "path", r.URL.Path)

		status := http.StatusBadGateway
		message := "Upstream service returned an invalid response."
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			status = http.StatusGatewayTimeout
			message = "Upstream service did not respond in time."
		} else if errors.Is(err, context.DeadlineExceeded) {
			status = http.StatusGatewayTimeout
			message = "Upstream service did not respond in time."
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(models.NewErrorResponse(message, "UPSTREAM_ERROR"))
	}

	return &UpstreamProxy{
		proxy:   proxy,
		client:  &http.Client{Transport: transport},
		target:  target,
		timeout: timeout,
	}, nil
}

func (up *UpstreamProxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), up.timeout)
	defer cancel()
	up.proxy.ServeHTTP(w, r.WithContext(ctx))
}

// Probe checks that the upstream answers HTTP at all, bounded to 5 seconds.
// Any status code counts as reachable; only transport failures are errors.
func (up *UpstreamProxy) Probe(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, up.target.String(), nil)
	if err != nil {
		return err
	}
	resp, err := up.client.Do(req)
	if err != nil {
		return fmt.Errorf("upstream unreachable: %w", err)
	}
	resp.Body.Close()
	return nil
}
