package server

import (
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/appsim/simulate/internal/logging"
)

const proxyTimeout = 30 * time.Second

// corsProxy fetches cross-origin resources server-side on behalf of the
// simulated app, which runs in a browser page that cannot reach arbitrary
// origins itself. The target URL is passed as /proxy/?url=<encoded>.
type corsProxy struct {
	client *http.Client
	logger logging.Logger
}

func newCORSProxy(logger logging.Logger) *corsProxy {
	return &corsProxy{
		client: &http.Client{Timeout: proxyTimeout},
		logger: logger.WithComponent("corsproxy"),
	}
}

func (p *corsProxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	target := r.URL.Query().Get("url")
	if target == "" {
		http.Error(w, "missing url parameter", http.StatusBadRequest)
		return
	}

	parsed, err := url.Parse(target)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		http.Error(w, "invalid url parameter", http.StatusBadRequest)
		return
	}

	req, err := http.NewRequestWithContext(r.Context(), r.Method, target, r.Body)
	if err != nil {
		http.Error(w, "invalid proxy request", http.StatusBadRequest)
		return
	}
	if ct := r.Header.Get("Content-Type"); ct != "" {
		req.Header.Set("Content-Type", ct)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		p.logger.Warn(r.Context(), err, "proxy fetch failed", "target", target)
		http.Error(w, "proxy fetch failed", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	for key, values := range resp.Header {
		for _, v := range values {
			w.Header().Add(key, v)
		}
	}
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(resp.StatusCode)

	if _, err := io.Copy(w, resp.Body); err != nil {
		p.logger.Debug(r.Context(), "proxy body copy interrupted", "target", target, "reason", err.Error())
	}
}
