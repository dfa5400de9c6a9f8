// Package admin exposes the proxy's status dashboard, JSON status feed,
// Prometheus metrics endpoint, and a generated PAC file, bound to a
// loopback address by default since none of this is part of the
// intercepted traffic path.
package admin

import (
	"encoding/json"
	"fmt"
	"html/template"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/keyzf/vanessa/internal/resources"
	"github.com/keyzf/vanessa/internal/sslpool"
)

// Status is the payload both /status and /status.json render.
type Status struct {
	GeneratedAt  time.Time           `json:"generatedAt"`
	ProxyAddr    string              `json:"proxyAddr"`
	SSLPoolSize  int                 `json:"sslPoolSize"`
	Resources    resources.Snapshot  `json:"resources"`
}

// Server wires the admin surface into an *http.ServeMux.
type Server struct {
	ProxyAddr string
	Pool      *sslpool.Pool
	Resources *resources.Tracker

	// PACSource, when non-empty, is served verbatim at /pac; otherwise a
	// PAC script that tells every client to connect directly is served,
	// matching a proxy with no upstream agent configured.
	PACSource string

	mu sync.Mutex
}

// Handler builds the admin mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.handleStatusHTML)
	mux.HandleFunc("/status.json", s.handleStatusJSON)
	mux.HandleFunc("/pac", s.handlePAC)
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

func (s *Server) collect() Status {
	status := Status{
		GeneratedAt: time.Now(),
		ProxyAddr:   s.ProxyAddr,
	}
	if s.Pool != nil {
		status.SSLPoolSize = s.Pool.Len()
	}
	if s.Resources != nil {
		status.Resources = s.Resources.Snapshot()
	}
	return status
}

func (s *Server) handleStatusJSON(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.collect()); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (s *Server) handleStatusHTML(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := statusTemplate.Execute(w, s.collect()); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (s *Server) handlePAC(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/x-ns-proxy-autoconfig")
	source := s.PACSource
	if source == "" {
		source = defaultPAC
	}
	fmt.Fprint(w, source)
}

const defaultPAC = `function FindProxyForURL(url, host) {
  return "DIRECT";
}
`

var statusTemplate = template.Must(template.New("status").Parse(`<!DOCTYPE html>
<html>
<head><title>vanessa status</title></head>
<body>
<h1>vanessa</h1>
<dl>
<dt>generated</dt><dd>{{.GeneratedAt}}</dd>
<dt>proxy address</dt><dd>{{.ProxyAddr}}</dd>
<dt>ssl pool entries</dt><dd>{{.SSLPoolSize}}</dd>
<dt>goroutines</dt><dd>{{.Resources.Current.Goroutines}}</dd>
<dt>rss bytes</dt><dd>{{.Resources.Current.RSSBytes}}</dd>
<dt>cpu percent</dt><dd>{{.Resources.Current.CPUPercent}}</dd>
</dl>
</body>
</html>
`))
