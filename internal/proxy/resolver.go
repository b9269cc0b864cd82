// Package proxy serves deployed sites. The leftmost label of the
// request Host picks the project slug, and the request is forwarded to
// the object storage prefix holding that project's build artifacts.
package proxy

import (
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"

	"log/slog"

	"github.com/Siuumanth/CodeBay/internal/slug"
)

// Resolver rewrites subdomain requests onto storage object paths.
type Resolver struct {
	base   *url.URL
	logger *slog.Logger
	proxy  *httputil.ReverseProxy
}

// New builds a Resolver targeting the storage base URL, e.g.
// https://bucket.s3.region.amazonaws.com/__outputs.
func New(storageBaseURL string, logger *slog.Logger) (*Resolver, error) {
	base, err := url.Parse(storageBaseURL)
	if err != nil {
		return nil, err
	}
	r := &Resolver{base: base, logger: logger}
	r.proxy = &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			if pr.Out.URL.Path == "/" || pr.Out.URL.Path == "" {
				// Root requests serve the site entry point.
				pr.Out.URL.Path = "/index.html"
			}
			pr.SetURL(r.targetFor(pr.In))
			pr.Out.Host = r.base.Host
		},
		ErrorHandler: func(w http.ResponseWriter, req *http.Request, err error) {
			logger.Error("upstream fetch failed", "host", req.Host, "path", req.URL.Path, "error", err)
			http.Error(w, "upstream unavailable", http.StatusBadGateway)
		},
	}
	return r, nil
}

// ServeHTTP forwards the request to the resolved artifact location.
func (r *Resolver) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	slugName := Subdomain(req.Host)
	if !slug.Valid(slugName) {
		r.logger.Warn("unresolvable host", "host", req.Host)
		http.NotFound(w, req)
		return
	}
	r.logger.Info("proxying", "slug", slugName, "path", req.URL.Path)
	r.proxy.ServeHTTP(w, req)
}

// targetFor computes the storage base for one request: the configured
// prefix plus the slug. SetURL joins the request path onto it.
func (r *Resolver) targetFor(in *http.Request) *url.URL {
	target := *r.base
	target.Path = strings.TrimSuffix(r.base.Path, "/") + "/" + Subdomain(in.Host)
	return &target
}

// Subdomain extracts the slug from a request host: the leftmost
// dot-separated label, port stripped.
func Subdomain(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	if idx := strings.IndexByte(host, '.'); idx > 0 {
		return host[:idx]
	}
	return host
}
