package routing

import (
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"path"
	"strings"
	"sync"

	"github.com/yungbote/appforge-backend/internal/platform/logger"
	"github.com/yungbote/appforge-backend/internal/platform/sitestore"
)

// Proxy answers requests for <subdomain>.<base domain>. Static targets are
// read from the content store; http targets are reverse proxied.
type Proxy struct {
	log        *logger.Logger
	table      *Table
	store      sitestore.Store
	baseDomain string

	mu      sync.Mutex
	proxies map[string]*httputil.ReverseProxy
}

func NewProxy(log *logger.Logger, table *Table, store sitestore.Store, baseDomain string) *Proxy {
	return &Proxy{
		log:        log.With("service", "AppProxy"),
		table:      table,
		store:      store,
		baseDomain: strings.ToLower(strings.Trim(strings.TrimSpace(baseDomain), ".")),
		proxies:    map[string]*httputil.ReverseProxy{},
	}
}

// Subdomain extracts the app label from host, or "" when host is not an app host.
func (p *Proxy) Subdomain(host string) string {
	if p.baseDomain == "" {
		return ""
	}
	h := strings.ToLower(strings.TrimSpace(host))
	if hp, _, err := net.SplitHostPort(h); err == nil {
		h = hp
	}
	suffix := "." + p.baseDomain
	if !strings.HasSuffix(h, suffix) {
		return ""
	}
	label := strings.TrimSuffix(h, suffix)
	if label == "" || strings.Contains(label, ".") {
		return ""
	}
	return label
}

func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sub := p.Subdomain(r.Host)
	if sub == "" {
		http.NotFound(w, r)
		return
	}
	rt, err := p.table.Lookup(r.Context(), sub)
	if err != nil {
		p.log.Warn("route lookup failed", "subdomain", sub, "error", err)
		http.Error(w, "route lookup failed", http.StatusBadGateway)
		return
	}
	if rt == nil {
		http.Error(w, "app not found", http.StatusNotFound)
		return
	}
	if strings.HasPrefix(rt.Target, StorePrefix) {
		p.serveStatic(w, r, strings.TrimPrefix(rt.Target, StorePrefix))
		return
	}
	rp, err := p.reverseProxy(rt.Target)
	if err != nil {
		p.log.Warn("bad route target", "subdomain", sub, "target", rt.Target, "error", err)
		http.Error(w, "bad route target", http.StatusBadGateway)
		return
	}
	rp.ServeHTTP(w, r)
}

func (p *Proxy) reverseProxy(target string) (*httputil.ReverseProxy, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if rp, ok := p.proxies[target]; ok {
		return rp, nil
	}
	u, err := url.Parse(target)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, errors.New("unsupported target scheme " + u.Scheme)
	}
	rp := httputil.NewSingleHostReverseProxy(u)
	rp.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		p.log.Warn("upstream error", "target", target, "error", err)
		http.Error(w, "app unavailable", http.StatusBadGateway)
	}
	p.proxies[target] = rp
	return rp, nil
}

func (p *Proxy) serveStatic(w http.ResponseWriter, r *http.Request, prefix string) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	rel := strings.TrimPrefix(path.Clean("/"+r.URL.Path), "/")
	if rel == "" {
		rel = "index.html"
	}
	key, ok := sitestore.CleanKey(strings.TrimSuffix(prefix, "/") + "/" + rel)
	if !ok {
		http.NotFound(w, r)
		return
	}
	body, err := p.store.Open(r.Context(), key)
	if errors.Is(err, sitestore.ErrNotExist) && path.Ext(rel) == "" {
		// Client-side routes fall back to the entry page.
		key = strings.TrimSuffix(prefix, "/") + "/index.html"
		body, err = p.store.Open(r.Context(), key)
	}
	if errors.Is(err, sitestore.ErrNotExist) {
		http.NotFound(w, r)
		return
	}
	if err != nil {
		p.log.Warn("static read failed", "key", key, "error", err)
		http.Error(w, "read failed", http.StatusBadGateway)
		return
	}
	defer body.Close()
	w.Header().Set("Content-Type", sitestore.ContentTypeFor(key))
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return
	}
	_, _ = io.Copy(w, body)
}
