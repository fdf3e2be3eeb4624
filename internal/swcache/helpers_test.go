package swcache

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"go.uber.org/zap"
)

var errOriginDown = errors.New("origin down")

// toggleTransport fails every round trip while down is set.
type toggleTransport struct {
	down atomic.Bool
	next http.RoundTripper
}

func (t *toggleTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.down.Load() {
		return nil, errOriginDown
	}
	return t.next.RoundTrip(req)
}

type testOrigin struct {
	srv  *httptest.Server
	hits atomic.Int64
}

// newTestOrigin serves the given path -> body map; unknown paths are 404.
func newTestOrigin(t *testing.T, pages map[string]string) *testOrigin {
	t.Helper()
	o := &testOrigin{}
	o.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		o.hits.Add(1)
		body, ok := pages[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(o.srv.Close)
	return o
}

func newTestService(t *testing.T, origin string) (*Service, *toggleTransport) {
	t.Helper()
	return newTestServiceWithLogger(t, origin, zap.NewNop())
}

func newTestServiceWithLogger(t *testing.T, origin string, log *zap.Logger) (*Service, *toggleTransport) {
	t.Helper()
	var cfg Config
	cfg.Server.Origin = origin
	cfg.Cache = CacheConfig{Label: "v1", Assets: []string{"index.html", "script.js"}}
	cfg.Storage.Path = t.TempDir()

	s, err := NewService(cfg, log)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	tr := &toggleTransport{next: http.DefaultTransport}
	s.httpClient.Transport = tr
	t.Cleanup(s.Close)
	return s, tr
}

func bucketKeys(t *testing.T, s *Service, label string) []string {
	t.Helper()
	keys, err := s.storage.Bucket(label).Keys()
	if err != nil {
		t.Fatalf("Keys(%q): %v", label, err)
	}
	return keys
}

// seedEntry creates bucket label if needed and stores ent under key.
func seedEntry(t *testing.T, st *Storage, label, key string, ent Entry) {
	t.Helper()
	b, err := st.Open(label)
	if err != nil {
		t.Fatalf("Open(%q): %v", label, err)
	}
	if err := b.Put(key, ent); err != nil {
		t.Fatalf("Put(%q, %q): %v", label, key, err)
	}
}
