package swcache

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"
)

// handleFetch serves r network-first: a successful origin response is
// returned and written to the active bucket in the background; if the origin
// cannot be reached the bucket entry for r is served instead.
func (s *Service) handleFetch(w http.ResponseWriter, r *http.Request) {
	wk := s.active.Load()
	if wk == nil {
		s.proxyPass(w, r)
		return
	}
	label := wk.cache.Label
	key := requestKey(r.Method, r.URL.RequestURI())
	s.log.Info("SW: fetch", zap.String("key", key))

	ent, err := s.fetchFromOrigin(r)
	if err != nil {
		if r.Context().Err() != nil {
			return
		}
		s.originLog.Warn("SW: origin unreachable, falling back to cache",
			zap.String("label", label), zap.String("key", key), zap.Error(err))
		s.serveFromBucket(w, label, key)
		return
	}

	if storable(r.Method, ent) {
		// Not awaited: a request for the same key arriving right after this
		// one while the origin is down may miss the entry.
		s.putAsync(key, ent.Clone())
	}
	s.writeEntryWithStats(w, ent, outcomeNetwork)
}

func (s *Service) serveFromBucket(w http.ResponseWriter, label, key string) {
	ent, err := s.storage.Bucket(label).Match(key)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			s.log.Error("SW: cache lookup", zap.String("label", label), zap.String("key", key), zap.Error(err))
		}
		s.stats.Outcome(outcomeOfflineMiss)
		setSwcacheHeaders(w.Header(), outcomeOfflineMiss)
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}
	s.writeEntryWithStats(w, ent, outcomeCache)
}

// putAsync stores ent in the bucket of whichever worker is active when the
// write runs, so a response that outlives an update lands in the new bucket.
// A write racing the sweep of its bucket is dropped.
func (s *Service) putAsync(key string, ent Entry) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		wk := s.active.Load()
		if wk == nil {
			return
		}
		label := wk.cache.Label
		err := s.storage.Bucket(label).Put(key, ent)
		switch {
		case errors.Is(err, ErrNoBucket):
			s.log.Debug("SW: cache write dropped, bucket swept", zap.String("label", label), zap.String("key", key))
		case err != nil:
			s.log.Warn("SW: cache write failed", zap.String("label", label), zap.String("key", key), zap.Error(err))
		}
	}()
}

// storable mirrors what a cache put accepts: GET only, no partial content,
// no Vary: *.
func storable(method string, ent Entry) bool {
	if method != http.MethodGet {
		return false
	}
	if ent.Status == http.StatusPartialContent {
		return false
	}
	for _, v := range ent.Header.Values("Vary") {
		for _, part := range strings.Split(v, ",") {
			if strings.TrimSpace(part) == "*" {
				return false
			}
		}
	}
	return true
}

// proxyPass forwards r without touching any bucket. Used while no worker
// controls the service.
func (s *Service) proxyPass(w http.ResponseWriter, r *http.Request) {
	ent, err := s.fetchFromOrigin(r)
	if err != nil {
		setSwcacheHeaders(w.Header(), "bad-gateway")
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}
	s.writeEntryWithStats(w, ent, outcomeBypass)
}

func (s *Service) fetchFromOrigin(r *http.Request) (Entry, error) {
	originURL := s.cfg.Server.Origin + r.URL.RequestURI()

	var body io.Reader
	if r.Body != nil && r.Body != http.NoBody {
		body = r.Body
	}
	req, err := http.NewRequestWithContext(r.Context(), r.Method, originURL, body)
	if err != nil {
		return Entry{}, err
	}
	if body != nil {
		req.ContentLength = r.ContentLength
	}
	copyHeaders(req.Header, r.Header)
	req.Header.Set("Accept-Encoding", "identity")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return Entry{}, err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return Entry{}, err
	}
	return newEntry(resp.StatusCode, resp.Header, b), nil
}

var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func copyHeaders(dst, src http.Header) {
	for k, vs := range src {
		if strings.EqualFold(k, "Host") {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
	for _, h := range hopHeaders {
		dst.Del(h)
	}
}

func (s *Service) writeEntryWithStats(w http.ResponseWriter, ent Entry, outcome string) {
	writeEntry(w, ent, outcome)
	s.stats.Outcome(outcome)
	s.stats.Observe(len(ent.Body))
}

func writeEntry(w http.ResponseWriter, ent Entry, outcome string) {
	for k, vs := range ent.Header {
		if strings.EqualFold(k, "x-swcache") {
			continue
		}
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	setSwcacheHeaders(w.Header(), outcome)
	w.WriteHeader(ent.Status)
	_, _ = w.Write(ent.Body)
}

func setSwcacheHeaders(h http.Header, outcome string) {
	if outcome != "" {
		h.Set("X-Swcache", outcome)
	}
	// Browsers hide custom headers from cross-origin scripts unless exposed.
	ensureExposedHeader(h, "X-Swcache")
}

func ensureExposedHeader(h http.Header, name string) {
	if name == "" {
		return
	}

	const expose = "Access-Control-Expose-Headers"
	cur := h.Values(expose)
	if len(cur) == 0 {
		h.Set(expose, name)
		return
	}

	merged := strings.Join(cur, ",")
	for _, part := range strings.Split(merged, ",") {
		if strings.EqualFold(strings.TrimSpace(part), name) {
			return
		}
	}

	h.Set(expose, strings.TrimSpace(merged)+", "+name)
}
