package swcache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type State string

const (
	StateInstalling State = "installing"
	StateInstalled  State = "installed"
	StateActivating State = "activating"
	StateActivated  State = "activated"
	StateRedundant  State = "redundant"
)

const installConcurrency = 8

// bucketSweeper is the part of Storage activate needs.
type bucketSweeper interface {
	Keys() ([]string, error)
	Delete(label string) (bool, error)
}

// worker is one generation of the cache configuration. A new generation is
// started on every registration or update; it takes control only once its
// install has succeeded.
type worker struct {
	id    string
	cache CacheConfig

	mu    sync.Mutex
	state State
}

func newWorker(cc CacheConfig) *worker {
	return &worker{id: uuid.NewString(), cache: cc.clone()}
}

func (w *worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *worker) setState(st State) {
	w.mu.Lock()
	w.state = st
	w.mu.Unlock()
}

// Register starts a new worker generation for cc: install, then take
// control immediately and activate. If install fails the previously active
// worker, if any, stays in control.
func (s *Service) Register(ctx context.Context, cc CacheConfig) error {
	cc, err := cc.normalize()
	if err != nil {
		return err
	}

	s.updateMu.Lock()
	defer s.updateMu.Unlock()

	w := newWorker(cc)
	if err := s.install(ctx, w); err != nil {
		w.setState(StateRedundant)
		fields := []zap.Field{zap.String("worker", w.id), zap.String("label", cc.Label), zap.Error(err)}
		if prev := s.active.Load(); prev != nil {
			fields = append(fields, zap.String("active", prev.id))
		}
		s.log.Error("SW: install failed, keeping previous worker", fields...)
		return err
	}

	// skipWaiting: no waiting for clients of the previous generation.
	prev := s.active.Swap(w)
	if prev != nil {
		prev.setState(StateRedundant)
	}
	if err := s.activate(ctx, w); err != nil {
		s.log.Warn("SW: stale bucket sweep incomplete", zap.String("worker", w.id), zap.Error(err))
	}
	return nil
}

// install opens the worker's bucket and populates it with every asset. The
// population is all-or-nothing: entries are written in one batch only after
// every asset has been fetched with a 2xx status.
func (s *Service) install(ctx context.Context, w *worker) error {
	w.setState(StateInstalling)
	s.log.Info("SW: installing", zap.String("worker", w.id), zap.String("label", w.cache.Label))

	bucket, err := s.storage.Open(w.cache.Label)
	if err != nil {
		return fmt.Errorf("install: %w", err)
	}

	s.log.Info("SW: caching assets", zap.String("worker", w.id), zap.Int("assets", len(w.cache.Assets)))
	entries, err := s.fetchAssets(ctx, w.cache.Assets)
	if err != nil {
		return fmt.Errorf("install: %w", err)
	}
	if err := bucket.PutAll(entries); err != nil {
		return fmt.Errorf("install: store assets: %w", err)
	}

	w.setState(StateInstalled)
	s.log.Info("SW: installed", zap.String("worker", w.id), zap.String("label", w.cache.Label))
	return nil
}

func (s *Service) fetchAssets(ctx context.Context, assets []string) (map[string]Entry, error) {
	results := make([]Entry, len(assets))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(installConcurrency)
	for i, p := range assets {
		i, p := i, p
		g.Go(func() error {
			ent, err := s.fetchAsset(gctx, p)
			if err != nil {
				return fmt.Errorf("fetch asset %s: %w", p, err)
			}
			results[i] = ent
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make(map[string]Entry, len(assets))
	for i, p := range assets {
		out[requestKey(http.MethodGet, p)] = results[i]
	}
	return out, nil
}

func (s *Service) fetchAsset(ctx context.Context, path string) (Entry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.cfg.Server.Origin+path, nil)
	if err != nil {
		return Entry{}, err
	}
	req.Header.Set("Accept-Encoding", "identity")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return Entry{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Entry{}, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Entry{}, err
	}
	return newEntry(resp.StatusCode, resp.Header, body), nil
}

// activate deletes every bucket whose label differs from the worker's.
// Deletions are attempted independently; failures are joined, not retried.
func (s *Service) activate(ctx context.Context, w *worker) error {
	w.setState(StateActivating)
	s.log.Info("SW: activating", zap.String("worker", w.id), zap.String("label", w.cache.Label))
	defer w.setState(StateActivated)

	if err := ctx.Err(); err != nil {
		return err
	}
	labels, err := s.sweeper.Keys()
	if err != nil {
		return fmt.Errorf("activate: list buckets: %w", err)
	}

	var errs []error
	for _, label := range labels {
		if label == w.cache.Label {
			continue
		}
		s.log.Info("SW: clearing stale bucket", zap.String("label", label))
		if _, err := s.sweeper.Delete(label); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
