package swcache

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// ControlPrefix is the path prefix of the worker's own endpoints. Requests
// under it are never forwarded to the origin.
const ControlPrefix = "/_sw"

type Service struct {
	cfg Config
	log *zap.Logger

	httpClient *http.Client
	storage    *Storage
	sweeper    bucketSweeper

	// Reload returns the cache configuration to use on Update. When nil,
	// Update re-registers the active configuration.
	Reload func() (CacheConfig, error)

	updateMu sync.Mutex
	active   atomic.Pointer[worker]

	stopCh chan struct{}
	wg     sync.WaitGroup

	originLog *rateLimitedLogger

	stats *statsCollector
}

func NewService(cfg Config, log *zap.Logger) (*Service, error) {
	if err := cfg.compile(); err != nil {
		return nil, err
	}
	storage, err := OpenStorage(cfg.Storage.Path)
	if err != nil {
		return nil, err
	}

	s := &Service{
		cfg: cfg,
		log: log,
		// No client timeout: origin fetches are bounded by the request context only.
		httpClient: &http.Client{},
		storage:    storage,
		sweeper:    storage,
		stopCh:     make(chan struct{}),
		originLog:  newRateLimitedLogger(log, 1*time.Minute),
		stats:      newStatsCollector(),
	}

	if every := cfg.Logging.statsEveryDur; every > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.statsLoop(every)
		}()
	}

	return s, nil
}

// Start registers the configured worker. A failed install is returned but
// the service stays usable and proxies without caching.
func (s *Service) Start(ctx context.Context) error {
	s.log.Info("MAIN: registering worker", zap.String("label", s.cfg.Cache.Label))
	return s.Register(ctx, s.cfg.Cache)
}

// Update re-checks the configuration and registers a new worker generation.
func (s *Service) Update(ctx context.Context) error {
	cc := s.cfg.Cache
	if w := s.active.Load(); w != nil {
		cc = w.cache
	}
	if s.Reload != nil {
		next, err := s.Reload()
		if err != nil {
			s.log.Error("MAIN: update check failed", zap.Error(err))
			return err
		}
		cc = next
	}
	return s.Register(ctx, cc)
}

func (s *Service) Close() {
	close(s.stopCh)
	s.wg.Wait()
	if err := s.storage.Close(); err != nil {
		s.log.Warn("close storage", zap.Error(err))
	}
}

func (s *Service) Handler() http.Handler {
	r := chi.NewRouter()
	r.Route(ControlPrefix, func(r chi.Router) {
		r.Post("/message", s.handleMessage)
		r.Post("/update", s.handleUpdate)
		r.Get("/status", s.handleStatus)
	})
	r.Handle("/*", http.HandlerFunc(s.handleFetch))
	return r
}

func (s *Service) statsLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			ss := s.stats.Snapshot()
			labels, err := s.storage.Keys()
			if err != nil {
				s.log.Warn("stats: list buckets", zap.Error(err))
			}
			s.log.Info("stats",
				zap.Strings("buckets", labels),
				zap.Uint64("network", ss.Network),
				zap.Uint64("cache", ss.Cache),
				zap.Uint64("offlineMiss", ss.OfflineMiss),
				zap.Uint64("bypass", ss.Bypass),
				zap.String("respMin", formatBytes(ss.MinRespBytes)),
				zap.String("respAvg", formatBytes(ss.AvgRespBytes)),
				zap.String("respMax", formatBytes(ss.MaxRespBytes)),
			)
		}
	}
}
