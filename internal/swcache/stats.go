package swcache

import (
	"fmt"
	"math"
	"strings"
	"sync/atomic"
)

// Fetch outcomes, also sent to clients in the X-Swcache header.
const (
	outcomeNetwork     = "network"
	outcomeCache       = "cache"
	outcomeOfflineMiss = "offline-miss"
	outcomeBypass      = "bypass"
)

type statsCollector struct {
	network     atomic.Uint64
	cache       atomic.Uint64
	offlineMiss atomic.Uint64
	bypass      atomic.Uint64

	totalResponses atomic.Uint64
	totalRespBytes atomic.Uint64
	minRespBytes   atomic.Uint64
	maxRespBytes   atomic.Uint64
}

func newStatsCollector() *statsCollector {
	s := &statsCollector{}
	s.minRespBytes.Store(math.MaxUint64)
	return s
}

func (s *statsCollector) Outcome(outcome string) {
	switch outcome {
	case outcomeNetwork:
		s.network.Add(1)
	case outcomeCache:
		s.cache.Add(1)
	case outcomeOfflineMiss:
		s.offlineMiss.Add(1)
	case outcomeBypass:
		s.bypass.Add(1)
	}
}

func (s *statsCollector) Observe(respBytes int) {
	if respBytes < 0 {
		respBytes = 0
	}
	n := uint64(respBytes)

	s.totalResponses.Add(1)
	s.totalRespBytes.Add(n)

	for {
		cur := s.minRespBytes.Load()
		if n >= cur {
			break
		}
		if s.minRespBytes.CompareAndSwap(cur, n) {
			break
		}
	}
	for {
		cur := s.maxRespBytes.Load()
		if n <= cur {
			break
		}
		if s.maxRespBytes.CompareAndSwap(cur, n) {
			break
		}
	}
}

type statsSnapshot struct {
	Network     uint64
	Cache       uint64
	OfflineMiss uint64
	Bypass      uint64

	TotalResponses uint64
	TotalRespBytes uint64
	MinRespBytes   uint64
	MaxRespBytes   uint64
	AvgRespBytes   uint64
}

func (s *statsCollector) Snapshot() statsSnapshot {
	out := statsSnapshot{
		Network:     s.network.Load(),
		Cache:       s.cache.Load(),
		OfflineMiss: s.offlineMiss.Load(),
		Bypass:      s.bypass.Load(),
	}
	count := s.totalResponses.Load()
	if count == 0 {
		return out
	}
	total := s.totalRespBytes.Load()
	minv := s.minRespBytes.Load()
	if minv == math.MaxUint64 {
		minv = 0
	}
	out.TotalResponses = count
	out.TotalRespBytes = total
	out.MinRespBytes = minv
	out.MaxRespBytes = s.maxRespBytes.Load()
	out.AvgRespBytes = total / count
	return out
}

func formatBytes(b uint64) string {
	const (
		kb = 1024
		mb = 1024 * kb
		gb = 1024 * mb
	)
	if b < kb {
		return fmt.Sprintf("%db", b)
	}
	if b < mb {
		return trimFloat(fmt.Sprintf("%.1f", float64(b)/kb)) + "kb"
	}
	if b < gb {
		return trimFloat(fmt.Sprintf("%.1f", float64(b)/mb)) + "mb"
	}
	return trimFloat(fmt.Sprintf("%.1f", float64(b)/gb)) + "gb"
}

func trimFloat(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, ".0")
	return s
}
