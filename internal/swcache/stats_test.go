package swcache

import (
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestStatsSnapshot(t *testing.T) {
	s := newStatsCollector()
	if ss := s.Snapshot(); ss.TotalResponses != 0 || ss.MinRespBytes != 0 {
		t.Fatalf("empty snapshot: %+v", ss)
	}

	s.Outcome(outcomeNetwork)
	s.Outcome(outcomeNetwork)
	s.Outcome(outcomeCache)
	s.Observe(10)
	s.Observe(30)
	s.Observe(-5)

	ss := s.Snapshot()
	if ss.Network != 2 || ss.Cache != 1 || ss.OfflineMiss != 0 {
		t.Errorf("outcomes: %+v", ss)
	}
	if ss.MinRespBytes != 0 || ss.MaxRespBytes != 30 || ss.AvgRespBytes != 13 {
		t.Errorf("sizes: min=%d max=%d avg=%d", ss.MinRespBytes, ss.MaxRespBytes, ss.AvgRespBytes)
	}
}

func TestFormatBytes(t *testing.T) {
	tests := map[uint64]string{
		0:                      "0b",
		1023:                   "1023b",
		1024:                   "1kb",
		1536:                   "1.5kb",
		5 * 1024 * 1024:        "5mb",
		3 * 1024 * 1024 * 1024: "3gb",
	}
	for in, want := range tests {
		if got := formatBytes(in); got != want {
			t.Errorf("formatBytes(%d): got %q, want %q", in, got, want)
		}
	}
}

func TestRateLimitedLoggerSuppresses(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	l := newRateLimitedLogger(zap.New(core), time.Hour)

	l.Warn("origin down")
	l.Warn("origin down")
	l.Warn("origin down")

	if n := logs.Len(); n != 1 {
		t.Fatalf("log entries: got %d, want 1", n)
	}

	l.lastAt = time.Now().Add(-2 * time.Hour)
	l.Warn("origin down")
	all := logs.All()
	if len(all) != 2 {
		t.Fatalf("log entries: got %d, want 2", len(all))
	}
	if got := all[1].ContextMap()["suppressed"]; got != int64(2) {
		t.Errorf("suppressed: got %v (%T)", got, got)
	}
}
