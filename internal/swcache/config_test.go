package swcache

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "swcache.yaml")
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return p
}

const baseConfig = `
server:
  origin: http://origin.local/
cache:
  label: v1
  assets:
    - index.html
    - ./script.js
    - /style.css
logging:
  statsEvery: 30s
`

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, baseConfig))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("port: got %d, want 8080", cfg.Server.Port)
	}
	if cfg.Server.Origin != "http://origin.local" {
		t.Errorf("origin: got %q", cfg.Server.Origin)
	}
	if cfg.Storage.Path != "./data/leveldb" {
		t.Errorf("storage.path: got %q", cfg.Storage.Path)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("logging.level: got %q", cfg.Logging.Level)
	}
	if cfg.Logging.statsEveryDur != 30*time.Second {
		t.Errorf("statsEvery: got %s", cfg.Logging.statsEveryDur)
	}
	want := []string{"/index.html", "/script.js", "/style.css"}
	if !reflect.DeepEqual(cfg.Cache.Assets, want) {
		t.Errorf("assets: got %v, want %v", cfg.Cache.Assets, want)
	}
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	t.Setenv("SWCACHE_LABEL", "v2")
	t.Setenv("SWCACHE_ASSETS", "a.css,b.js")
	t.Setenv("SWCACHE_PORT", "9090")

	cfg, err := LoadConfig(writeConfig(t, baseConfig))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Cache.Label != "v2" {
		t.Errorf("label: got %q, want v2", cfg.Cache.Label)
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("port: got %d, want 9090", cfg.Server.Port)
	}
	want := []string{"/a.css", "/b.js"}
	if !reflect.DeepEqual(cfg.Cache.Assets, want) {
		t.Errorf("assets: got %v, want %v", cfg.Cache.Assets, want)
	}
}

func TestLoadConfigEnvError(t *testing.T) {
	t.Setenv("SWCACHE_PORT", "not-an-int")

	_, err := LoadConfig(writeConfig(t, baseConfig))
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "parse env:") {
		t.Fatalf("expected parse env prefix, got %v", err)
	}
}

func TestLoadConfigErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{
			name: "missing origin",
			body: "cache:\n  label: v1\n",
			want: "server.origin is required",
		},
		{
			name: "missing label",
			body: "server:\n  origin: http://o\n",
			want: "cache.label is required",
		},
		{
			name: "duplicate asset",
			body: "server:\n  origin: http://o\ncache:\n  label: v1\n  assets: [index.html, /index.html]\n",
			want: "duplicate asset",
		},
		{
			name: "absolute asset url",
			body: "server:\n  origin: http://o\ncache:\n  label: v1\n  assets: [\"http://x/a.js\"]\n",
			want: "absolute URL",
		},
		{
			name: "bad stats interval",
			body: "server:\n  origin: http://o\ncache:\n  label: v1\nlogging:\n  statsEvery: soon\n",
			want: "logging.statsEvery",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, tt.body))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestCacheConfigCloneDoesNotShareAssets(t *testing.T) {
	cc := CacheConfig{Label: "v1", Assets: []string{"/a"}}
	cp := cc.clone()
	cp.Assets[0] = "/b"
	if cc.Assets[0] != "/a" {
		t.Fatalf("clone shares asset slice")
	}
}

func TestNormalizeAssetPathEscapes(t *testing.T) {
	tests := map[string]string{
		"index.html":        "/index.html",
		"./js/app.js":       "/js/app.js",
		"my file.html":      "/my%20file.html",
		"/my%20file.html":   "/my%20file.html",
		"café.js":           "/caf%C3%A9.js",
		"page.html#section": "/page.html",
	}
	for in, want := range tests {
		got, err := normalizeAssetPath(in)
		if err != nil {
			t.Errorf("normalizeAssetPath(%q): %v", in, err)
			continue
		}
		if got != want {
			t.Errorf("normalizeAssetPath(%q): got %q, want %q", in, got, want)
		}
	}
}
