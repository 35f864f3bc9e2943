package config

import (
	"errors"
	"flag"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeJSON(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "loom.json")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(nil, nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	want := Default()
	if *cfg != *want {
		t.Errorf("Load() = %+v, want %+v", cfg, want)
	}
	if cfg.Port != 6969 || cfg.RequestBufferSize != 8192 || cfg.MaxTimerEvents != 819200 || cfg.IdleTimeout != 30 {
		t.Errorf("unexpected defaults %+v", cfg)
	}
}

func TestLoadLayering(t *testing.T) {
	file := writeJSON(t, `{"port": 7000, "host": "127.0.0.1", "max_headers": 32, "idle_timeout": 5}`)

	tests := []struct {
		name    string
		args    []string
		environ []string
		check   func(*Config) bool
	}{
		{
			"file",
			[]string{"--config", file},
			nil,
			func(c *Config) bool { return c.Port == 7000 && c.Host == "127.0.0.1" && c.MaxHeaders == 32 },
		},
		{
			"env over file",
			[]string{"--config", file},
			[]string{"LOOM_PORT=7100", "LOOM_MAX_HEADERS=64"},
			func(c *Config) bool { return c.Port == 7100 && c.MaxHeaders == 64 && c.Host == "127.0.0.1" },
		},
		{
			"flag over env",
			[]string{"--config", file, "--port", "7200"},
			[]string{"LOOM_PORT=7100"},
			func(c *Config) bool { return c.Port == 7200 && c.IdleTimeout == 5 },
		},
		{
			"PORT fallback",
			nil,
			[]string{"PORT=9000"},
			func(c *Config) bool { return c.Port == 9000 },
		},
		{
			"LOOM_PORT wins over PORT",
			nil,
			[]string{"LOOM_PORT=9100", "PORT=9000"},
			func(c *Config) bool { return c.Port == 9100 },
		},
		{
			"config file from env",
			nil,
			[]string{"LOOM_CONFIG=" + file},
			func(c *Config) bool { return c.Port == 7000 && c.File == file },
		},
		{
			"file cache size",
			[]string{"--file-cache-size", "12"},
			[]string{"LOOM_FILE_CACHE_SIZE=32"},
			func(c *Config) bool { return c.FileCacheSize == 12 },
		},
		{
			"dashed flags",
			[]string{"--request-buffer=4096", "--max-connections", "10", "--env", "production"},
			nil,
			func(c *Config) bool {
				return c.RequestBufferSize == 4096 && c.MaxConnections == 10 && c.Env == "production"
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(tt.args, tt.environ)
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			if !tt.check(cfg) {
				t.Errorf("unexpected config %+v", cfg)
			}
		})
	}
}

func TestLoadInvalid(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		environ []string
		errText string
	}{
		{"port zero", []string{"--port", "0"}, nil, "port 0"},
		{"port too large", []string{"--port", "70000"}, nil, "port 70000"},
		{"backlog zero", []string{"--backlog", "0"}, nil, "backlog 0"},
		{"backlog above somaxconn", []string{"--backlog", "100000000"}, nil, "backlog 100000000"},
		{"negative buffer", []string{"--request-buffer", "-1"}, nil, "request_buffer"},
		{"env not a number", nil, []string{"LOOM_PORT=http"}, "port"},
		{"unknown flag", []string{"--nope"}, nil, "nope"},
		{"stray argument", []string{"serve"}, nil, "serve"},
		{"zero file cache", nil, []string{"LOOM_FILE_CACHE_SIZE=0"}, "file_cache_size"},
		{"negative gogc", []string{"--gogc", "-5"}, nil, "gogc"},
		{"missing file", []string{"--config", "/nonexistent/loom.json"}, nil, "config file"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(tt.args, tt.environ)
			if err == nil || !strings.Contains(err.Error(), tt.errText) {
				t.Errorf("err = %v, want mention of %q", err, tt.errText)
			}
		})
	}
}

func TestLoadBadFile(t *testing.T) {
	tests := []string{
		`{"port": 7000.5}`,
		`{"port": "abc"}`,
		`{"port": 7000`,
	}
	for _, body := range tests {
		if _, err := Load([]string{"--config", writeJSON(t, body)}, nil); err == nil {
			t.Errorf("%s: accepted", body)
		}
	}
}

func TestLoadHelp(t *testing.T) {
	stderr := os.Stderr
	devnull, err := os.OpenFile(os.DevNull, os.O_WRONLY, 0)
	if err != nil {
		t.Fatal(err)
	}
	os.Stderr = devnull
	defer func() {
		os.Stderr = stderr
		devnull.Close()
	}()

	if _, err := Load([]string{"--help"}, nil); !errors.Is(err, flag.ErrHelp) {
		t.Errorf("err = %v, want flag.ErrHelp", err)
	}
}

func TestEngineOptions(t *testing.T) {
	cfg := Default()
	cfg.IdleTimeout = 7
	cfg.Port = 8081
	cfg.FileCacheSize = 16
	opts := cfg.EngineOptions()
	if opts.IdleTimeout != 7*time.Second || opts.Port != 8081 || opts.Backlog != cfg.Backlog || opts.FileCacheSize != 16 {
		t.Errorf("EngineOptions = %+v", opts)
	}

	cfg.MemoryLimitMB = 64
	if gc := cfg.GCConfig(); gc.MemoryLimit != 64<<20 || gc.GOGC != 0 {
		t.Errorf("GCConfig = %+v", gc)
	}
}

func TestManagerSources(t *testing.T) {
	m := NewManager()
	m.LoadFromEnv("loom", []string{"LOOM_HOST=10.0.0.1", "OTHER=1", "LOOM_=x"})
	m.Set("port", "80", "flag")

	if got := m.GetString("host"); got != "10.0.0.1" || m.Source("host") != "env" {
		t.Errorf("host = %q from %q", got, m.Source("host"))
	}
	if got := m.GetInt("port"); got != 80 || m.Source("port") != "flag" {
		t.Errorf("port = %d from %q", got, m.Source("port"))
	}
	if len(m.GetAll()) != 2 {
		t.Errorf("GetAll = %v", m.GetAll())
	}
}
