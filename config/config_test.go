package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/arkadyne/agentwire/config"
)

const sampleYAML = `
default_timeout: 45s
retry_attempts: 2
retry_delay: 250ms
servers:
  - id: files
    name: File Server
    auto_start: true
    priority: 1
    transport:
      type: stdio
      stdio:
        command: file-server
        args: ["--root", "/data"]
        env:
          LOG_LEVEL: debug
  - id: search
    transport:
      type: socket
      socket:
        url: wss://search.internal/ws
        handshake_timeout: 5s
        max_reconnect_attempts: 4
  - id: feed
    enabled: false
    transport:
      type: sse
      sse:
        url: https://feed.internal/events
`

func TestParse(t *testing.T) {
	cfg, err := config.Parse([]byte(sampleYAML))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	if got := cfg.DefaultTimeout.Std(); got != 45*time.Second {
		t.Errorf("default_timeout = %s, want 45s", got)
	}
	if cfg.RetryAttempts != 2 {
		t.Errorf("retry_attempts = %d, want 2", cfg.RetryAttempts)
	}
	if got := cfg.RetryDelay.Std(); got != 250*time.Millisecond {
		t.Errorf("retry_delay = %s, want 250ms", got)
	}

	if len(cfg.Servers) != 3 {
		t.Fatalf("expected 3 servers, got %d", len(cfg.Servers))
	}

	want := config.ServerEntry{
		ID:        "files",
		Name:      "File Server",
		AutoStart: true,
		Priority:  1,
		Transport: config.TransportConfig{
			Type: config.TransportStdio,
			Stdio: &config.StdioSection{
				Command: "file-server",
				Args:    []string{"--root", "/data"},
				Env:     map[string]string{"LOG_LEVEL": "debug"},
			},
		},
	}
	if diff := cmp.Diff(want, cfg.Servers[0]); diff != "" {
		t.Errorf("first server mismatch (-want +got):\n%s", diff)
	}

	socket := cfg.Servers[1].Transport.Socket
	if socket == nil || socket.URL != "wss://search.internal/ws" {
		t.Fatalf("socket section not parsed: %+v", cfg.Servers[1].Transport)
	}
	if socket.HandshakeTimeout.Std() != 5*time.Second {
		t.Errorf("handshake_timeout = %s, want 5s", socket.HandshakeTimeout.Std())
	}
	if socket.MaxReconnectAttempts != 4 {
		t.Errorf("max_reconnect_attempts = %d, want 4", socket.MaxReconnectAttempts)
	}

	if cfg.Servers[0].IsEnabled() != true {
		t.Error("absent enabled should default to true")
	}
	if cfg.Servers[2].IsEnabled() {
		t.Error("explicit enabled: false ignored")
	}
	if cfg.Servers[1].Label() != "search" {
		t.Errorf("label should fall back to id, got %s", cfg.Servers[1].Label())
	}
}

func TestParseDefaults(t *testing.T) {
	cfg, err := config.Parse([]byte("servers: []\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got := cfg.DefaultTimeout.Std(); got != config.DefaultTimeout {
		t.Errorf("default_timeout = %s, want %s", got, config.DefaultTimeout)
	}
	if cfg.RetryAttempts != config.DefaultRetryAttempts {
		t.Errorf("retry_attempts = %d, want %d", cfg.RetryAttempts, config.DefaultRetryAttempts)
	}
	if got := cfg.RetryDelay.Std(); got != config.DefaultRetryDelay {
		t.Errorf("retry_delay = %s, want %s", got, config.DefaultRetryDelay)
	}
}

func TestParseRejectsInvalid(t *testing.T) {
	cases := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "duplicate id",
			yaml: `
servers:
  - id: a
    transport: {type: stdio, stdio: {command: x}}
  - id: a
    transport: {type: stdio, stdio: {command: y}}
`,
			want: "duplicate server id",
		},
		{
			name: "empty id",
			yaml: `
servers:
  - transport: {type: stdio, stdio: {command: x}}
`,
			want: "empty id",
		},
		{
			name: "missing command",
			yaml: `
servers:
  - id: a
    transport: {type: stdio}
`,
			want: "requires a command",
		},
		{
			name: "missing socket url",
			yaml: `
servers:
  - id: a
    transport: {type: socket, socket: {}}
`,
			want: "requires a url",
		},
		{
			name: "unknown transport type",
			yaml: `
servers:
  - id: a
    transport: {type: carrier-pigeon}
`,
			want: "unknown transport type",
		},
		{
			name: "bad duration",
			yaml: "default_timeout: soon\nservers: []\n",
			want: "invalid duration",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := config.Parse([]byte(tc.yaml))
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("error %q does not contain %q", err, tc.want)
			}
		})
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "servers.yaml")
	if err := os.WriteFile(path, []byte(sampleYAML), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.Servers) != 3 {
		t.Errorf("expected 3 servers, got %d", len(cfg.Servers))
	}

	if _, err := config.Load(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}
