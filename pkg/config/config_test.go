package config

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/psantana5/pipewatch/pkg/logging"
	"github.com/psantana5/pipewatch/pkg/models"
)

func TestLoadDefaults(t *testing.T) {
	config, err := Load("")
	if err != nil {
		t.Fatalf("Load with empty path should succeed: %v", err)
	}
	if config.ListenAddr != ":8090" {
		t.Errorf("Expected default listen addr :8090, got %s", config.ListenAddr)
	}
	if config.Store.Type != "memory" {
		t.Errorf("Expected default store type memory, got %s", config.Store.Type)
	}
	if config.Limits.RequestsPerSecond != 10 || config.Limits.Burst != 20 {
		t.Errorf("Expected default limits 10/20, got %v/%v", config.Limits.RequestsPerSecond, config.Limits.Burst)
	}
}

func TestLoadConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pipewatchd.yaml")
	content := `
listen_addr: "127.0.0.1:9000"
auth_token: "secret"
definitions_dir: "/etc/pipewatch/pipelines"
store:
  type: sqlite
  path: /var/lib/pipewatch/pipewatch.db
limits:
  requests_per_second: 5
  burst: 10
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	config, err := Load(path)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}
	if config.ListenAddr != "127.0.0.1:9000" {
		t.Errorf("Expected listen addr from file, got %s", config.ListenAddr)
	}
	if config.AuthToken != "secret" {
		t.Errorf("Expected auth token from file, got %q", config.AuthToken)
	}
	if config.Store.Type != "sqlite" || config.Store.Path != "/var/lib/pipewatch/pipewatch.db" {
		t.Errorf("Expected sqlite store config, got %+v", config.Store)
	}
	if config.Limits.RequestsPerSecond != 5 || config.Limits.Burst != 10 {
		t.Errorf("Expected limits from file, got %+v", config.Limits)
	}
	// Untouched fields keep their defaults.
	if config.Tracing.Endpoint != "localhost:4318" {
		t.Errorf("Expected default tracing endpoint, got %s", config.Tracing.Endpoint)
	}
}

func TestLoadConfigRejectsBadValues(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"unknown store type", "store:\n  type: cassandra\n"},
		{"cert without key", "tls:\n  cert_file: /etc/pipewatch/cert.pem\n"},
		{"key without cert", "tls:\n  key_file: /etc/pipewatch/key.pem\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "bad.yaml")
			if err := os.WriteFile(path, []byte(tt.content), 0644); err != nil {
				t.Fatalf("Failed to write config: %v", err)
			}
			if _, err := Load(path); err == nil {
				t.Errorf("Load should reject %s", tt.name)
			}
		})
	}
}

func TestLoadDefinition(t *testing.T) {
	dir := t.TempDir()

	path := filepath.Join(dir, "camera-feed.yaml")
	content := `
engine: ffmpeg
args: ["-i", "rtsp://cam/stream", "-c", "copy", "-f", "flv", "rtmp://out/live"]
allow_block: false
autostart: true
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write definition: %v", err)
	}

	def, err := LoadDefinition(path)
	if err != nil {
		t.Fatalf("Failed to load definition: %v", err)
	}
	if def.Name != "camera-feed" {
		t.Errorf("Name should default to the file name, got %q", def.Name)
	}
	if def.Engine != models.EngineFFmpeg || len(def.Args) != 6 {
		t.Errorf("Unexpected definition %+v", def)
	}
	if !def.Autostart {
		t.Errorf("Autostart should be set")
	}

	bad := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(bad, []byte("engine: telepathy\n"), 0644); err != nil {
		t.Fatalf("Failed to write definition: %v", err)
	}
	if _, err := LoadDefinition(bad); err == nil {
		t.Errorf("Load should reject an unknown engine")
	}
}

func TestLoadDefinitionsDir(t *testing.T) {
	dir := t.TempDir()
	files := map[string]string{
		"b-second.yaml": "engine: gstreamer\nargs: [videotestsrc, \"!\", fakesink]\n",
		"a-first.yml":   "engine: ffmpeg\n",
		"notes.txt":     "not a definition",
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0644); err != nil {
			t.Fatalf("Failed to write %s: %v", name, err)
		}
	}

	defs, err := LoadDefinitionsDir(dir)
	if err != nil {
		t.Fatalf("Failed to load definitions: %v", err)
	}
	if len(defs) != 2 {
		t.Fatalf("Expected 2 definitions, got %d", len(defs))
	}
	if defs[0].Name != "a-first" || defs[1].Name != "b-second" {
		t.Errorf("Definitions should be sorted by file name, got %s, %s", defs[0].Name, defs[1].Name)
	}
}

type fakeRegistrar struct {
	mu      sync.Mutex
	created []string
	started []string
}

func (f *fakeRegistrar) Create(name string, def models.Definition, allowBlock bool) (*models.Pipeline, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, name)
	return &models.Pipeline{ID: "id-" + name, Name: name, Definition: def, AllowBlock: allowBlock}, nil
}

func (f *fakeRegistrar) Start(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, id)
	return nil
}

func (f *fakeRegistrar) snapshot() (created, started []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.created...), append([]string(nil), f.started...)
}

func TestReconcilerSyncIsCreateOnly(t *testing.T) {
	dir := t.TempDir()
	write := func(name, content string) {
		t.Helper()
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0644); err != nil {
			t.Fatalf("Failed to write %s: %v", name, err)
		}
	}
	write("feed.yaml", "engine: ffmpeg\nautostart: true\n")
	write("mirror.yaml", "engine: gstreamer\n")

	reg := &fakeRegistrar{}
	rec := NewReconciler(dir, reg, logging.NewLogger(logging.ERROR, false))

	n, err := rec.Sync()
	if err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if n != 2 {
		t.Errorf("Expected 2 registrations, got %d", n)
	}
	created, started := reg.snapshot()
	if len(created) != 2 {
		t.Fatalf("Expected 2 creates, got %v", created)
	}
	if len(started) != 1 || started[0] != "id-feed" {
		t.Errorf("Only the autostart pipeline should be started, got %v", started)
	}

	// A second pass over the same files must not register duplicates.
	n, err = rec.Sync()
	if err != nil {
		t.Fatalf("Second sync failed: %v", err)
	}
	if n != 0 {
		t.Errorf("Second sync should register nothing, got %d", n)
	}
}

func TestReconcilerWatchPicksUpNewFiles(t *testing.T) {
	dir := t.TempDir()
	reg := &fakeRegistrar{}
	rec := NewReconciler(dir, reg, logging.NewLogger(logging.ERROR, false))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	watchDone := make(chan error, 1)
	go func() { watchDone <- rec.Watch(ctx) }()

	// Give the watcher a moment to install before writing.
	time.Sleep(100 * time.Millisecond)
	path := filepath.Join(dir, "late.yaml")
	if err := os.WriteFile(path, []byte("engine: ffmpeg\n"), 0644); err != nil {
		t.Fatalf("Failed to write definition: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		created, _ := reg.snapshot()
		if len(created) == 1 && created[0] == "late" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("Watcher never registered the new definition, created=%v", created)
		}
		time.Sleep(50 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-watchDone:
		if err != nil {
			t.Errorf("Watch should end cleanly on cancel, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Errorf("Watch did not stop after cancel")
	}
}
