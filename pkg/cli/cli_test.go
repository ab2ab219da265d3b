package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/poltergeist/revenant/internal/engine"
	"github.com/poltergeist/revenant/pkg/logger"
	"github.com/poltergeist/revenant/pkg/mocks"
	"github.com/poltergeist/revenant/pkg/state"
	"github.com/poltergeist/revenant/pkg/types"
)

// syncBuffer is a bytes.Buffer safe for concurrent writers
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func fakeSass(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
	return []byte(".nav {\n  display: flex;\n}\n"), nil, nil
}

func failingSass(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
	return nil, []byte("Error: expected \"}\"."), errors.New("exit status 65")
}

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	path := filepath.Join(root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func newSite(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	writeFile(t, root, "src/scss/index.scss", ".nav { display: flex; }\n")
	writeFile(t, root, "src/js/index.js", "document.title = 'site';\n")
	writeFile(t, root, "html/index.html", `<link href="/static/css/style.min.css"><script src="/static/js/scripts.min.js"></script>`)
	writeFile(t, root, "static/robots.txt", "User-agent: *\n")
	writeFile(t, root, "docker/production/nginx.conf", "gzip_static on;\n")
	return root
}

func newTestCLI(runner func(context.Context, string, ...string) ([]byte, []byte, error)) (*CLI, *syncBuffer, *syncBuffer) {
	out, errOut := &syncBuffer{}, &syncBuffer{}
	flags := NewConfig()
	flags.Version = "1.2.3"
	c := NewCLIWithOutput(flags, out, errOut)
	c.runner = runner
	return c, out, errOut
}

func TestBuildCommand(t *testing.T) {
	root := newSite(t)
	c, out, _ := newTestCLI(fakeSass)

	if err := c.Execute([]string{"--root", root, "build"}); err != nil {
		t.Fatalf("build failed: %v", err)
	}

	if !strings.Contains(out.String(), "Built 2 assets, rewrote 1 HTML files") {
		t.Errorf("unexpected output:\n%s", out.String())
	}
	if !strings.Contains(out.String(), "static/css/style.min.css") {
		t.Errorf("expected manifest listing, got:\n%s", out.String())
	}

	html, err := os.ReadFile(filepath.Join(root, "build", "html", "index.html"))
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(html), "style.min.css\"") {
		t.Errorf("expected rewritten html, got %s", html)
	}
}

func TestBuildCommand_JSON(t *testing.T) {
	root := newSite(t)
	c, out, _ := newTestCLI(fakeSass)

	if err := c.Execute([]string{"--root", root, "build", "--json"}); err != nil {
		t.Fatalf("build failed: %v", err)
	}

	var summary buildSummary
	if err := json.Unmarshal([]byte(out.String()), &summary); err != nil {
		t.Fatalf("invalid JSON report: %v\n%s", err, out.String())
	}
	if summary.BuildID == "" || len(summary.Manifest) != 2 || summary.Rewritten != 1 {
		t.Errorf("unexpected summary %+v", summary)
	}
	if summary.Compressed[types.CodecBrotli] == 0 || summary.Compressed[types.CodecGzip] == 0 {
		t.Errorf("expected compressed counts, got %v", summary.Compressed)
	}
	if _, ok := summary.Stages["fingerprint"]; !ok {
		t.Errorf("expected stage timings, got %v", summary.Stages)
	}
}

func TestBuildCommand_Failure(t *testing.T) {
	root := newSite(t)
	c, _, errOut := newTestCLI(failingSass)

	err := c.Execute([]string{"--root", root, "build"})
	if !errors.Is(err, types.ErrSourceTransform) {
		t.Fatalf("expected ErrSourceTransform, got %v", err)
	}
	if !strings.Contains(errOut.String(), "Build failed") {
		t.Errorf("expected failure message, got:\n%s", errOut.String())
	}
	if _, err := os.Stat(filepath.Join(root, "build", "temp", "rev-manifest.json")); !os.IsNotExist(err) {
		t.Error("no manifest should be written after a compile failure")
	}
}

func TestBuildCommand_InvalidConfig(t *testing.T) {
	root := newSite(t)
	writeFile(t, root, "revenant.config.yaml", "layout:\n  outputDir: \"..\"\n")
	c, _, _ := newTestCLI(fakeSass)

	err := c.Execute([]string{"--root", root, "build"})
	if !errors.Is(err, types.ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestInitCommand(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		file    string
		wantErr bool
	}{
		{name: "yaml by default", file: "revenant.config.yaml"},
		{name: "json", args: []string{"--format", "json"}, file: "revenant.config.json"},
		{name: "unknown format", args: []string{"--format", "toml"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root := t.TempDir()
			c, out, _ := newTestCLI(fakeSass)

			err := c.Execute(append([]string{"--root", root, "init"}, tt.args...))
			if (err != nil) != tt.wantErr {
				t.Fatalf("init error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}

			if _, err := os.Stat(filepath.Join(root, tt.file)); err != nil {
				t.Fatalf("expected %s: %v", tt.file, err)
			}
			if !strings.Contains(out.String(), "Created configuration") {
				t.Errorf("unexpected output %q", out.String())
			}

			again, _, _ := newTestCLI(fakeSass)
			if err := again.Execute(append([]string{"--root", root, "init"}, tt.args...)); err == nil {
				t.Error("expected error when configuration exists")
			}

			forced, _, _ := newTestCLI(fakeSass)
			if err := forced.Execute(append([]string{"--root", root, "init", "--force"}, tt.args...)); err != nil {
				t.Errorf("--force should overwrite: %v", err)
			}
		})
	}
}

func TestValidateCommand(t *testing.T) {
	root := t.TempDir()
	c, out, _ := newTestCLI(fakeSass)

	if err := c.Execute([]string{"--root", root, "validate"}); err != nil {
		t.Fatalf("validate failed: %v", err)
	}
	if !strings.Contains(out.String(), "Configuration is valid (defaults)") {
		t.Errorf("unexpected output:\n%s", out.String())
	}
	if !strings.Contains(out.String(), filepath.Join(root, "build", "temp", "rev-manifest.json")) {
		t.Errorf("expected resolved manifest path, got:\n%s", out.String())
	}

	writeFile(t, root, "revenant.config.json", `{"version": "1.0", "compression": {"codecs": ["lz4"]}}`)
	bad, _, errOut := newTestCLI(fakeSass)
	if err := bad.Execute([]string{"--root", root, "validate"}); !errors.Is(err, types.ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig, got %v", err)
	}
	if !strings.Contains(errOut.String(), "lz4") {
		t.Errorf("expected the invalid codec to be reported, got %q", errOut.String())
	}
}

func TestCleanCommand(t *testing.T) {
	root := newSite(t)
	writeFile(t, root, "build/static/css/style-0123456789.min.css", "x")
	c, _, _ := newTestCLI(fakeSass)

	if err := c.Execute([]string{"--root", root, "clean"}); err != nil {
		t.Fatalf("clean failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "build")); !os.IsNotExist(err) {
		t.Error("expected build directory to be removed")
	}
	if _, err := os.Stat(filepath.Join(root, "static", "robots.txt")); err != nil {
		t.Error("clean must not touch sources")
	}
}

func TestCleanCommand_ClearsStoppedStatus(t *testing.T) {
	root := newSite(t)

	stopped := state.NewManager(root, logger.Nop())
	stopped.BuildFinished("style", time.Millisecond, errors.New("compile-style: boom"))
	if err := stopped.Release(); err != nil {
		t.Fatal(err)
	}

	running := state.NewManager(root, logger.Nop())
	if err := running.Track(context.Background(), []string{"scripts"}); err != nil {
		t.Fatal(err)
	}
	defer running.Release()

	c, out, _ := newTestCLI(fakeSass)
	if err := c.Execute([]string{"--root", root, "clean"}); err != nil {
		t.Fatalf("clean failed: %v", err)
	}
	if !strings.Contains(out.String(), "Cleared watch status for 1 target(s)") {
		t.Errorf("unexpected output %q", out.String())
	}

	states, err := state.NewManager(root, logger.Nop()).DiscoverStates()
	if err != nil {
		t.Fatal(err)
	}
	if len(states) != 1 || states[0].Target != "scripts" {
		t.Errorf("only the running watcher's status should remain, got %+v", states)
	}
}

func TestStatusCommand(t *testing.T) {
	root := t.TempDir()
	c, out, _ := newTestCLI(fakeSass)
	if err := c.Execute([]string{"--root", root, "status"}); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "No watch status recorded") {
		t.Errorf("unexpected output %q", out.String())
	}

	sm := state.NewManager(root, logger.Nop())
	sm.BuildFinished("scripts", 40*time.Millisecond, nil)
	sm.BuildFinished("style", 10*time.Millisecond, errors.New("compile-style: Undefined variable"))
	if err := sm.Release(); err != nil {
		t.Fatal(err)
	}

	c, out, _ = newTestCLI(fakeSass)
	if err := c.Execute([]string{"--root", root, "status"}); err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"TARGET", "scripts", "style", "stopped", "style: compile-style: Undefined variable"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("expected %q in output:\n%s", want, out.String())
		}
	}
}

func TestVersionCommand(t *testing.T) {
	c, out, _ := newTestCLI(fakeSass)
	if err := c.Execute([]string{"version"}); err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(out.String()) != "revenant 1.2.3" {
		t.Errorf("unexpected version output %q", out.String())
	}
}

func TestCPUProfileFlag(t *testing.T) {
	profile := filepath.Join(t.TempDir(), "cpu.pprof")
	c, _, _ := newTestCLI(fakeSass)

	if err := c.Execute([]string{"--cpuprofile", profile, "version"}); err != nil {
		t.Fatal(err)
	}
	info, err := os.Stat(profile)
	if err != nil {
		t.Fatalf("expected profile to be written: %v", err)
	}
	if info.Size() == 0 {
		t.Error("expected a non-empty profile")
	}
}

func TestWatchCommand(t *testing.T) {
	root := newSite(t)
	c, out, _ := newTestCLI(fakeSass)

	changes := mocks.NewMockFileChangeNotifier()
	c.watchDeps = func(*engine.DependencyFactory) (engine.WatchDependencies, error) {
		return engine.WatchDependencies{Changes: changes}, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.ExecuteContext(ctx, []string{"--root", root, "watch", "style"}) }()

	select {
	case dir := <-changes.Subscribed():
		if dir != filepath.Join(root, "src", "scss") {
			t.Errorf("unexpected watched dir %s", dir)
		}
	case <-time.After(5 * time.Second):
		cancel()
		t.Fatal("watch did not subscribe")
	}

	if _, err := os.Stat(filepath.Join(root, "static", "css", "style.min.css")); err != nil {
		t.Errorf("expected initial dev compile: %v", err)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("watch returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("watch did not stop")
	}
	if !changes.IsClosed() {
		t.Error("expected file watcher to be closed")
	}
	if !strings.Contains(out.String(), "Stopped watching") {
		t.Errorf("unexpected output:\n%s", out.String())
	}
}

func TestWatchCommand_RejectsUnknownTarget(t *testing.T) {
	c, _, _ := newTestCLI(fakeSass)
	if err := c.Execute([]string{"--root", t.TempDir(), "watch", "images"}); err == nil {
		t.Error("expected error for unknown target")
	}
}

func TestWatchOnce_RestartsOnReload(t *testing.T) {
	root := newSite(t)
	c, _, _ := newTestCLI(fakeSass)
	c.logger = logger.Nop()
	c.flags.ProjectRoot = root

	changes := mocks.NewMockFileChangeNotifier()
	c.watchDeps = func(*engine.DependencyFactory) (engine.WatchDependencies, error) {
		return engine.WatchDependencies{Changes: changes}, nil
	}

	reloads := make(chan *types.BuildConfig, 1)
	next := types.DefaultBuildConfig()
	next.Script.Target = "es2020"

	result := make(chan *types.BuildConfig, 1)
	go func() {
		cfg, err := c.watchOnce(context.Background(), types.DefaultBuildConfig(), []string{engine.TargetScripts}, reloads)
		if err != nil {
			t.Errorf("watchOnce() error = %v", err)
		}
		result <- cfg
	}()

	select {
	case <-changes.Subscribed():
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not subscribe")
	}
	reloads <- next

	select {
	case cfg := <-result:
		if cfg != next {
			t.Errorf("expected the reloaded config, got %+v", cfg)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not restart")
	}
	if !changes.IsClosed() {
		t.Error("previous watcher must be closed before restarting")
	}
}
