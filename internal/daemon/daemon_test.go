package daemon

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/ttbazaar/chatd/internal/config"
	"go.uber.org/fx"
)

func testContext(t *testing.T) (context.Context, context.CancelFunc) {
	t.Helper()
	return context.WithTimeout(context.Background(), 10*time.Second)
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.StateDir = t.TempDir()
	cfg.BackendURL = "http://127.0.0.1:0"
	cfg.BrokerURL = "ws://127.0.0.1:0/ws"
	cfg.Identity.UserID = 100
	// Fail dials fast; the graph must still come up without a broker.
	cfg.Reconnect.BaseDelay = config.Duration(time.Millisecond)
	cfg.Reconnect.MaxDelay = config.Duration(2 * time.Millisecond)
	cfg.Reconnect.MaxAttempts = 1
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}
	return cfg
}

// TestFxModuleWiring verifies the fx dependency graph resolves and the
// lifecycle hooks run without a reachable backend or broker.
func TestFxModuleWiring(t *testing.T) {
	cfg := testConfig(t)

	app := fx.New(
		Module(cfg),
		fx.NopLogger,
	)
	if err := app.Err(); err != nil {
		t.Fatalf("fx graph error = %v", err)
	}

	startCtx, cancel := testContext(t)
	defer cancel()
	if err := app.Start(startCtx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	stopCtx, cancel2 := testContext(t)
	defer cancel2()
	if err := app.Stop(stopCtx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
}

// TestSecondDaemonRejected: the profile lock allows one daemon per state
// dir.
func TestSecondDaemonRejected(t *testing.T) {
	cfg := testConfig(t)

	first := fx.New(Module(cfg), fx.NopLogger)
	startCtx, cancel := testContext(t)
	defer cancel()
	if err := first.Start(startCtx); err != nil {
		t.Fatalf("first Start() error = %v", err)
	}
	defer func() {
		stopCtx, cancel := testContext(t)
		defer cancel()
		_ = first.Stop(stopCtx)
	}()

	second := fx.New(Module(cfg), fx.NopLogger)
	secondCtx, cancel3 := testContext(t)
	defer cancel3()
	if err := second.Start(secondCtx); err == nil {
		stopCtx, cancel := testContext(t)
		defer cancel()
		_ = second.Stop(stopCtx)
		t.Fatal("second daemon started on a locked profile")
	}
}

func TestLogFileUnderStateDir(t *testing.T) {
	cfg := testConfig(t)
	want := filepath.Join(cfg.StateDir, "chatd.log")
	if got := cfg.LogPath(); got != want {
		t.Errorf("LogPath() = %q, want %q", got, want)
	}
}
