package frame

import (
	"context"
	"testing"
	"time"

	"github.com/arkhamlabs/arkham/internal/infra/config"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.DBPath = ":memory:"
	cfg.StoragePath = t.TempDir()
	cfg.TempPath = t.TempDir()
	return cfg
}

func TestNewWiresAllServices(t *testing.T) {
	f, err := New(testConfig(t))
	if err != nil {
		t.Fatalf("new frame: %v", err)
	}
	defer f.Close()

	if f.DB == nil || f.Bus == nil || f.Queue == nil || f.Vectors == nil {
		t.Error("infrastructure services missing")
	}
	if f.Intake == nil || f.Dispatcher == nil || f.Parse == nil || f.Search == nil {
		t.Error("pipeline services missing")
	}
	if f.Anomalies == nil || f.Contradictions == nil || f.Audit == nil || f.DocEmbedder == nil {
		t.Error("analysis services missing")
	}

	// Migrated schema is queryable through the wired services.
	if _, err := f.Documents.List(context.Background(), 10, 0); err != nil {
		t.Errorf("document list on fresh frame: %v", err)
	}
}

func TestNewRejectsUnknownProvider(t *testing.T) {
	cfg := testConfig(t)
	cfg.LLM.Provider = "mystery"
	if _, err := New(cfg); err == nil {
		t.Fatal("unknown provider accepted")
	}

	cfg.LLM.Provider = "openai"
	cfg.LLM.OpenAIAPIKey = ""
	if _, err := New(cfg); err == nil {
		t.Fatal("openai without key accepted")
	}
}

func TestStartAndClose(t *testing.T) {
	f, err := New(testConfig(t))
	if err != nil {
		t.Fatalf("new frame: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f.Start(ctx)
	time.Sleep(50 * time.Millisecond)

	done := make(chan error, 1)
	go func() { done <- f.Close() }()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("close: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("close did not return; worker shutdown stuck")
	}
}

func TestResolveCollection(t *testing.T) {
	var f Frame
	if got := f.ResolveCollection("", "documents"); got != "documents" {
		t.Errorf("default collection = %q", got)
	}
	if got := f.ResolveCollection("p1", "documents"); got != "project_p1_documents" {
		t.Errorf("project collection = %q", got)
	}
}
