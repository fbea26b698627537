package llm

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// newFakeOllama spins up an httptest server answering the three Ollama
// endpoints the adapter uses.
func newFakeOllama(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/embeddings", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"embedding":[0.1,0.2,0.3]}`)
	})
	mux.HandleFunc("/api/chat", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if strings.Contains(string(body), `"stream":true`) {
			fmt.Fprintln(w, `{"message":{"role":"assistant","content":"Hel"},"done":false}`)
			fmt.Fprintln(w, `{"message":{"role":"assistant","content":"lo"},"done":false}`)
			fmt.Fprintln(w, `{"message":{"role":"assistant","content":""},"done":true,"done_reason":"stop"}`)
			return
		}
		fmt.Fprint(w, `{"message":{"role":"assistant","content":"Hello"},"done":true,"done_reason":"stop"}`)
	})
	mux.HandleFunc("/api/tags", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"models":[]}`)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestOllama_Embed(t *testing.T) {
	srv := newFakeOllama(t)
	p := NewOllamaProvider(srv.URL, "nomic-embed-text")

	resp, err := p.Embed(context.Background(), EmbedRequest{Texts: []string{"a", "b"}})
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(resp.Embeddings) != 2 {
		t.Fatalf("got %d embeddings, want 2", len(resp.Embeddings))
	}
	if len(resp.Embeddings[0]) != 3 {
		t.Errorf("vector dim = %d, want 3", len(resp.Embeddings[0]))
	}
}

func TestOllama_Embed_EmptyInput(t *testing.T) {
	p := NewOllamaProvider("http://localhost:0", "m")
	resp, err := p.Embed(context.Background(), EmbedRequest{})
	if err != nil {
		t.Fatalf("Embed empty: %v", err)
	}
	if len(resp.Embeddings) != 0 {
		t.Errorf("got %d embeddings for empty input", len(resp.Embeddings))
	}
}

func TestOllama_ChatCompletion(t *testing.T) {
	srv := newFakeOllama(t)
	p := NewOllamaProvider(srv.URL, "llama3.2:3b")

	resp, err := p.ChatCompletion(context.Background(), ChatRequest{
		Messages: []Message{{Role: "user", Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("ChatCompletion: %v", err)
	}
	if resp.Content != "Hello" {
		t.Errorf("Content = %q, want Hello", resp.Content)
	}
	if resp.StopReason != "stop" {
		t.Errorf("StopReason = %q, want stop", resp.StopReason)
	}
}

func TestOllama_ChatStream(t *testing.T) {
	srv := newFakeOllama(t)
	p := NewOllamaProvider(srv.URL, "llama3.2:3b")

	var sb strings.Builder
	err := p.ChatStream(context.Background(), ChatRequest{
		Messages: []Message{{Role: "user", Content: "hi"}},
	}, func(token string) error {
		sb.WriteString(token)
		return nil
	})
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}
	if sb.String() != "Hello" {
		t.Errorf("streamed content = %q, want Hello", sb.String())
	}
}

func TestOllama_HealthCheck(t *testing.T) {
	srv := newFakeOllama(t)
	p := NewOllamaProvider(srv.URL, "m")
	if err := p.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck: %v", err)
	}

	down := NewOllamaProvider("http://127.0.0.1:1", "m")
	if err := down.HealthCheck(context.Background()); err == nil {
		t.Error("expected error for unreachable server")
	}
}
