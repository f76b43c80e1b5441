package ollama_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/Strob0t/glossforge/internal/adapter/ollama"
	"github.com/Strob0t/glossforge/internal/port/llm"
)

func TestChat(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		var body struct {
			Model    string        `json:"model"`
			Messages []llm.Message `json:"messages"`
			Stream   bool          `json:"stream"`
			Format   string        `json:"format"`
			Options  struct {
				Temperature float64 `json:"temperature"`
				NumPredict  int     `json:"num_predict"`
			} `json:"options"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatal(err)
		}
		if body.Model != "llama3.1" || body.Stream || body.Format != "json" {
			t.Errorf("unexpected request %+v", body)
		}
		if body.Options.NumPredict != 256 {
			t.Errorf("num_predict = %d", body.Options.NumPredict)
		}
		if len(body.Messages) != 2 || body.Messages[0].Role != llm.RoleSystem {
			t.Errorf("messages = %+v", body.Messages)
		}

		_, _ = w.Write([]byte(`{"model":"llama3.1","message":{"role":"assistant","content":"hello"},"done":true,"prompt_eval_count":9,"eval_count":2}`))
	}))
	defer srv.Close()

	c, err := ollama.NewClient(llm.Config{URL: srv.URL, Model: "llama3.1"})
	if err != nil {
		t.Fatal(err)
	}
	resp, err := c.Chat(context.Background(), llm.Request{
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: "be brief"},
			{Role: llm.RoleUser, Content: "hi"},
		},
		MaxTokens: 256,
		JSON:      true,
	})
	if err != nil {
		t.Fatalf("Chat failed: %v", err)
	}
	if resp.Content != "hello" || resp.PromptTokens != 9 || resp.CompletionTokens != 2 {
		t.Errorf("unexpected response %+v", resp)
	}
}

func TestChatServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "model loading", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c, _ := ollama.NewClient(llm.Config{URL: srv.URL, Model: "llama3.1"})
	_, err := c.Chat(context.Background(), llm.Request{})

	var se *llm.StatusError
	if !errors.As(err, &se) {
		t.Fatalf("expected *llm.StatusError, got %v", err)
	}
	if !se.Transient() {
		t.Error("503 should be transient")
	}
}

func TestChatIncomplete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"message":{"content":"par"},"done":false}`))
	}))
	defer srv.Close()

	c, _ := ollama.NewClient(llm.Config{URL: srv.URL})
	if _, err := c.Chat(context.Background(), llm.Request{}); err == nil {
		t.Fatal("expected error for incomplete response")
	}
}

func TestPing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/tags" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(`{"models":[]}`))
	}))
	defer srv.Close()

	c, _ := ollama.NewClient(llm.Config{URL: srv.URL + "/"})
	if err := c.Ping(context.Background()); err != nil {
		t.Fatalf("Ping failed: %v", err)
	}
}

func TestRegistered(t *testing.T) {
	b, err := llm.New(ollama.ProviderName, llm.Config{URL: "http://localhost:11434"})
	if err != nil {
		t.Fatal(err)
	}
	if b.Name() != "ollama" {
		t.Errorf("Name = %q", b.Name())
	}
}
