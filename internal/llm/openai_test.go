package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/mseverin/voicemem/pkg/types"
)

func TestOpenAIClientComplete(t *testing.T) {
	var captured chatCompletionRequest
	var authHeader string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Errorf("failed to decode request: %v", err)
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"choices": []map[string]interface{}{
				{"message": map[string]string{"role": "assistant", "content": "summary text"}},
			},
		})
	}))
	defer srv.Close()

	client := NewOpenAIClient(OpenAIConfig{APIKey: "sk-test", BaseURL: srv.URL, Model: "gpt-4o-mini"})
	history := []*types.Turn{
		{UserText: "hi", AgentText: "hello!"},
		{UserText: "still there?"}, // no agent reply yet
	}

	got, err := client.Complete(context.Background(), "You are helpful.", "summarize this", history)
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if got != "summary text" {
		t.Errorf("expected response text, got %q", got)
	}
	if authHeader != "Bearer sk-test" {
		t.Errorf("expected bearer auth header, got %q", authHeader)
	}
	if captured.Model != "gpt-4o-mini" {
		t.Errorf("expected model gpt-4o-mini, got %q", captured.Model)
	}

	// System prompt first, then history as user/assistant pairs (assistant
	// omitted when the turn has no reply), then the user message.
	wantRoles := []string{"system", "user", "assistant", "user", "user"}
	if len(captured.Messages) != len(wantRoles) {
		t.Fatalf("expected %d messages, got %d", len(wantRoles), len(captured.Messages))
	}
	for i, role := range wantRoles {
		if captured.Messages[i].Role != role {
			t.Errorf("message %d: expected role %q, got %q", i, role, captured.Messages[i].Role)
		}
	}
	if captured.Messages[0].Content != "You are helpful." {
		t.Errorf("expected system prompt first, got %q", captured.Messages[0].Content)
	}
	if captured.Messages[4].Content != "summarize this" {
		t.Errorf("expected user message last, got %q", captured.Messages[4].Content)
	}
}

func TestOpenAIClientCompleteServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	client := NewOpenAIClient(OpenAIConfig{APIKey: "sk-test", BaseURL: srv.URL})

	_, err := client.Complete(context.Background(), "system", "message", nil)
	if err == nil {
		t.Fatal("expected error for 503 response")
	}
	if !strings.Contains(err.Error(), "503") {
		t.Errorf("expected status in error, got %v", err)
	}
}

func TestOpenAIClientCompleteNoChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{"choices": []interface{}{}})
	}))
	defer srv.Close()

	client := NewOpenAIClient(OpenAIConfig{APIKey: "sk-test", BaseURL: srv.URL})

	_, err := client.Complete(context.Background(), "system", "message", nil)
	if err == nil || !strings.Contains(err.Error(), "no choices") {
		t.Errorf("expected no-choices error, got %v", err)
	}
}

func TestOpenAIClientCircuitOpens(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := NewOpenAIClient(OpenAIConfig{APIKey: "sk-test", BaseURL: srv.URL})

	for i := 0; i < 3; i++ {
		if _, err := client.Complete(context.Background(), "system", "message", nil); err == nil {
			t.Fatalf("request %d: expected error", i+1)
		}
	}

	_, err := client.Complete(context.Background(), "system", "message", nil)
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("expected ErrCircuitOpen after consecutive failures, got %v", err)
	}
	if got := client.breaker.State(); got != "open" {
		t.Errorf("expected open breaker, got %q", got)
	}
}
