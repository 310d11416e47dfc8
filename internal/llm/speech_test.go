package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestSpeechClientSynthesize(t *testing.T) {
	var captured speechRequest
	var authHeader string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Errorf("failed to decode request: %v", err)
		}
		w.Write([]byte("mp3-bytes"))
	}))
	defer srv.Close()

	client := NewSpeechClient(SpeechConfig{APIKey: "sk-test", BaseURL: srv.URL, Model: "tts-1", Voice: "nova"})

	audio, err := client.Synthesize(context.Background(), "read this aloud")
	if err != nil {
		t.Fatalf("Synthesize failed: %v", err)
	}
	if !bytes.Equal(audio, []byte("mp3-bytes")) {
		t.Errorf("expected audio body back, got %q", audio)
	}
	if authHeader != "Bearer sk-test" {
		t.Errorf("expected bearer auth header, got %q", authHeader)
	}
	if captured.Model != "tts-1" || captured.Voice != "nova" || captured.Input != "read this aloud" {
		t.Errorf("unexpected request payload: %+v", captured)
	}
}

func TestSpeechClientDefaults(t *testing.T) {
	client := NewSpeechClient(SpeechConfig{APIKey: "sk-test"})
	if client.cfg.Model != "tts-1" {
		t.Errorf("expected default model tts-1, got %q", client.cfg.Model)
	}
	if client.cfg.Voice != "alloy" {
		t.Errorf("expected default voice alloy, got %q", client.cfg.Voice)
	}
	if client.cfg.BaseURL != "https://api.openai.com/v1" {
		t.Errorf("unexpected default base URL %q", client.cfg.BaseURL)
	}
}

func TestSpeechClientServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "voice not found", http.StatusBadRequest)
	}))
	defer srv.Close()

	client := NewSpeechClient(SpeechConfig{APIKey: "sk-test", BaseURL: srv.URL})

	_, err := client.Synthesize(context.Background(), "hello")
	if err == nil {
		t.Fatal("expected error for 400 response")
	}
	if !strings.Contains(err.Error(), "400") {
		t.Errorf("expected status in error, got %v", err)
	}
}
