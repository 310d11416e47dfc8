package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// SpeechConfig holds configuration for the speech synthesis client.
type SpeechConfig struct {
	APIKey  string
	BaseURL string        // default: https://api.openai.com/v1
	Model   string        // default: tts-1
	Voice   string        // default: alloy
	Timeout time.Duration // default: 30s
}

// SpeechClient implements Synthesizer against the OpenAI speech endpoint.
type SpeechClient struct {
	cfg     SpeechConfig
	client  *http.Client
	breaker *Breaker
}

// NewSpeechClient creates a speech synthesis client.
func NewSpeechClient(cfg SpeechConfig) *SpeechClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
	}
	if cfg.Model == "" {
		cfg.Model = "tts-1"
	}
	if cfg.Voice == "" {
		cfg.Voice = "alloy"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &SpeechClient{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		breaker: NewBreaker("openai-speech"),
	}
}

type speechRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
	Voice string `json:"voice"`
}

// Synthesize converts text into audio bytes.
func (c *SpeechClient) Synthesize(ctx context.Context, text string) ([]byte, error) {
	result, err := c.breaker.Execute(ctx, func() (interface{}, error) {
		return c.synthesize(ctx, text)
	})
	if err != nil {
		if errors.Is(err, ErrCircuitOpen) {
			return nil, fmt.Errorf("speech synthesis rejected: %w", err)
		}
		return nil, err
	}
	return result.([]byte), nil
}

func (c *SpeechClient) synthesize(ctx context.Context, text string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	jsonData, err := json.Marshal(speechRequest{Model: c.cfg.Model, Input: text, Voice: c.cfg.Voice})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.cfg.BaseURL+"/audio/speech", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("speech synthesis failed with status %d: %s", resp.StatusCode, string(body))
	}

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read audio body: %w", err)
	}
	return audio, nil
}
