// Dvmagent is a paid Nostr data vending machine agent.
// Copyright (C) 2025  Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package inference implements the narrow Execute(ctx, prompt, params) HTTP
// adapter the registry depends on for text generation. It speaks a generic
// generate-content HTTP API rather than binding to a specific vendor SDK.
package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
)

const (
	defaultMaxRetries  = 3
	defaultTemperature = 0.7
	defaultMaxTokens   = 4096
)

// Client is an HTTP adapter to a text generation backend.
type Client struct {
	endpoint   string
	apiKey     string
	model      string
	httpClient *http.Client
	maxRetries uint
	log        *zap.Logger
}

// New builds an inference client targeting the given generate-content
// endpoint, authenticated with apiKey.
func New(endpoint, apiKey, model string, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		endpoint:   endpoint,
		apiKey:     apiKey,
		model:      model,
		httpClient: &http.Client{Timeout: 60 * time.Second},
		maxRetries: defaultMaxRetries,
		log:        log,
	}
}

type generateRequest struct {
	Model       string  `json:"model"`
	Prompt      string  `json:"prompt"`
	System      string  `json:"system,omitempty"`
	Temperature float64 `json:"temperature"`
	MaxTokens   int     `json:"max_tokens"`
}

type generateResponse struct {
	Text  string `json:"text"`
	Error string `json:"error,omitempty"`
}

// Execute sends prompt to the backend and returns the generated text.
// Recognized params: "system", "temperature", "max_tokens".
func (c *Client) Execute(ctx context.Context, prompt string, params map[string]string) (string, error) {
	temperature := defaultTemperature
	if v, ok := params["temperature"]; ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			temperature = f
		}
	}
	maxTokens := defaultMaxTokens
	if v, ok := params["max_tokens"]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			maxTokens = n
		}
	}

	body, err := json.Marshal(generateRequest{
		Model:       c.model,
		Prompt:      prompt,
		System:      params["system"],
		Temperature: temperature,
		MaxTokens:   maxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("marshal inference request: %w", err)
	}

	c.log.Info("inference_execute", zap.Int("prompt_len", len(prompt)))

	respBody, err := c.doWithRetry(ctx, body)
	if err != nil {
		return "", fmt.Errorf("inference backend: %w", err)
	}

	var out generateResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return "", fmt.Errorf("decode inference response: %w", err)
	}
	if out.Error != "" {
		return "", fmt.Errorf("inference backend error: %s", out.Error)
	}

	c.log.Info("inference_result", zap.Int("result_len", len(out.Text)))
	return out.Text, nil
}

// EstimateTokens gives a rough token count for pricing decisions: ~4 chars
// per token for English text.
func EstimateTokens(text string) int {
	return len(text) / 4
}

func (c *Client) doWithRetry(ctx context.Context, body []byte) ([]byte, error) {
	op := func() ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		if c.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.apiKey)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 500 {
			return nil, fmt.Errorf("server error: %s", resp.Status)
		}
		if resp.StatusCode >= 400 {
			return nil, backoff.Permanent(fmt.Errorf("client error: %s", resp.Status))
		}

		return io.ReadAll(resp.Body)
	}

	return backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(c.maxRetries),
	)
}
