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

package registry

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"dvmagent/internal/codec"
	"dvmagent/internal/inference"
	"dvmagent/pkg/dvm"
)

// executor is the narrow dependency every AI-backed service needs. It is
// satisfied by *inference.Client; kept as a local interface so services can
// be tested without a live HTTP backend.
type executor interface {
	Execute(ctx context.Context, prompt string, params map[string]string) (string, error)
}

// TranslationService implements kind 5000: text translation between
// languages.
type TranslationService struct {
	ai           executor
	defaultPrice int64
}

func NewTranslationService(ai executor, defaultPriceMsats int64) *TranslationService {
	return &TranslationService{ai: ai, defaultPrice: defaultPriceMsats}
}

func (s *TranslationService) Kind() int { return 5000 }
func (s *TranslationService) Name() string { return "Translation" }
func (s *TranslationService) Description() string {
	return "Text translation between languages"
}
func (s *TranslationService) DefaultPriceMsats() int64 { return s.defaultPrice }

func (s *TranslationService) Validate(input dvm.Input) bool {
	return strings.TrimSpace(input.PrimaryText()) != ""
}

// Price doubles the base price above a 1000-token input, per the tiered
// pricing the agent applies across its text services.
func (s *TranslationService) Price(input dvm.Input) int64 {
	tokens := inference.EstimateTokens(input.PrimaryText())
	if tokens > 1000 {
		return s.defaultPrice * 2
	}
	return s.defaultPrice
}

func (s *TranslationService) Execute(ctx context.Context, input dvm.Input) (string, error) {
	text := input.PrimaryText()
	target := firstNonEmpty(input.Params["language"], input.Params["target"], "English")
	source := firstNonEmpty(input.Params["source"], "auto")

	var prompt string
	if source != "auto" {
		prompt = fmt.Sprintf("Translate the following text from %s to %s:\n\n%s", source, target, text)
	} else {
		prompt = fmt.Sprintf("Translate the following text to %s:\n\n%s", target, text)
	}

	params := map[string]string{
		"system":      "You are a professional translator. Translate accurately while preserving meaning and tone.",
		"temperature": "0.3",
	}
	return s.ai.Execute(ctx, prompt, params)
}

// TextGenerationService implements kind 5001. When the request's params
// carry task=summarize, or failing that a "summarize" topic tag, it
// dispatches to summarization behavior instead of free-form generation.
// Params take precedence over topic tags since a job request carries
// exactly one kind.
type TextGenerationService struct {
	ai                 executor
	defaultPrice       int64
	summarizationPrice int64
}

func NewTextGenerationService(ai executor, defaultPriceMsats, summarizationPriceMsats int64) *TextGenerationService {
	return &TextGenerationService{ai: ai, defaultPrice: defaultPriceMsats, summarizationPrice: summarizationPriceMsats}
}

func (s *TextGenerationService) Kind() int { return 5001 }
func (s *TextGenerationService) Name() string {
	return "Text Generation"
}
func (s *TextGenerationService) Description() string {
	return "LLM text generation, including summarization on request"
}
func (s *TextGenerationService) DefaultPriceMsats() int64 { return s.defaultPrice }

func (s *TextGenerationService) Validate(input dvm.Input) bool {
	return strings.TrimSpace(input.PrimaryText()) != ""
}

func (s *TextGenerationService) isSummarize(input dvm.Input) bool {
	if strings.EqualFold(input.Params["task"], "summarize") {
		return true
	}
	return codec.HasTopic(input, "summarize")
}

func (s *TextGenerationService) Price(input dvm.Input) int64 {
	tokens := inference.EstimateTokens(input.PrimaryText())

	if s.isSummarize(input) {
		switch {
		case tokens > 5000:
			return s.summarizationPrice * 3
		case tokens > 1000:
			return s.summarizationPrice * 2
		default:
			return s.summarizationPrice
		}
	}

	switch {
	case tokens > 2000:
		return s.defaultPrice * 3
	case tokens > 500:
		return s.defaultPrice * 2
	default:
		return s.defaultPrice
	}
}

func (s *TextGenerationService) Execute(ctx context.Context, input dvm.Input) (string, error) {
	text := input.PrimaryText()

	if s.isSummarize(input) {
		maxLength := firstNonEmpty(input.Params["max_length"], "concise")
		prompt := fmt.Sprintf("Provide a %s summary of the following text:\n\n%s", maxLength, text)
		params := map[string]string{
			"system":      "You are an expert at creating clear, accurate summaries.",
			"temperature": "0.3",
		}
		return s.ai.Execute(ctx, prompt, params)
	}

	params := map[string]string{}
	if v, ok := input.Params["temperature"]; ok {
		params["temperature"] = v
	}
	if v, ok := input.Params["max_tokens"]; ok {
		params["max_tokens"] = v
	}
	return s.ai.Execute(ctx, text, params)
}

// TextExtractionService implements kind 5002: fetching a URL input and
// having the inference backend analyze its content.
type TextExtractionService struct {
	ai           executor
	defaultPrice int64
	httpClient   *http.Client
}

func NewTextExtractionService(ai executor, defaultPriceMsats int64) *TextExtractionService {
	return &TextExtractionService{
		ai:           ai,
		defaultPrice: defaultPriceMsats,
		httpClient:   &http.Client{Timeout: 20 * time.Second},
	}
}

func (s *TextExtractionService) Kind() int { return 5002 }
func (s *TextExtractionService) Name() string { return "Text Extraction" }
func (s *TextExtractionService) Description() string {
	return "Extract and analyze content from URLs"
}
func (s *TextExtractionService) DefaultPriceMsats() int64 { return s.defaultPrice }

func (s *TextExtractionService) Validate(input dvm.Input) bool {
	return s.extractURL(input) != ""
}

func (s *TextExtractionService) Price(input dvm.Input) int64 {
	return s.defaultPrice
}

func (s *TextExtractionService) extractURL(input dvm.Input) string {
	for _, item := range input.Inputs {
		if item.Type == "url" && strings.HasPrefix(item.Value, "http") {
			return item.Value
		}
	}
	return ""
}

var (
	htmlTagRe    = regexp.MustCompile(`<[^>]+>`)
	whitespaceRe = regexp.MustCompile(`\s{3,}`)
)

// stripHTML drops script/style blocks, collapses remaining tags to
// spaces, and normalizes whitespace runs.
func stripHTML(html string) string {
	text := stripScriptAndStyle(html)
	text = htmlTagRe.ReplaceAllString(text, " ")
	text = whitespaceRe.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}

var scriptBlockRe = regexp.MustCompile(`(?is)<script[^>]*>.*?</script>`)
var styleBlockRe = regexp.MustCompile(`(?is)<style[^>]*>.*?</style>`)

func stripScriptAndStyle(html string) string {
	html = scriptBlockRe.ReplaceAllString(html, "")
	html = styleBlockRe.ReplaceAllString(html, "")
	return html
}

func (s *TextExtractionService) Execute(ctx context.Context, input dvm.Input) (string, error) {
	url := s.extractURL(input)
	if url == "" {
		return "", fmt.Errorf("no URL provided in job inputs")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("build request for %s: %w", url, err)
	}
	req.Header.Set("User-Agent", "dvmagent/0.1")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch url %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("HTTP %d fetching URL: %s", resp.StatusCode, url)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response body for %s: %w", url, err)
	}

	content := string(raw)
	if strings.Contains(resp.Header.Get("Content-Type"), "html") {
		content = stripHTML(content)
	}

	if len(content) < 10 {
		return "", fmt.Errorf("no meaningful content extracted from %s", url)
	}

	prompt := fmt.Sprintf(
		"Analyze and extract the key information from the following web page content.\nSource URL: %s\n\nContent:\n%s",
		url, truncate(content, 50000),
	)
	params := map[string]string{
		"system":      "You are an expert at analyzing and extracting key information from web content.",
		"temperature": "0.2",
	}
	return s.ai.Execute(ctx, prompt, params)
}

// ImageGenerationService implements kind 5100: text-to-image generation.
// The inference backend decides whether to return an image payload or a
// text fallback; this service only forwards the prompt.
type ImageGenerationService struct {
	ai           executor
	defaultPrice int64
}

func NewImageGenerationService(ai executor, defaultPriceMsats int64) *ImageGenerationService {
	return &ImageGenerationService{ai: ai, defaultPrice: defaultPriceMsats}
}

func (s *ImageGenerationService) Kind() int { return 5100 }
func (s *ImageGenerationService) Name() string { return "Image Generation" }
func (s *ImageGenerationService) Description() string {
	return "Text-to-image generation"
}
func (s *ImageGenerationService) DefaultPriceMsats() int64 { return s.defaultPrice }

func (s *ImageGenerationService) Validate(input dvm.Input) bool {
	return strings.TrimSpace(input.PrimaryText()) != ""
}

func (s *ImageGenerationService) Price(input dvm.Input) int64 {
	return s.defaultPrice
}

func (s *ImageGenerationService) Execute(ctx context.Context, input dvm.Input) (string, error) {
	prompt := fmt.Sprintf("Generate an image: %s", input.PrimaryText())
	params := map[string]string{"temperature": "0.8"}
	return s.ai.Execute(ctx, prompt, params)
}

// DiscoveryService implements kind 5300: content discovery and curation.
type DiscoveryService struct {
	ai           executor
	defaultPrice int64
}

func NewDiscoveryService(ai executor, defaultPriceMsats int64) *DiscoveryService {
	return &DiscoveryService{ai: ai, defaultPrice: defaultPriceMsats}
}

func (s *DiscoveryService) Kind() int { return 5300 }
func (s *DiscoveryService) Name() string { return "Content Discovery" }
func (s *DiscoveryService) Description() string {
	return "Search and curate content using AI"
}
func (s *DiscoveryService) DefaultPriceMsats() int64 { return s.defaultPrice }

func (s *DiscoveryService) Validate(input dvm.Input) bool {
	return strings.TrimSpace(input.PrimaryText()) != ""
}

func (s *DiscoveryService) Price(input dvm.Input) int64 {
	return s.defaultPrice
}

func (s *DiscoveryService) Execute(ctx context.Context, input dvm.Input) (string, error) {
	query := input.PrimaryText()
	prompt := fmt.Sprintf(
		"You are a content discovery assistant. Based on the following search query, "+
			"provide a curated list of relevant topics, insights, and recommendations:\n\nQuery: %s",
		query,
	)
	return s.ai.Execute(ctx, prompt, nil)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
