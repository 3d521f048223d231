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
	"errors"
	"strings"
	"testing"

	"dvmagent/pkg/dvm"
)

type fakeExecutor struct {
	lastPrompt string
	lastParams map[string]string
	response   string
	err        error
}

func (f *fakeExecutor) Execute(ctx context.Context, prompt string, params map[string]string) (string, error) {
	f.lastPrompt = prompt
	f.lastParams = params
	if f.err != nil {
		return "", f.err
	}
	return f.response, nil
}

func TestTranslationServicePricing(t *testing.T) {
	ai := &fakeExecutor{response: "ok"}
	svc := NewTranslationService(ai, 500_000)

	short := dvm.Input{RawContent: "hola"}
	if svc.Price(short) != 500_000 {
		t.Errorf("short input price = %d, want base", svc.Price(short))
	}

	long := dvm.Input{RawContent: strings.Repeat("word ", 1000)}
	if svc.Price(long) != 1_000_000 {
		t.Errorf("long input price = %d, want doubled", svc.Price(long))
	}
}

func TestTranslationServiceExecute(t *testing.T) {
	ai := &fakeExecutor{response: "hola mundo"}
	svc := NewTranslationService(ai, 500_000)

	input := dvm.Input{RawContent: "hello world", Params: map[string]string{"language": "Spanish"}}
	out, err := svc.Execute(context.Background(), input)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out != "hola mundo" {
		t.Errorf("out = %q", out)
	}
	if ai.lastParams["temperature"] != "0.3" {
		t.Errorf("expected temperature 0.3, got %s", ai.lastParams["temperature"])
	}
}

func TestTextGenerationServiceDispatchesSummarize(t *testing.T) {
	ai := &fakeExecutor{response: "summary"}
	svc := NewTextGenerationService(ai, 1_000_000, 400_000)

	input := dvm.Input{RawContent: "long article text", Params: map[string]string{"task": "summarize"}}
	if _, err := svc.Execute(context.Background(), input); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if svc.Price(input) != 400_000 {
		t.Errorf("summarize price = %d, want base summarization price", svc.Price(input))
	}
}

func TestTextGenerationServiceDispatchesSummarizeViaTopic(t *testing.T) {
	ai := &fakeExecutor{response: "summary"}
	svc := NewTextGenerationService(ai, 1_000_000, 400_000)

	input := dvm.Input{RawContent: "long article text", Topics: []string{"news", "Summarize"}}
	if !svc.isSummarize(input) {
		t.Error("expected topic-based summarize detection")
	}
}

func TestTextGenerationServiceDefaultPricingTiers(t *testing.T) {
	ai := &fakeExecutor{response: "ok"}
	svc := NewTextGenerationService(ai, 1_000_000, 400_000)

	small := dvm.Input{RawContent: "short"}
	if svc.Price(small) != 1_000_000 {
		t.Errorf("small price = %d", svc.Price(small))
	}

	medium := dvm.Input{RawContent: strings.Repeat("word ", 600)}
	if svc.Price(medium) != 2_000_000 {
		t.Errorf("medium price = %d, want doubled", svc.Price(medium))
	}

	large := dvm.Input{RawContent: strings.Repeat("word ", 2500)}
	if svc.Price(large) != 3_000_000 {
		t.Errorf("large price = %d, want tripled", svc.Price(large))
	}
}

func TestTextExtractionServiceValidatesURLInput(t *testing.T) {
	ai := &fakeExecutor{response: "ok"}
	svc := NewTextExtractionService(ai, 300_000)

	withURL := dvm.Input{Inputs: []dvm.InputItem{{Value: "https://example.com", Type: "url"}}}
	if !svc.Validate(withURL) {
		t.Error("expected url input to validate")
	}

	withoutURL := dvm.Input{Inputs: []dvm.InputItem{{Value: "plain text", Type: "text"}}}
	if svc.Validate(withoutURL) {
		t.Error("expected text-only input to fail validation")
	}
}

func TestStripHTML(t *testing.T) {
	html := "<html><head><style>.a{}</style><script>alert(1)</script></head><body><p>Hello   world</p></body></html>"
	got := stripHTML(html)
	if got == "" {
		t.Fatal("expected non-empty stripped text")
	}
	for _, leftover := range []string{"<script>", "<style>", "alert(1)"} {
		if strings.Contains(got, leftover) {
			t.Errorf("expected scripts/styles stripped, got %q", got)
		}
	}
}

func TestImageGenerationServiceExecute(t *testing.T) {
	ai := &fakeExecutor{response: "data:image/png;base64,..."}
	svc := NewImageGenerationService(ai, 2_000_000)

	input := dvm.Input{RawContent: "a cat wearing a hat"}
	out, err := svc.Execute(context.Background(), input)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out == "" {
		t.Error("expected non-empty output")
	}
}

func TestDiscoveryServiceExecutePropagatesError(t *testing.T) {
	ai := &fakeExecutor{err: errors.New("backend down")}
	svc := NewDiscoveryService(ai, 500_000)

	if _, err := svc.Execute(context.Background(), dvm.Input{RawContent: "bitcoin news"}); err == nil {
		t.Error("expected error to propagate from inference backend")
	}
}

