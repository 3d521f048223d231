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

package dvm

import "testing"

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to State
		want     bool
	}{
		{StateReceived, StateWaitingPayment, true},
		{StateReceived, StateFailed, true},
		{StateReceived, StateProcessing, false},
		{StateWaitingPayment, StateProcessing, true},
		{StateWaitingPayment, StateExpired, true},
		{StateWaitingPayment, StateCompleted, false},
		{StateProcessing, StateCompleted, true},
		{StateProcessing, StateFailed, true},
		{StateExpired, StateWaitingPayment, false},
		{StateExpired, StateProcessing, false},
		{StateCompleted, StateFailed, false},
	}
	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestInputPrimaryText(t *testing.T) {
	in := Input{
		Inputs: []InputItem{
			{Value: "http://example.com", Type: "url"},
			{Value: "hello world", Type: "text"},
		},
	}
	if got := in.PrimaryText(); got != "hello world" {
		t.Errorf("PrimaryText() = %q, want %q", got, "hello world")
	}

	noText := Input{
		Inputs:     []InputItem{{Value: "http://example.com", Type: "url"}},
		RawContent: "fallback",
	}
	if got := noText.PrimaryText(); got != "fallback" {
		t.Errorf("PrimaryText() = %q, want %q", got, "fallback")
	}

	empty := Input{}
	if got := empty.PrimaryText(); got != "" {
		t.Errorf("PrimaryText() = %q, want empty", got)
	}
}

func TestInputPrimaryTextDefaultType(t *testing.T) {
	in := Input{Inputs: []InputItem{{Value: "untyped"}}}
	if got := in.PrimaryText(); got != "untyped" {
		t.Errorf("PrimaryText() = %q, want %q (default type is text)", got, "untyped")
	}
}
