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

package payment

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestCreateInvoiceHappyPath(t *testing.T) {
	var callbackURL string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, "/callback") {
			_ = json.NewEncoder(w).Encode(lnurlCallbackResponse{PR: "lnbc2500u1pexamplebolt11invoice"})
			return
		}
		_ = json.NewEncoder(w).Encode(lnurlMetadata{
			Callback:    callbackURL,
			MinSendable: 1000,
			MaxSendable: 1_000_000_000,
		})
	}))
	defer srv.Close()
	callbackURL = srv.URL + "/callback"

	client := NewLightningClient(srv.URL)
	inv, err := client.CreateInvoice(context.Background(), 500_000, "test job")
	if err != nil {
		t.Fatalf("CreateInvoice: %v", err)
	}
	if inv.Bolt11 != "lnbc2500u1pexamplebolt11invoice" {
		t.Errorf("unexpected bolt11: %s", inv.Bolt11)
	}
	if inv.AmountMsats != 500_000 {
		t.Errorf("expected amount 500000, got %d", inv.AmountMsats)
	}
	if inv.InvoiceHash != InvoiceHash(inv.Bolt11) {
		t.Errorf("invoice hash mismatch")
	}
}

func TestCreateInvoiceRejectsOutOfRangeAmount(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(lnurlMetadata{
			Callback:    "http://unused.example/callback",
			MinSendable: 1_000_000,
			MaxSendable: 2_000_000,
		})
	}))
	defer srv.Close()

	client := NewLightningClient(srv.URL)
	_, err := client.CreateInvoice(context.Background(), 500, "too small")
	if err == nil {
		t.Error("expected error for amount below minSendable")
	}
}

func TestCreateInvoiceCallbackError(t *testing.T) {
	var callbackURL string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, "/callback") {
			_ = json.NewEncoder(w).Encode(lnurlCallbackResponse{Status: "ERROR", Reason: "amount too small"})
			return
		}
		_ = json.NewEncoder(w).Encode(lnurlMetadata{Callback: callbackURL, MinSendable: 1000, MaxSendable: 1_000_000_000})
	}))
	defer srv.Close()
	callbackURL = srv.URL + "/callback"

	client := NewLightningClient(srv.URL)
	_, err := client.CreateInvoice(context.Background(), 5000, "")
	if err == nil {
		t.Error("expected error when callback reports status ERROR")
	}
}

func TestLNURLPFromAddress(t *testing.T) {
	url, err := LNURLPFromAddress("alice@example.com")
	if err != nil {
		t.Fatalf("LNURLPFromAddress: %v", err)
	}
	if url != "https://example.com/.well-known/lnurlp/alice" {
		t.Errorf("unexpected url: %s", url)
	}

	if _, err := LNURLPFromAddress("invalid-address"); err == nil {
		t.Error("expected error for invalid lightning address")
	}
}

func TestInvoiceHashDeterministic(t *testing.T) {
	a := InvoiceHash("lnbc1example")
	b := InvoiceHash("lnbc1example")
	if a != b {
		t.Error("expected deterministic hash")
	}
	if a == InvoiceHash("lnbc1different") {
		t.Error("expected different invoices to hash differently")
	}
}
