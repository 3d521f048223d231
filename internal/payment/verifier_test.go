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
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"testing"

	"github.com/btcsuite/btcd/btcutil/bech32"
	"github.com/nbd-wtf/go-nostr"
)

func buildZapInvoice(t *testing.T, descriptionJSON string) string {
	t.Helper()
	hash := sha256.Sum256([]byte(descriptionJSON))

	data := make([]byte, 0, 7+3+52+104)
	data = append(data, make([]byte, 7)...)

	hashWords, err := bech32.ConvertBits(hash[:], 8, 5, true)
	if err != nil {
		t.Fatalf("ConvertBits: %v", err)
	}
	data = append(data, 23, 1, 20)
	data = append(data, hashWords...)
	data = append(data, make([]byte, 104)...)

	encoded, err := bech32.Encode("lnbc2500u", data)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	return encoded
}

func signedZapReceipt(t *testing.T, descriptionJSON, bolt11Str, refEventID string) *nostr.Event {
	t.Helper()
	sk := nostr.GeneratePrivateKey()
	pk, err := nostr.GetPublicKey(sk)
	if err != nil {
		t.Fatalf("GetPublicKey: %v", err)
	}

	evt := &nostr.Event{
		PubKey:    pk,
		CreatedAt: nostr.Now(),
		Kind:      9735,
		Tags: nostr.Tags{
			{"bolt11", bolt11Str},
			{"description", descriptionJSON},
			{"e", refEventID},
		},
		Content: "",
	}
	if err := evt.Sign(sk); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	return evt
}

func buildDescriptionJSON(t *testing.T, kind int, amountMsats int64) string {
	t.Helper()
	zr := map[string]any{
		"kind":   kind,
		"pubkey": "payerpubkeyhex",
		"tags": [][]string{
			{"amount", itoaHelper(amountMsats)},
			{"relays"},
		},
	}
	b, err := json.Marshal(zr)
	if err != nil {
		t.Fatalf("marshal zap request: %v", err)
	}
	return string(b)
}

func itoaHelper(n int64) string {
	b, _ := json.Marshal(n)
	return string(b)
}

func TestVerifyZapReceiptHappyPath(t *testing.T) {
	description := buildDescriptionJSON(t, 9734, 500_000)
	invoice := buildZapInvoice(t, description)
	evt := signedZapReceipt(t, description, invoice, "abc123refevent")

	receipt, err := VerifyZapReceipt(evt)
	if err != nil {
		t.Fatalf("VerifyZapReceipt: %v", err)
	}
	if receipt.ReferencedEventID != "abc123refevent" {
		t.Errorf("ReferencedEventID = %s", receipt.ReferencedEventID)
	}
	if receipt.AmountMsats != 500_000 {
		t.Errorf("AmountMsats = %d, want 500000", receipt.AmountMsats)
	}
	if receipt.PayerPubkey != "payerpubkeyhex" {
		t.Errorf("PayerPubkey = %s", receipt.PayerPubkey)
	}
	expectedHash := sha256.Sum256([]byte(description))
	if receipt.DescriptionHash != hex.EncodeToString(expectedHash[:]) {
		t.Errorf("DescriptionHash mismatch")
	}
}

func TestVerifyZapReceiptRejectsWrongKind(t *testing.T) {
	description := buildDescriptionJSON(t, 9734, 500_000)
	invoice := buildZapInvoice(t, description)
	evt := signedZapReceipt(t, description, invoice, "abc123refevent")
	evt.Kind = 1

	if _, err := VerifyZapReceipt(evt); err == nil {
		t.Error("expected error for non-9735 kind")
	}
}

func TestVerifyZapReceiptRejectsWrongEmbeddedKind(t *testing.T) {
	description := buildDescriptionJSON(t, 1, 500_000)
	invoice := buildZapInvoice(t, description)
	evt := signedZapReceipt(t, description, invoice, "abc123refevent")

	if _, err := VerifyZapReceipt(evt); err == nil {
		t.Error("expected error when embedded zap request kind != 9734")
	}
}

func TestVerifyZapReceiptRejectsDescriptionHashMismatch(t *testing.T) {
	description := buildDescriptionJSON(t, 9734, 500_000)
	invoice := buildZapInvoice(t, "a different description entirely")
	evt := signedZapReceipt(t, description, invoice, "abc123refevent")

	if _, err := VerifyZapReceipt(evt); err == nil {
		t.Error("expected error for description hash mismatch")
	}
}

func TestVerifyZapReceiptRejectsMissingTags(t *testing.T) {
	sk := nostr.GeneratePrivateKey()
	pk, _ := nostr.GetPublicKey(sk)
	evt := &nostr.Event{
		PubKey:    pk,
		CreatedAt: nostr.Now(),
		Kind:      9735,
		Tags:      nostr.Tags{},
	}
	if err := evt.Sign(sk); err != nil {
		t.Fatalf("Sign: %v", err)
	}

	if _, err := VerifyZapReceipt(evt); err == nil {
		t.Error("expected error for missing tags")
	}
}

func TestVerifyZapReceiptRejectsTamperedSignature(t *testing.T) {
	description := buildDescriptionJSON(t, 9734, 500_000)
	invoice := buildZapInvoice(t, description)
	evt := signedZapReceipt(t, description, invoice, "abc123refevent")
	evt.Content = "tampered"

	if _, err := VerifyZapReceipt(evt); err == nil {
		t.Error("expected error for tampered signed content")
	}
}

func TestMeetsExpectedAmount(t *testing.T) {
	description := buildDescriptionJSON(t, 9734, 500_000)
	invoice := buildZapInvoice(t, description)
	evt := signedZapReceipt(t, description, invoice, "abc123refevent")
	receipt, err := VerifyZapReceipt(evt)
	if err != nil {
		t.Fatalf("VerifyZapReceipt: %v", err)
	}

	if !MeetsExpectedAmount(receipt, 500_000) {
		t.Error("expected amount to satisfy equal expectation")
	}
	if MeetsExpectedAmount(receipt, 600_000) {
		t.Error("expected amount below requirement to fail")
	}
	if !MeetsExpectedAmount(receipt, 0) {
		t.Error("zero expectation should always pass")
	}
}
