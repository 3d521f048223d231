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
	"fmt"

	"github.com/nbd-wtf/go-nostr"

	"dvmagent/internal/payment/bolt11"
	"dvmagent/pkg/dvm"
)

// zapRequest is the embedded kind-9734 payment request carried in a zap
// receipt's "description" tag.
type zapRequest struct {
	Kind   int        `json:"kind"`
	Pubkey string     `json:"pubkey"`
	Tags   [][]string `json:"tags"`
}

// VerifyZapReceipt validates a kind-9735 event and returns the
// PaymentReceipt it attests, or an error describing why verification
// failed. It performs no network I/O and no store lookups; it is a pure
// function of the event.
func VerifyZapReceipt(evt *nostr.Event) (*dvm.PaymentReceipt, error) {
	if evt.Kind != 9735 {
		return nil, fmt.Errorf("not a zap receipt: kind %d", evt.Kind)
	}

	ok, err := evt.CheckSignature()
	if err != nil || !ok {
		return nil, fmt.Errorf("invalid signature")
	}

	bolt11Str := firstTagValue(evt.Tags, "bolt11")
	descriptionJSON := firstTagValue(evt.Tags, "description")
	referencedEventID := firstTagValue(evt.Tags, "e")

	if bolt11Str == "" {
		return nil, fmt.Errorf("missing or short bolt11 tag")
	}
	if descriptionJSON == "" {
		return nil, fmt.Errorf("missing or short description tag")
	}

	var zr zapRequest
	if err := json.Unmarshal([]byte(descriptionJSON), &zr); err != nil {
		return nil, fmt.Errorf("parse embedded zap request: %w", err)
	}
	if zr.Kind != 9734 {
		return nil, fmt.Errorf("embedded request has wrong kind: %d", zr.Kind)
	}

	sum := sha256.Sum256([]byte(descriptionJSON))
	descriptionHash := hex.EncodeToString(sum[:])

	inv, err := bolt11.Decode(bolt11Str)
	if err != nil {
		return nil, fmt.Errorf("decode bolt11 invoice: %w", err)
	}
	if inv.DescriptionHash == "" || inv.DescriptionHash != descriptionHash {
		return nil, fmt.Errorf("description hash mismatch")
	}

	var amountMsats int64
	for _, tag := range zr.Tags {
		if len(tag) >= 2 && tag[0] == "amount" {
			var n int64
			if _, err := fmt.Sscanf(tag[1], "%d", &n); err == nil {
				amountMsats = n
			}
		}
	}

	return &dvm.PaymentReceipt{
		ReferencedEventID: referencedEventID,
		Bolt11:            bolt11Str,
		DescriptionHash:   descriptionHash,
		AmountMsats:       amountMsats,
		PayerPubkey:       zr.Pubkey,
		ReceiptAuthor:     evt.PubKey,
	}, nil
}

// MeetsExpectedAmount reports whether the receipt's amount satisfies an
// expected minimum. A zero expected amount always passes.
func MeetsExpectedAmount(receipt *dvm.PaymentReceipt, expectedMsats int64) bool {
	if expectedMsats <= 0 {
		return true
	}
	return receipt.AmountMsats >= expectedMsats
}

func firstTagValue(tags nostr.Tags, name string) string {
	for _, tag := range tags {
		if len(tag) >= 2 && tag[0] == name {
			return tag[1]
		}
	}
	return ""
}
