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

// Package bolt11 decodes the tagged fields of a Lightning BOLT-11 payment
// request that the Payment Verifier needs: the description hash (bound to
// the NIP-57 zap receipt's description tag) and the invoice amount. It is a
// narrow decoder built on the bech32 primitive, not a full invoice
// library.
package bolt11

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/btcutil/bech32"
)

// signatureWords is the fixed length, in 5-bit words, of the trailing
// signature + recovery id (512 + 8 bits = 520 bits = 104 words).
const signatureWords = 104

// timestampWords is the fixed length, in 5-bit words, of the leading
// timestamp field (35 bits = 7 words).
const timestampWords = 7

var knownNetworkPrefixes = []string{"bcrt", "bc", "tb", "sb"}

// Invoice holds the tagged fields relevant to payment verification.
type Invoice struct {
	AmountMsats     int64
	DescriptionHash string // hex-encoded, 32 bytes
	PaymentHash     string // hex-encoded, 32 bytes
}

// Decode parses a bech32-encoded BOLT-11 invoice string.
func Decode(invoice string) (Invoice, error) {
	invoice = strings.TrimSpace(invoice)
	// BOLT-11 invoices routinely exceed bech32's BIP-173 90-character cap
	// (the signature alone is 104 words), so the unbounded decoder is used.
	hrp, data, err := bech32.DecodeNoLimit(invoice)
	if err != nil {
		return Invoice{}, fmt.Errorf("bech32 decode: %w", err)
	}

	amount, err := parseAmount(hrp)
	if err != nil {
		return Invoice{}, fmt.Errorf("parse amount from hrp %q: %w", hrp, err)
	}

	if len(data) < timestampWords+signatureWords {
		return Invoice{}, errors.New("invoice data too short for timestamp and signature")
	}
	fields := data[timestampWords : len(data)-signatureWords]

	inv := Invoice{AmountMsats: amount}

	pos := 0
	for pos+3 <= len(fields) {
		tag := fields[pos]
		length := int(fields[pos+1])*32 + int(fields[pos+2])
		pos += 3
		if pos+length > len(fields) {
			break
		}
		value := fields[pos : pos+length]
		pos += length

		switch tag {
		case 23: // 'h' description hash
			b, err := bech32.ConvertBits(value, 5, 8, false)
			if err == nil && len(b) == 32 {
				inv.DescriptionHash = hex.EncodeToString(b)
			}
		case 1: // 'p' payment hash
			b, err := bech32.ConvertBits(value, 5, 8, false)
			if err == nil && len(b) == 32 {
				inv.PaymentHash = hex.EncodeToString(b)
			}
		}
	}

	return inv, nil
}

// parseAmount extracts the amount in millisatoshis encoded in the invoice's
// human-readable part, e.g. "lnbc2500u" -> 250,000,000 msats. An hrp with no
// amount (e.g. "lnbc") returns 0.
func parseAmount(hrp string) (int64, error) {
	if !strings.HasPrefix(hrp, "ln") {
		return 0, fmt.Errorf("missing ln prefix")
	}
	rest := hrp[2:]

	var network string
	for _, prefix := range knownNetworkPrefixes {
		if strings.HasPrefix(rest, prefix) {
			network = prefix
			break
		}
	}
	if network == "" {
		return 0, fmt.Errorf("unrecognized network prefix in %q", hrp)
	}
	rest = rest[len(network):]

	if rest == "" {
		return 0, nil
	}

	multiplier := byte(0)
	digits := rest
	last := rest[len(rest)-1]
	if last < '0' || last > '9' {
		multiplier = last
		digits = rest[:len(rest)-1]
	}

	value, err := strconv.ParseInt(digits, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse amount digits %q: %w", digits, err)
	}

	// Amounts are denominated in whole bitcoin before the multiplier is
	// applied: 1 BTC = 10^11 millisatoshis.
	const btcToMsat = 100_000_000_000

	switch multiplier {
	case 0:
		return value * btcToMsat, nil
	case 'm':
		return value * btcToMsat / 1_000, nil
	case 'u':
		return value * btcToMsat / 1_000_000, nil
	case 'n':
		return value * btcToMsat / 1_000_000_000, nil
	case 'p':
		if value%10 != 0 {
			return 0, fmt.Errorf("pico amount %d not a multiple of 10", value)
		}
		return value * btcToMsat / 1_000_000_000_000, nil
	default:
		return 0, fmt.Errorf("unknown amount multiplier %q", string(multiplier))
	}
}
