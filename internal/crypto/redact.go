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

// Package crypto provides at-rest secret encryption, bearer token hashing,
// and log redaction helpers for sensitive values (nsec keys, bolt11 invoices,
// API keys) that pass through the agent.
package crypto

import (
	"regexp"
	"strings"
)

// RedactSecret redacts a secret string for logging.
// Empty strings return empty. Short strings (<=4 chars) return "****".
// Longer strings show first 2 and last 2 characters with asterisks between.
func RedactSecret(secret string) string {
	if secret == "" {
		return ""
	}
	if len(secret) <= 4 {
		return "****"
	}
	return secret[:2] + strings.Repeat("*", len(secret)-4) + secret[len(secret)-2:]
}

// RedactToken redacts a bearer token or API key for logging.
// Shows first 4 and last 4 characters with an ellipsis.
func RedactToken(token string) string {
	if token == "" {
		return ""
	}
	if len(token) <= 8 {
		return "********"
	}
	return token[:4] + "..." + token[len(token)-4:]
}

// RedactNsec redacts a Nostr private key (nsec-prefixed bech32 or hex) for logging.
func RedactNsec(nsec string) string {
	if nsec == "" {
		return ""
	}
	return "[REDACTED]"
}

// RedactInvoice redacts a BOLT-11 payment request, keeping the human-readable
// prefix (lnbc/lntb/lnbcrt + amount) visible but hiding the data part.
func RedactInvoice(invoice string) string {
	if invoice == "" {
		return ""
	}
	re := regexp.MustCompile(`(?i)^(ln(?:bc|tb|bcrt)[0-9]*[a-z]?)1.*$`)
	if m := re.FindStringSubmatch(invoice); m != nil {
		return m[1] + "1..." + invoice[len(invoice)-4:]
	}
	return RedactToken(invoice)
}

// RedactAuthHeader redacts an Authorization header value.
func RedactAuthHeader(authHeader string) string {
	if authHeader == "" {
		return ""
	}
	if strings.HasPrefix(authHeader, "Basic ") {
		return "Basic [REDACTED]"
	}
	if strings.HasPrefix(authHeader, "Bearer ") {
		token := strings.TrimPrefix(authHeader, "Bearer ")
		return "Bearer " + RedactToken(token)
	}
	return "[REDACTED]"
}

// SensitiveHeaders lists HTTP headers that must never be logged verbatim.
var SensitiveHeaders = []string{
	"Authorization",
	"X-Api-Key",
	"X-Admin-Token",
	"Cookie",
	"Set-Cookie",
	"Proxy-Authorization",
}

// IsSensitiveHeader reports whether a header name is considered sensitive.
func IsSensitiveHeader(headerName string) bool {
	lower := strings.ToLower(headerName)
	for _, sensitive := range SensitiveHeaders {
		if strings.ToLower(sensitive) == lower {
			return true
		}
	}
	return false
}

// RedactHeaders returns a copy of headers with sensitive values redacted.
func RedactHeaders(headers map[string]string) map[string]string {
	if headers == nil {
		return nil
	}
	redacted := make(map[string]string, len(headers))
	for k, v := range headers {
		if IsSensitiveHeader(k) {
			if strings.EqualFold(k, "Authorization") {
				redacted[k] = RedactAuthHeader(v)
			} else {
				redacted[k] = "[REDACTED]"
			}
		} else {
			redacted[k] = v
		}
	}
	return redacted
}

// SensitiveJSONFields lists field names that typically carry secrets and
// should be redacted before a payload is logged.
var SensitiveJSONFields = []string{
	"password",
	"secret",
	"token",
	"api_key",
	"apikey",
	"private_key",
	"privatekey",
	"nsec",
	"bolt11",
	"invoice",
	"preimage",
}

// IsSensitiveField reports whether a field name is considered sensitive.
func IsSensitiveField(fieldName string) bool {
	lower := strings.ToLower(fieldName)
	for _, sensitive := range SensitiveJSONFields {
		if strings.Contains(lower, sensitive) {
			return true
		}
	}
	return false
}

// RedactMap returns a new map with sensitive values replaced by "[REDACTED]",
// recursing into nested maps.
func RedactMap(data map[string]any) map[string]any {
	if data == nil {
		return nil
	}
	redacted := make(map[string]any, len(data))
	for k, v := range data {
		if IsSensitiveField(k) {
			redacted[k] = "[REDACTED]"
			continue
		}
		if nested, ok := v.(map[string]any); ok {
			redacted[k] = RedactMap(nested)
		} else {
			redacted[k] = v
		}
	}
	return redacted
}
