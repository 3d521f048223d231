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

// Package payment implements the Lightning and NIP-57 collaborators the
// orchestrator depends on: invoice creation via LNURL-pay and zap-receipt
// verification.
package payment

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"dvmagent/internal/metrics"
)

// Invoice is what the orchestrator receives from a successful invoice request.
type Invoice struct {
	Bolt11      string
	InvoiceHash string
	AmountMsats int64
}

type lnurlMetadata struct {
	Callback    string `json:"callback"`
	MinSendable int64  `json:"minSendable"`
	MaxSendable int64  `json:"maxSendable"`
}

type lnurlCallbackResponse struct {
	PR     string `json:"pr"`
	Status string `json:"status"`
	Reason string `json:"reason"`
}

// LightningClient requests invoices from an LNURL-pay compatible address.
type LightningClient struct {
	lnurlpURL  string
	httpClient *http.Client
	maxRetries uint

	meta *lnurlMetadata
}

// NewLightningClient builds a client for the given lightning address's
// LNURL-pay metadata endpoint (e.g. derived from "name@domain" as
// "https://domain/.well-known/lnurlp/name").
func NewLightningClient(lnurlpURL string) *LightningClient {
	return &LightningClient{
		lnurlpURL:  lnurlpURL,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		maxRetries: 3,
	}
}

// LNURLPFromAddress converts a Lightning address into its LNURL-pay
// well-known metadata URL.
func LNURLPFromAddress(address string) (string, error) {
	parts := strings.SplitN(address, "@", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", fmt.Errorf("invalid lightning address %q", address)
	}
	return fmt.Sprintf("https://%s/.well-known/lnurlp/%s", parts[1], parts[0]), nil
}

// CreateInvoice requests a BOLT-11 invoice for amountMsats via LNURL-pay.
// Returns an error if the amount falls outside the endpoint's advertised
// min/max bounds or the callback fails after retries.
func (c *LightningClient) CreateInvoice(ctx context.Context, amountMsats int64, memo string) (*Invoice, error) {
	inv, err := c.createInvoice(ctx, amountMsats, memo)
	if err != nil {
		metrics.ObserveInvoiceRequest("error")
		return nil, err
	}
	metrics.ObserveInvoiceRequest("ok")
	return inv, nil
}

func (c *LightningClient) createInvoice(ctx context.Context, amountMsats int64, memo string) (*Invoice, error) {
	meta, err := c.fetchMetadata(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch lnurlp metadata: %w", err)
	}
	if meta.Callback == "" {
		return nil, fmt.Errorf("lnurlp metadata missing callback")
	}
	if amountMsats < meta.MinSendable || amountMsats > meta.MaxSendable {
		return nil, fmt.Errorf("amount %d msats outside range [%d, %d]", amountMsats, meta.MinSendable, meta.MaxSendable)
	}

	callbackURL := meta.Callback
	sep := "?"
	if strings.Contains(callbackURL, "?") {
		sep = "&"
	}
	callbackURL = fmt.Sprintf("%s%samount=%d", callbackURL, sep, amountMsats)
	if memo != "" {
		callbackURL += "&comment=" + url.QueryEscape(memo)
	}

	resp, err := c.fetchWithRetry(ctx, callbackURL)
	if err != nil {
		return nil, fmt.Errorf("fetch invoice callback: %w", err)
	}

	var cb lnurlCallbackResponse
	if err := json.Unmarshal(resp, &cb); err != nil {
		return nil, fmt.Errorf("decode callback response: %w", err)
	}
	if cb.Status == "ERROR" {
		return nil, fmt.Errorf("lnurlp callback error: %s", cb.Reason)
	}
	if cb.PR == "" {
		return nil, fmt.Errorf("lnurlp callback returned no invoice")
	}

	return &Invoice{
		Bolt11:      cb.PR,
		InvoiceHash: InvoiceHash(cb.PR),
		AmountMsats: amountMsats,
	}, nil
}

// InvoiceHash is the deterministic, restart-stable lookup key for an
// invoice: SHA-256 of the bolt11 string, hex-encoded.
func InvoiceHash(bolt11 string) string {
	sum := sha256.Sum256([]byte(bolt11))
	return hex.EncodeToString(sum[:])
}

func (c *LightningClient) fetchMetadata(ctx context.Context) (*lnurlMetadata, error) {
	if c.meta != nil {
		return c.meta, nil
	}

	body, err := c.fetchWithRetry(ctx, c.lnurlpURL)
	if err != nil {
		return nil, err
	}

	var meta lnurlMetadata
	if err := json.Unmarshal(body, &meta); err != nil {
		return nil, fmt.Errorf("decode lnurlp metadata: %w", err)
	}
	if meta.MinSendable == 0 {
		meta.MinSendable = 1000
	}
	if meta.MaxSendable == 0 {
		meta.MaxSendable = 1_000_000_000
	}
	c.meta = &meta
	return c.meta, nil
}

func (c *LightningClient) fetchWithRetry(ctx context.Context, rawURL string) ([]byte, error) {
	op := func() ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return nil, backoff.Permanent(err)
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
