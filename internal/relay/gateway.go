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

// Package relay maintains outbound websocket connections to a configured
// set of Nostr relays, delivers a deduplicated unified stream of inbound
// events, and fans out published events, built on nbd-wtf/go-nostr with
// cenkalti/backoff/v5 for connection dials.
package relay

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/nbd-wtf/go-nostr"
	"go.uber.org/zap"

	"dvmagent/internal/metrics"
)

// JobRequestKinds are the NIP-90 request kinds the gateway subscribes to.
var JobRequestKinds = []int{5000, 5001, 5002, 5100, 5300}

// ZapReceiptKind is the NIP-57 zap receipt kind.
const ZapReceiptKind = 9735

const dedupCacheSize = 4096

// Gateway manages connections to multiple relays and presents them as one
// inbound stream with cross-relay event-id deduplication.
type Gateway struct {
	urls      []string
	secretKey string
	publicKey string
	log       *zap.Logger

	mu     sync.Mutex
	relays map[string]*nostr.Relay

	seen *lru.Cache[string, struct{}]
}

// New builds a gateway for the given relay URLs, signing outbound events
// with secretKey (hex-encoded).
func New(urls []string, secretKey string, log *zap.Logger) (*Gateway, error) {
	if log == nil {
		log = zap.NewNop()
	}
	pk, err := nostr.GetPublicKey(secretKey)
	if err != nil {
		return nil, fmt.Errorf("derive public key: %w", err)
	}
	cache, err := lru.New[string, struct{}](dedupCacheSize)
	if err != nil {
		return nil, fmt.Errorf("build dedup cache: %w", err)
	}
	return &Gateway{
		urls:      urls,
		secretKey: secretKey,
		publicKey: pk,
		log:       log,
		relays:    make(map[string]*nostr.Relay),
		seen:      cache,
	}, nil
}

// PublicKey returns the agent's hex-encoded Nostr public key.
func (g *Gateway) PublicKey() string { return g.publicKey }

// Connect dials every configured relay, up to three attempts each with
// exponential backoff between them. A relay that cannot be reached is
// logged and skipped; Connect returns an error only when no relay could be
// reached. A connection that drops after Connect returns is not redialed.
func (g *Gateway) Connect(ctx context.Context) error {
	connected := 0
	for _, url := range g.urls {
		r, err := g.dialWithBackoff(ctx, url)
		if err != nil {
			g.log.Warn("relay_connect_failed", zap.String("url", url), zap.Error(err))
			continue
		}
		g.mu.Lock()
		g.relays[url] = r
		g.mu.Unlock()
		connected++
		g.log.Info("relay_connected", zap.String("url", url))
	}
	if connected == 0 {
		return fmt.Errorf("failed to connect to any of %d configured relays", len(g.urls))
	}
	return nil
}

func (g *Gateway) dialWithBackoff(ctx context.Context, url string) (*nostr.Relay, error) {
	op := func() (*nostr.Relay, error) {
		return nostr.RelayConnect(ctx, url)
	}
	return backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(3),
	)
}

// Subscribe opens the job-request and zap-receipt filters, both bounded by
// "now", on every connected relay and returns a single deduplicated stream
// of inbound events. The returned channel is closed when ctx is canceled.
func (g *Gateway) Subscribe(ctx context.Context) (<-chan *nostr.Event, error) {
	g.mu.Lock()
	relays := make([]*nostr.Relay, 0, len(g.relays))
	for _, r := range g.relays {
		relays = append(relays, r)
	}
	g.mu.Unlock()

	if len(relays) == 0 {
		return nil, fmt.Errorf("no connected relays to subscribe on")
	}

	now := nostr.Timestamp(time.Now().Unix())
	kinds := make([]int, len(JobRequestKinds))
	copy(kinds, JobRequestKinds)

	jobFilter := nostr.Filter{Kinds: kinds, Since: &now}
	zapFilter := nostr.Filter{Kinds: []int{ZapReceiptKind}, Tags: nostr.TagMap{"p": []string{g.publicKey}}, Since: &now}

	out := make(chan *nostr.Event, 256)
	var wg sync.WaitGroup

	for _, r := range relays {
		sub, err := r.Subscribe(ctx, []nostr.Filter{jobFilter, zapFilter})
		if err != nil {
			g.log.Warn("relay_subscribe_failed", zap.String("url", r.URL), zap.Error(err))
			continue
		}
		wg.Add(1)
		go func(relayURL string, sub *nostr.Subscription) {
			defer wg.Done()
			for evt := range sub.Events {
				metrics.ObserveRelayEvent(relayURL, evt.Kind)
				g.deliver(out, evt)
			}
		}(r.URL, sub)
	}

	go func() {
		wg.Wait()
		close(out)
	}()

	return out, nil
}

func (g *Gateway) deliver(out chan<- *nostr.Event, evt *nostr.Event) {
	if seen, _ := g.seen.ContainsOrAdd(evt.ID, struct{}{}); seen {
		return
	}
	out <- evt
}

// Sign signs evt with the agent's secret key.
func (g *Gateway) Sign(evt *nostr.Event) error {
	return evt.Sign(g.secretKey)
}

// Publish signs evt and sends it to every connected relay in turn. It
// returns nil if at least one relay accepted the event and an error only
// when every relay failed; per-relay failures are logged, not propagated.
func (g *Gateway) Publish(ctx context.Context, evt *nostr.Event) error {
	evt.PubKey = g.publicKey
	if evt.CreatedAt == 0 {
		evt.CreatedAt = nostr.Now()
	}
	if err := g.Sign(evt); err != nil {
		return fmt.Errorf("sign event: %w", err)
	}

	g.mu.Lock()
	relays := make([]*nostr.Relay, 0, len(g.relays))
	for _, r := range g.relays {
		relays = append(relays, r)
	}
	g.mu.Unlock()

	var succeeded int
	for _, r := range relays {
		if err := r.Publish(ctx, *evt); err != nil {
			g.log.Warn("relay_publish_failed", zap.String("url", r.URL), zap.String("event_id", evt.ID), zap.Error(err))
			metrics.ObserveRelayPublish(r.URL, "error")
			continue
		}
		metrics.ObserveRelayPublish(r.URL, "ok")
		succeeded++
	}
	if succeeded == 0 {
		return fmt.Errorf("publish failed on all %d relays", len(relays))
	}
	return nil
}

// Close disconnects from every relay.
func (g *Gateway) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for url, r := range g.relays {
		r.Close()
		g.log.Info("relay_disconnected", zap.String("url", url))
	}
	g.relays = make(map[string]*nostr.Relay)
}
