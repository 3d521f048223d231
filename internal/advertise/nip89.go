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

// Package advertise publishes the NIP-89 handler information event (kind
// 31990) that tells relays and clients which job kinds this agent serves
// and at what price.
package advertise

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nbd-wtf/go-nostr"

	"dvmagent/internal/registry"
)

// HandlerInfoKind is the NIP-89 handler information event kind.
const HandlerInfoKind = 31990

// Publisher is the narrow relay collaborator needed to publish the
// advertisement.
type Publisher interface {
	Publish(ctx context.Context, evt *nostr.Event) error
}

// Metadata is the agent's self-description embedded as the event content.
type Metadata struct {
	Name        string `json:"name"`
	DisplayName string `json:"display_name"`
	About       string `json:"about"`
	Picture     string `json:"picture"`
	Lud16       string `json:"lud16"`
}

// PublishHandlerInfo builds and publishes the kind-31990 advertisement for
// every service in reg.
func PublishHandlerInfo(ctx context.Context, pub Publisher, reg *registry.Registry, identifier string, meta Metadata) error {
	content, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal handler metadata: %w", err)
	}

	tags := nostr.Tags{{"d", identifier}}
	for _, svc := range reg.All() {
		tags = append(tags, nostr.Tag{"k", fmt.Sprintf("%d", svc.Kind())})
	}
	for _, svc := range reg.All() {
		tags = append(tags, nostr.Tag{
			"nip90",
			fmt.Sprintf("%d", svc.Kind()),
			svc.Name(),
			fmt.Sprintf("%d", svc.DefaultPriceMsats()),
		})
	}

	evt := &nostr.Event{
		Kind:      HandlerInfoKind,
		CreatedAt: nostr.Now(),
		Tags:      tags,
		Content:   string(content),
	}
	return pub.Publish(ctx, evt)
}
