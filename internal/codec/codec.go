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

// Package codec decodes signed Nostr events into the structured job-input
// shape the orchestrator and services operate on.
package codec

import (
	"strconv"
	"strings"

	"github.com/nbd-wtf/go-nostr"

	"dvmagent/pkg/dvm"
)

// DecodeJobRequest turns a signed job-request event's tags into an Input.
// Malformed tags are dropped silently; the parse never fails.
func DecodeJobRequest(evt *nostr.Event) dvm.Input {
	in := dvm.Input{
		Params:     make(map[string]string),
		RawContent: evt.Content,
	}

	for _, tag := range evt.Tags {
		if len(tag) < 2 {
			continue
		}
		switch tag[0] {
		case "i":
			item := dvm.InputItem{Value: tag[1], Type: "text"}
			if len(tag) >= 3 && tag[2] != "" {
				item.Type = tag[2]
			}
			if len(tag) >= 4 {
				item.RelayHint = tag[3]
			}
			in.Inputs = append(in.Inputs, item)
		case "param":
			if len(tag) < 3 {
				continue
			}
			in.Params[tag[1]] = tag[2]
		case "output":
			in.OutputMime = tag[1]
		case "bid":
			n, err := strconv.ParseInt(tag[1], 10, 64)
			if err != nil {
				continue
			}
			in.BidMsats = n
		case "t":
			in.Topics = append(in.Topics, tag[1])
		case "encrypted":
			in.Encrypted = true
		}
	}

	return in
}

// HasTopic reports whether topic (case-insensitive) is present among the
// decoded `t` tags.
func HasTopic(in dvm.Input, topic string) bool {
	for _, t := range in.Topics {
		if strings.EqualFold(t, topic) {
			return true
		}
	}
	return false
}
