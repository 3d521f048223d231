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

// Package dvm defines the core data model shared across the agent: the job
// record, its lifecycle states, and the capability contract services
// implement to be dispatched by the orchestrator.
package dvm

import (
	"context"
	"time"
)

// State is a job's position in its lifecycle.
type State string

const (
	StateReceived       State = "received"
	StateWaitingPayment State = "waiting_payment"
	StateProcessing     State = "processing"
	StateCompleted      State = "completed"
	StateFailed         State = "failed"
	StateExpired        State = "expired"
)

// transitions enumerates the only edges the store is allowed to write.
var transitions = map[State]map[State]bool{
	StateReceived:       {StateWaitingPayment: true, StateFailed: true},
	StateWaitingPayment: {StateProcessing: true, StateExpired: true},
	StateProcessing:     {StateCompleted: true, StateFailed: true},
	StateCompleted:      {},
	StateFailed:         {},
	StateExpired:        {},
}

// CanTransition reports whether moving from one state to another is allowed.
func CanTransition(from, to State) bool {
	allowed, ok := transitions[from]
	if !ok {
		return false
	}
	return allowed[to]
}

// InputItem is a single `i` tag: a value plus its type hint and optional
// relay hint, in the order tags appeared on the request event.
type InputItem struct {
	Value     string
	Type      string
	RelayHint string
}

// Input is the decoded job-request payload: inputs, free-form params, topic
// tags, the requested output MIME, and the encrypted-input marker.
type Input struct {
	Inputs      []InputItem
	Params      map[string]string
	Topics      []string
	OutputMime  string
	BidMsats    int64
	Encrypted   bool
	RawContent  string
}

// PrimaryText returns the first text-typed input, falling back to the raw
// event content, falling back to the empty string.
func (in Input) PrimaryText() string {
	for _, item := range in.Inputs {
		if item.Type == "" || item.Type == "text" {
			return item.Value
		}
	}
	return in.RawContent
}

// Job is the central persisted entity: one row per request event.
type Job struct {
	EventID     string
	Customer    string
	Kind        int
	State       State
	Input       Input
	Bolt11      string
	InvoiceHash string
	AmountMsats int64
	Result      string
	Error       string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// PaymentReceipt is the transient result of verifying a kind-9735 event.
type PaymentReceipt struct {
	ReferencedEventID string
	Bolt11            string
	DescriptionHash   string
	AmountMsats       int64
	PayerPubkey       string
	ReceiptAuthor     string
}

// ServiceDescriptor is the capability set a service exposes to the
// orchestrator: validate the decoded input, price it, and execute it.
type ServiceDescriptor interface {
	Kind() int
	Name() string
	Description() string
	DefaultPriceMsats() int64
	Validate(input Input) bool
	Price(input Input) int64
	Execute(ctx context.Context, input Input) (string, error)
}
