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

// Package orchestrator implements the core job lifecycle state machine:
// consuming decoded job requests and verified payment receipts, driving
// each job through its states, and coordinating the store, service
// registry, invoice collaborator, and relay gateway. Execution tasks run
// on a bounded worker pool rather than one goroutine per job, so a burst
// of paid requests cannot overwhelm the inference backend.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"go.uber.org/zap"

	"dvmagent/internal/ctxkeys"
	"dvmagent/internal/metrics"
	"dvmagent/internal/payment"
	"dvmagent/internal/registry"
	"dvmagent/internal/store"
	"dvmagent/pkg/dvm"
)

// InvoiceIssuer is the narrow Lightning collaborator the orchestrator needs.
type InvoiceIssuer interface {
	CreateInvoice(ctx context.Context, amountMsats int64, memo string) (*payment.Invoice, error)
}

// Publisher is the narrow relay collaborator the orchestrator needs for
// feedback and result delivery.
type Publisher interface {
	Publish(ctx context.Context, evt *nostr.Event) error
}

// Orchestrator is the NIP-90 job lifecycle state machine.
type Orchestrator struct {
	store     *store.Store
	registry  *registry.Registry
	invoices  InvoiceIssuer
	publisher Publisher
	pool      *WorkerPool
	log       *zap.Logger

	// receiptRetryDelay is how long a receipt that raced the
	// WaitingPayment write waits before its single re-read.
	receiptRetryDelay time.Duration
}

// New builds an Orchestrator. pool must already be running; the
// Orchestrator does not own its lifecycle.
func New(st *store.Store, reg *registry.Registry, invoices InvoiceIssuer, publisher Publisher, pool *WorkerPool, log *zap.Logger) *Orchestrator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Orchestrator{
		store:             st,
		registry:          reg,
		invoices:          invoices,
		publisher:         publisher,
		pool:              pool,
		log:               log,
		receiptRetryDelay: 250 * time.Millisecond,
	}
}

// HandleJobRequest processes a decoded job-request event: creates the job
// record, prices it, requests an invoice, and publishes a payment-required
// feedback event. A kind with no registered service is silently ignored;
// that is relay noise protection, not an error.
func (o *Orchestrator) HandleJobRequest(ctx context.Context, evt *nostr.Event, input dvm.Input) error {
	ctx, corrID := ctxkeys.EnsureCorrelationID(ctx)
	log := o.log.With(zap.String("correlation_id", corrID), zap.String("event_id", evt.ID))

	svc, ok := o.registry.Get(evt.Kind)
	if !ok {
		log.Debug("unsupported_kind", zap.Int("kind", evt.Kind))
		return nil
	}

	if !svc.Validate(input) {
		log.Warn("invalid_input")
		o.publishFeedback(ctx, evt.ID, evt.PubKey, "error", "Invalid or missing input data.", nil)
		return nil
	}

	if err := o.store.Create(ctx, evt.ID, evt.PubKey, evt.Kind, input); err != nil {
		if err == store.ErrDuplicate {
			log.Debug("duplicate_job_request")
			return nil
		}
		return fmt.Errorf("create job: %w", err)
	}
	metrics.ObserveJobTransition(evt.Kind, "", string(dvm.StateReceived))

	cost := svc.Price(input)
	inv, err := o.invoices.CreateInvoice(ctx, cost, fmt.Sprintf("dvmagent job %.8s", evt.ID))
	if err != nil {
		log.Error("invoice_creation_failed", zap.Error(err))
		return o.transition(ctx, evt.Kind, evt.ID, dvm.StateReceived, dvm.StateFailed, map[string]any{"error": "invoice creation failed: " + err.Error()})
	}

	if err := o.transition(ctx, evt.Kind, evt.ID, dvm.StateReceived, dvm.StateWaitingPayment, map[string]any{
		"bolt11":       inv.Bolt11,
		"invoice_hash": inv.InvoiceHash,
		"amount_msats": cost,
	}); err != nil {
		return err
	}

	o.publishFeedback(ctx, evt.ID, evt.PubKey, "payment-required", "", [][]string{
		{"amount", fmt.Sprintf("%d", cost), inv.Bolt11},
	})
	log.Info("payment_required", zap.Int64("amount_msats", cost))
	return nil
}

// HandlePaymentReceipt processes a verified zap receipt: looks up the job
// by the receipt's referenced event id (falling back to the invoice-hash
// index when the receipt carries no e tag or no job has that id), checks the invoice binding,
// transitions the job to Processing, and submits its execution to the
// worker pool. A receipt with no matching job, a mismatched invoice, or a
// job already past WaitingPayment is ignored: payments can legitimately
// arrive twice, and late payments for expired jobs are logged and dropped.
func (o *Orchestrator) HandlePaymentReceipt(ctx context.Context, receipt *dvm.PaymentReceipt) error {
	ctx, corrID := ctxkeys.EnsureCorrelationID(ctx)
	log := o.log.With(zap.String("correlation_id", corrID))

	invoiceHash := payment.InvoiceHash(receipt.Bolt11)

	job, err := o.lookupReceiptJob(ctx, receipt.ReferencedEventID, invoiceHash)
	if err != nil {
		if err == store.ErrNotFound {
			log.Warn("payment_no_matching_job", zap.String("referenced_event_id", receipt.ReferencedEventID), zap.String("invoice_hash", invoiceHash))
			return nil
		}
		return fmt.Errorf("lookup job for receipt: %w", err)
	}

	if job.State == dvm.StateReceived {
		// The receipt raced the WaitingPayment write. Re-read once; a job
		// still in Received after that indicates a stuck ingress handler.
		time.Sleep(o.receiptRetryDelay)
		job, err = o.store.Get(ctx, job.EventID)
		if err != nil {
			return fmt.Errorf("re-read raced job: %w", err)
		}
		if job.State == dvm.StateReceived {
			log.Error("job_still_received_after_retry", zap.String("event_id", job.EventID))
			return nil
		}
	}

	if job.InvoiceHash != invoiceHash {
		log.Warn("payment_invoice_mismatch", zap.String("event_id", job.EventID))
		return nil
	}

	if job.State != dvm.StateWaitingPayment {
		log.Info("payment_already_processed", zap.String("event_id", job.EventID), zap.String("state", string(job.State)))
		return nil
	}

	if !payment.MeetsExpectedAmount(receipt, job.AmountMsats) {
		log.Warn("payment_amount_insufficient", zap.String("event_id", job.EventID),
			zap.Int64("expected", job.AmountMsats), zap.Int64("observed", receipt.AmountMsats))
		return nil
	}

	if err := o.transition(ctx, job.Kind, job.EventID, dvm.StateWaitingPayment, dvm.StateProcessing, nil); err != nil {
		return err
	}
	o.publishFeedback(ctx, job.EventID, job.Customer, "processing", "", nil)

	o.pool.Submit(func(taskCtx context.Context) {
		o.executeJob(taskCtx, job.EventID)
	})
	return nil
}

// lookupReceiptJob resolves a receipt to its job: by referenced event id
// when the receipt carries one and a job has that id, else by the
// invoice-hash index.
func (o *Orchestrator) lookupReceiptJob(ctx context.Context, referencedEventID, invoiceHash string) (*dvm.Job, error) {
	if referencedEventID != "" {
		job, err := o.store.Get(ctx, referencedEventID)
		if err == nil || err != store.ErrNotFound {
			return job, err
		}
	}
	return o.store.GetByInvoiceHash(ctx, invoiceHash)
}

func (o *Orchestrator) executeJob(ctx context.Context, eventID string) {
	job, err := o.store.Get(ctx, eventID)
	if err != nil {
		o.log.Error("execute_job_lookup_failed", zap.String("event_id", eventID), zap.Error(err))
		return
	}

	svc, ok := o.registry.Get(job.Kind)
	if !ok {
		_ = o.transition(ctx, job.Kind, eventID, dvm.StateProcessing, dvm.StateFailed, map[string]any{"error": "service not found"})
		return
	}

	result, err := svc.Execute(ctx, job.Input)
	if err != nil {
		_ = o.transition(ctx, job.Kind, eventID, dvm.StateProcessing, dvm.StateFailed, map[string]any{"error": err.Error()})
		o.publishFeedback(ctx, eventID, job.Customer, "error", err.Error(), nil)
		o.log.Error("job_execution_failed", zap.String("event_id", eventID), zap.Error(err))
		return
	}

	if err := o.transition(ctx, job.Kind, eventID, dvm.StateProcessing, dvm.StateCompleted, map[string]any{"result": result}); err != nil {
		o.log.Error("job_complete_transition_failed", zap.String("event_id", eventID), zap.Error(err))
		return
	}

	o.publishResult(ctx, eventID, job.Customer, job.Kind, result)
	o.log.Info("job_completed", zap.String("event_id", eventID))
}

// ReconcileAfterRestart transitions every job left in Processing by a prior
// process's crash to Failed with error="interrupted". A job stuck mid
// execution at restart has no safe way to resume; the inference call that
// was in flight is gone with the process that made it.
func (o *Orchestrator) ReconcileAfterRestart(ctx context.Context) (int, error) {
	jobs, err := o.store.JobsInState(ctx, dvm.StateProcessing)
	if err != nil {
		return 0, fmt.Errorf("list processing jobs: %w", err)
	}
	for _, job := range jobs {
		if err := o.transition(ctx, job.Kind, job.EventID, dvm.StateProcessing, dvm.StateFailed, map[string]any{"error": "interrupted"}); err != nil {
			o.log.Error("reconcile_transition_failed", zap.String("event_id", job.EventID), zap.Error(err))
			continue
		}
		o.publishFeedback(ctx, job.EventID, job.Customer, "error", "interrupted", nil)
	}
	return len(jobs), nil
}

func (o *Orchestrator) transition(ctx context.Context, kind int, eventID string, from, to dvm.State, partial map[string]any) error {
	if !dvm.CanTransition(from, to) {
		panic(fmt.Sprintf("orchestrator: illegal transition %s -> %s", from, to))
	}
	if err := o.store.Update(ctx, eventID, to, partial); err != nil {
		return fmt.Errorf("transition %s -> %s: %w", from, to, err)
	}
	metrics.ObserveJobTransition(kind, string(from), string(to))
	o.log.Info("state_transition", zap.String("event_id", eventID), zap.String("from", string(from)), zap.String("to", string(to)))
	return nil
}

func (o *Orchestrator) publishFeedback(ctx context.Context, jobEventID, customer, status, content string, extraTags [][]string) {
	tags := nostr.Tags{
		{"e", jobEventID},
		{"p", customer},
		{"status", status},
	}
	for _, t := range extraTags {
		tags = append(tags, nostr.Tag(t))
	}
	evt := &nostr.Event{
		Kind:      7000,
		CreatedAt: nostr.Now(),
		Tags:      tags,
		Content:   content,
	}
	if err := o.publisher.Publish(ctx, evt); err != nil {
		o.log.Warn("feedback_publish_failed", zap.String("event_id", jobEventID), zap.String("status", status), zap.Error(err))
	}
}

func (o *Orchestrator) publishResult(ctx context.Context, jobEventID, customer string, requestKind int, content string) {
	evt := &nostr.Event{
		Kind:      requestKind + 1000,
		CreatedAt: nostr.Now(),
		Tags: nostr.Tags{
			{"e", jobEventID},
			{"p", customer},
			{"status", "success"},
		},
		Content: content,
	}
	if err := o.publisher.Publish(ctx, evt); err != nil {
		o.log.Warn("result_publish_failed", zap.String("event_id", jobEventID), zap.Error(err))
	}
}
