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

package orchestrator

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"dvmagent/internal/payment"
	"dvmagent/internal/registry"
	"dvmagent/internal/store"
	"dvmagent/pkg/dvm"
)

type fakeService struct {
	kind     int
	price    int64
	valid    bool
	result   string
	execErr  error
	executed int
}

func (f *fakeService) Kind() int { return f.kind }
func (f *fakeService) Name() string { return "fake" }
func (f *fakeService) Description() string { return "fake service" }
func (f *fakeService) DefaultPriceMsats() int64 { return f.price }
func (f *fakeService) Validate(input dvm.Input) bool { return f.valid }
func (f *fakeService) Price(input dvm.Input) int64 { return f.price }
func (f *fakeService) Execute(ctx context.Context, input dvm.Input) (string, error) {
	f.executed++
	if f.execErr != nil {
		return "", f.execErr
	}
	return f.result, nil
}

type fakeInvoices struct {
	invoice *payment.Invoice
	err     error
}

func (f *fakeInvoices) CreateInvoice(ctx context.Context, amountMsats int64, memo string) (*payment.Invoice, error) {
	if f.err != nil {
		return nil, f.err
	}
	inv := *f.invoice
	inv.AmountMsats = amountMsats
	return &inv, nil
}

type fakePublisher struct {
	published []*nostr.Event
}

func (f *fakePublisher) Publish(ctx context.Context, evt *nostr.Event) error {
	f.published = append(f.published, evt)
	return nil
}

func newTestOrchestrator(t *testing.T, svc dvm.ServiceDescriptor, invoices InvoiceIssuer) (*Orchestrator, *store.Store, *fakePublisher) {
	t.Helper()
	st, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	reg := registry.New()
	reg.Register(svc)

	pub := &fakePublisher{}
	pool := NewWorkerPool(context.Background(), 2, nil)
	t.Cleanup(pool.Close)

	return New(st, reg, invoices, pub, pool, nil), st, pub
}

func TestHandleJobRequestRequestsInvoice(t *testing.T) {
	svc := &fakeService{kind: 5000, price: 500_000, valid: true}
	invoices := &fakeInvoices{invoice: &payment.Invoice{Bolt11: "lnbc1example", InvoiceHash: payment.InvoiceHash("lnbc1example")}}
	orc, st, pub := newTestOrchestrator(t, svc, invoices)

	evt := &nostr.Event{ID: "evt1", PubKey: "customer1", Kind: 5000}
	input := dvm.Input{RawContent: "translate this"}

	if err := orc.HandleJobRequest(context.Background(), evt, input); err != nil {
		t.Fatalf("HandleJobRequest: %v", err)
	}

	job, err := st.Get(context.Background(), "evt1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if job.State != dvm.StateWaitingPayment {
		t.Errorf("state = %s, want waiting_payment", job.State)
	}
	if job.Bolt11 != "lnbc1example" {
		t.Errorf("bolt11 = %s", job.Bolt11)
	}
	if len(pub.published) != 1 || pub.published[0].Kind != 7000 {
		t.Errorf("expected one feedback event published, got %d", len(pub.published))
	}
}

func TestHandleJobRequestIgnoresUnsupportedKind(t *testing.T) {
	svc := &fakeService{kind: 5000, price: 500_000, valid: true}
	orc, st, pub := newTestOrchestrator(t, svc, &fakeInvoices{})

	evt := &nostr.Event{ID: "evt2", PubKey: "customer1", Kind: 9999}
	if err := orc.HandleJobRequest(context.Background(), evt, dvm.Input{}); err != nil {
		t.Fatalf("HandleJobRequest: %v", err)
	}

	if _, err := st.Get(context.Background(), "evt2"); err != store.ErrNotFound {
		t.Errorf("expected no job created for unsupported kind, got err=%v", err)
	}
	if len(pub.published) != 0 {
		t.Errorf("expected no feedback for unsupported kind, got %d", len(pub.published))
	}
}

func TestHandleJobRequestRejectsInvalidInput(t *testing.T) {
	svc := &fakeService{kind: 5000, price: 500_000, valid: false}
	orc, st, pub := newTestOrchestrator(t, svc, &fakeInvoices{})

	evt := &nostr.Event{ID: "evt3", PubKey: "customer1", Kind: 5000}
	if err := orc.HandleJobRequest(context.Background(), evt, dvm.Input{}); err != nil {
		t.Fatalf("HandleJobRequest: %v", err)
	}

	if _, err := st.Get(context.Background(), "evt3"); err != store.ErrNotFound {
		t.Errorf("expected no job created for invalid input, got err=%v", err)
	}
	if len(pub.published) != 1 || tagValue(pub.published[0].Tags, "status") != "error" {
		t.Errorf("expected one error feedback event")
	}
}

func tagValue(tags nostr.Tags, name string) string {
	for _, tag := range tags {
		if len(tag) >= 2 && tag[0] == name {
			return tag[1]
		}
	}
	return ""
}

func TestHandleJobRequestDuplicateIsIdempotent(t *testing.T) {
	svc := &fakeService{kind: 5000, price: 500_000, valid: true}
	invoices := &fakeInvoices{invoice: &payment.Invoice{Bolt11: "lnbc1example", InvoiceHash: "hash1"}}
	orc, _, pub := newTestOrchestrator(t, svc, invoices)

	evt := &nostr.Event{ID: "evt4", PubKey: "customer1", Kind: 5000}
	input := dvm.Input{RawContent: "hi"}

	if err := orc.HandleJobRequest(context.Background(), evt, input); err != nil {
		t.Fatalf("first HandleJobRequest: %v", err)
	}
	if err := orc.HandleJobRequest(context.Background(), evt, input); err != nil {
		t.Fatalf("second HandleJobRequest: %v", err)
	}
	if len(pub.published) != 1 {
		t.Errorf("expected exactly one feedback publish across both calls, got %d", len(pub.published))
	}
}

func TestHandleJobRequestInvoiceFailureTransitionsToFailed(t *testing.T) {
	svc := &fakeService{kind: 5000, price: 500_000, valid: true}
	invoices := &fakeInvoices{err: errors.New("lnurlp unreachable")}
	orc, st, _ := newTestOrchestrator(t, svc, invoices)

	evt := &nostr.Event{ID: "evt5", PubKey: "customer1", Kind: 5000}
	if err := orc.HandleJobRequest(context.Background(), evt, dvm.Input{RawContent: "hi"}); err != nil {
		t.Fatalf("HandleJobRequest: %v", err)
	}

	job, err := st.Get(context.Background(), "evt5")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if job.State != dvm.StateFailed {
		t.Errorf("state = %s, want failed", job.State)
	}
}

func TestHandlePaymentReceiptExecutesJob(t *testing.T) {
	svc := &fakeService{kind: 5000, price: 500_000, valid: true, result: "translated text"}
	invoices := &fakeInvoices{invoice: &payment.Invoice{Bolt11: "lnbc1example", InvoiceHash: payment.InvoiceHash("lnbc1example")}}
	orc, st, _ := newTestOrchestrator(t, svc, invoices)

	evt := &nostr.Event{ID: "evt6", PubKey: "customer1", Kind: 5000}
	if err := orc.HandleJobRequest(context.Background(), evt, dvm.Input{RawContent: "hi"}); err != nil {
		t.Fatalf("HandleJobRequest: %v", err)
	}

	job, err := st.Get(context.Background(), "evt6")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	receipt := &dvm.PaymentReceipt{ReferencedEventID: "evt6", Bolt11: job.Bolt11, AmountMsats: job.AmountMsats}
	if err := orc.HandlePaymentReceipt(context.Background(), receipt); err != nil {
		t.Fatalf("HandlePaymentReceipt: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		job, err = st.Get(context.Background(), "evt6")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if job.State == dvm.StateCompleted || time.Now().After(deadline) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	if job.State != dvm.StateCompleted {
		t.Fatalf("state = %s, want completed", job.State)
	}
	if job.Result != "translated text" {
		t.Errorf("result = %q", job.Result)
	}
}

func TestHandlePaymentReceiptIgnoresUnknownInvoice(t *testing.T) {
	svc := &fakeService{kind: 5000, price: 500_000, valid: true}
	orc, _, pub := newTestOrchestrator(t, svc, &fakeInvoices{})

	receipt := &dvm.PaymentReceipt{Bolt11: "lnbc1unknowninvoice"}
	if err := orc.HandlePaymentReceipt(context.Background(), receipt); err != nil {
		t.Fatalf("HandlePaymentReceipt: %v", err)
	}
	if len(pub.published) != 0 {
		t.Errorf("expected no feedback for unknown invoice, got %d", len(pub.published))
	}
}

func TestHandlePaymentReceiptDropsExpiredJob(t *testing.T) {
	svc := &fakeService{kind: 5000, price: 500_000, valid: true, result: "late"}
	invoices := &fakeInvoices{invoice: &payment.Invoice{Bolt11: "lnbc1example", InvoiceHash: payment.InvoiceHash("lnbc1example")}}
	orc, st, pub := newTestOrchestrator(t, svc, invoices)

	evt := &nostr.Event{ID: "evt8", PubKey: "customer1", Kind: 5000}
	if err := orc.HandleJobRequest(context.Background(), evt, dvm.Input{RawContent: "hi"}); err != nil {
		t.Fatalf("HandleJobRequest: %v", err)
	}
	if err := st.Update(context.Background(), "evt8", dvm.StateExpired, nil); err != nil {
		t.Fatalf("force expired state: %v", err)
	}
	publishedBefore := len(pub.published)

	receipt := &dvm.PaymentReceipt{ReferencedEventID: "evt8", Bolt11: "lnbc1example", AmountMsats: 500_000}
	if err := orc.HandlePaymentReceipt(context.Background(), receipt); err != nil {
		t.Fatalf("HandlePaymentReceipt: %v", err)
	}

	job, err := st.Get(context.Background(), "evt8")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if job.State != dvm.StateExpired {
		t.Errorf("state = %s, want expired after late receipt", job.State)
	}
	if svc.executed != 0 {
		t.Error("late receipt must not trigger execution")
	}
	if len(pub.published) != publishedBefore {
		t.Error("late receipt must not publish anything")
	}
}

func TestHandlePaymentReceiptRejectsMismatchedInvoice(t *testing.T) {
	svc := &fakeService{kind: 5000, price: 500_000, valid: true}
	invoices := &fakeInvoices{invoice: &payment.Invoice{Bolt11: "lnbc1example", InvoiceHash: payment.InvoiceHash("lnbc1example")}}
	orc, st, _ := newTestOrchestrator(t, svc, invoices)

	evt := &nostr.Event{ID: "evt9", PubKey: "customer1", Kind: 5000}
	if err := orc.HandleJobRequest(context.Background(), evt, dvm.Input{RawContent: "hi"}); err != nil {
		t.Fatalf("HandleJobRequest: %v", err)
	}

	receipt := &dvm.PaymentReceipt{ReferencedEventID: "evt9", Bolt11: "lnbc1someoneelsesinvoice", AmountMsats: 500_000}
	if err := orc.HandlePaymentReceipt(context.Background(), receipt); err != nil {
		t.Fatalf("HandlePaymentReceipt: %v", err)
	}

	job, err := st.Get(context.Background(), "evt9")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if job.State != dvm.StateWaitingPayment {
		t.Errorf("state = %s, want waiting_payment untouched by mismatched receipt", job.State)
	}
}

func TestHandlePaymentReceiptRejectsUnderpayment(t *testing.T) {
	svc := &fakeService{kind: 5000, price: 500_000, valid: true}
	invoices := &fakeInvoices{invoice: &payment.Invoice{Bolt11: "lnbc1example", InvoiceHash: payment.InvoiceHash("lnbc1example")}}
	orc, st, _ := newTestOrchestrator(t, svc, invoices)

	evt := &nostr.Event{ID: "evt10", PubKey: "customer1", Kind: 5000}
	if err := orc.HandleJobRequest(context.Background(), evt, dvm.Input{RawContent: "hi"}); err != nil {
		t.Fatalf("HandleJobRequest: %v", err)
	}

	receipt := &dvm.PaymentReceipt{ReferencedEventID: "evt10", Bolt11: "lnbc1example", AmountMsats: 100}
	if err := orc.HandlePaymentReceipt(context.Background(), receipt); err != nil {
		t.Fatalf("HandlePaymentReceipt: %v", err)
	}

	job, err := st.Get(context.Background(), "evt10")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if job.State != dvm.StateWaitingPayment {
		t.Errorf("state = %s, want waiting_payment untouched by underpayment", job.State)
	}
	if svc.executed != 0 {
		t.Error("underpayment must not trigger execution")
	}
}

func TestReconcileAfterRestartFailsProcessingJobs(t *testing.T) {
	svc := &fakeService{kind: 5000, price: 500_000, valid: true}
	invoices := &fakeInvoices{invoice: &payment.Invoice{Bolt11: "lnbc1example"}}
	orc, st, _ := newTestOrchestrator(t, svc, invoices)

	evt := &nostr.Event{ID: "evt7", PubKey: "customer1", Kind: 5000}
	if err := orc.HandleJobRequest(context.Background(), evt, dvm.Input{RawContent: "hi"}); err != nil {
		t.Fatalf("HandleJobRequest: %v", err)
	}
	if err := st.Update(context.Background(), "evt7", dvm.StateProcessing, nil); err != nil {
		t.Fatalf("force processing state: %v", err)
	}

	n, err := orc.ReconcileAfterRestart(context.Background())
	if err != nil {
		t.Fatalf("ReconcileAfterRestart: %v", err)
	}
	if n != 1 {
		t.Errorf("reconciled count = %d, want 1", n)
	}

	job, err := st.Get(context.Background(), "evt7")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if job.State != dvm.StateFailed || job.Error != "interrupted" {
		t.Errorf("job = %+v, want failed/interrupted", job)
	}
}
