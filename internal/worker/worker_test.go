package worker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sqlc-dev/pqtype"

	"github.com/nyashahama/course-checkout-backend/internal/email"
	"github.com/nyashahama/course-checkout-backend/internal/events"
	"github.com/nyashahama/course-checkout-backend/internal/reconcile"
	"github.com/nyashahama/course-checkout-backend/internal/store"
)

// ─── FAKES ────────────────────────────────────────────────────────────────────

// memStore is an in-memory outbox with the same claim semantics as Postgres.
type memStore struct {
	mu        sync.Mutex
	rows      map[uuid.UUID]*store.Notification
	byKey     map[string]uuid.UUID
	purchases map[string]store.Purchase
	failed    map[uuid.UUID]error
}

func newMemStore() *memStore {
	return &memStore{
		rows:      map[uuid.UUID]*store.Notification{},
		byKey:     map[string]uuid.UUID{},
		purchases: map[string]store.Purchase{},
		failed:    map[uuid.UUID]error{},
	}
}

func (m *memStore) insert(p store.NotificationParams) (uuid.UUID, bool) {
	key := p.Kind + "/" + p.Reference
	if id, ok := m.byKey[key]; ok {
		return id, false
	}
	id := uuid.New()
	m.rows[id] = &store.Notification{
		ID: id, Kind: p.Kind, Recipient: p.Recipient, Reference: p.Reference,
		Data: p.Data, Status: store.NotificationPending,
	}
	m.byKey[key] = id
	return id, true
}

func (m *memStore) EnqueueNotification(_ context.Context, p store.NotificationParams) (uuid.UUID, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, created := m.insert(p)
	return id, created, nil
}

func (m *memStore) RecordPurchase(_ context.Context, p store.Purchase) (store.RecordedPurchase, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.purchases[p.StripeSessionID] = p
	out := store.RecordedPurchase{Purchase: p}
	if p.Paid() {
		data, _ := json.Marshal(p)
		id, created := m.insert(store.NotificationParams{
			Kind: store.KindPurchaseCompleted, Recipient: p.CustomerEmail, Reference: p.StripeSessionID,
			Data: pqtype.NullRawMessage{RawMessage: data, Valid: true},
		})
		if created {
			out.EventID = id
		}
	}
	return out, nil
}

func (m *memStore) ClaimNotification(_ context.Context, id uuid.UUID) (store.Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.rows[id]
	if !ok || n.Status != store.NotificationPending {
		return store.Notification{}, store.ErrNotClaimable
	}
	n.Status = store.NotificationProcessing
	n.Attempts++
	return *n, nil
}

func (m *memStore) MarkNotificationSent(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[id].Status = store.NotificationSent
	return nil
}

func (m *memStore) ReleaseNotification(_ context.Context, id uuid.UUID, cause error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := m.rows[id]
	if n.Status == store.NotificationProcessing {
		n.Status = store.NotificationPending
		n.LastError = cause.Error()
	}
	return nil
}

func (m *memStore) MarkNotificationFailed(_ context.Context, id uuid.UUID, cause error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n, ok := m.rows[id]; ok && n.Status != store.NotificationSent {
		n.Status = store.NotificationFailed
	}
	m.failed[id] = cause
	return nil
}

func (m *memStore) ListPendingNotifications(_ context.Context, limit int) ([]uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []uuid.UUID
	for id, n := range m.rows {
		if n.Status == store.NotificationPending && len(ids) < limit {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (m *memStore) status(id uuid.UUID) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rows[id].Status
}

type stubMailer struct {
	mu            sync.Mutex
	confirmations []email.PurchaseConfirmationParams
	failures      []email.PaymentFailedParams
	failTimes     int
}

func (s *stubMailer) SendPurchaseConfirmation(_ context.Context, p email.PurchaseConfirmationParams) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failTimes > 0 {
		s.failTimes--
		return errors.New("resend unavailable")
	}
	s.confirmations = append(s.confirmations, p)
	return nil
}

func (s *stubMailer) SendPaymentFailed(_ context.Context, p email.PaymentFailedParams) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, p)
	return nil
}

type stubPublisher struct {
	mu   sync.Mutex
	msgs []events.Message
}

func (p *stubPublisher) Publish(_ context.Context, msg events.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, msg)
	return nil
}

func (p *stubPublisher) Close() error { return nil }

type recordingQueue struct {
	ids []uuid.UUID
	err error
}

func (q *recordingQueue) Enqueue(_ context.Context, id uuid.UUID) error {
	q.ids = append(q.ids, id)
	return q.err
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestJob(st *memStore, mailer *stubMailer, pub *stubPublisher) *Job {
	return NewJob(st, mailer, pub, JobConfig{
		ProductName: "Curso Completo",
		CheckoutURL: "https://curso.example.com/checkout",
	}, discardLogger())
}

// ─── OUTBOX ───────────────────────────────────────────────────────────────────

func TestOutbox_NotifyEnqueuesOnce(t *testing.T) {
	st := newMemStore()
	q := &recordingQueue{}
	ob := NewOutbox(st, q, discardLogger())

	n := reconcile.Notification{
		Kind:      reconcile.KindPurchaseConfirmation,
		Recipient: "ana@example.com",
		Reference: "cs_1",
	}
	for i := 0; i < 2; i++ {
		if err := ob.Notify(context.Background(), n); err != nil {
			t.Fatalf("Notify: %v", err)
		}
	}

	if len(st.rows) != 1 {
		t.Errorf("rows: got %d, want 1", len(st.rows))
	}
	if len(q.ids) != 1 {
		t.Errorf("handed off: got %d, want 1", len(q.ids))
	}
}

func TestOutbox_QueueFullIsNotAnError(t *testing.T) {
	st := newMemStore()
	ob := NewOutbox(st, &recordingQueue{err: errors.New("full")}, discardLogger())

	err := ob.Notify(context.Background(), reconcile.Notification{
		Kind: reconcile.KindPaymentFailed, Recipient: "a@b.co", Reference: "pi_1",
	})
	if err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
	if len(st.rows) != 1 {
		t.Error("row must be written even when the queue is full")
	}
}

func TestOutbox_RecordPurchaseSchedulesEvent(t *testing.T) {
	st := newMemStore()
	q := &recordingQueue{}
	ob := NewOutbox(st, q, discardLogger())

	p := reconcile.Purchase{
		SessionID: "cs_paid", CustomerEmail: "ana@example.com",
		AmountTotal: 14700, Currency: "brl", PaymentStatus: "paid",
		PaymentMethod: "card", Installments: 1,
	}
	if err := ob.RecordPurchase(context.Background(), p); err != nil {
		t.Fatalf("RecordPurchase: %v", err)
	}
	if err := ob.RecordPurchase(context.Background(), p); err != nil {
		t.Fatalf("replay: %v", err)
	}

	if st.purchases["cs_paid"].AmountTotal != 14700 {
		t.Errorf("purchase: %+v", st.purchases["cs_paid"])
	}
	if len(q.ids) != 1 {
		t.Errorf("events handed off: got %d, want 1", len(q.ids))
	}
}

// ─── JOB ──────────────────────────────────────────────────────────────────────

func enqueueMessage(t *testing.T, st *memStore, n reconcile.Notification) uuid.UUID {
	t.Helper()
	data, _ := json.Marshal(n)
	id, _, _ := st.EnqueueNotification(context.Background(), store.NotificationParams{
		Kind: string(n.Kind), Recipient: n.Recipient, Reference: n.Reference,
		Data: pqtype.NullRawMessage{RawMessage: data, Valid: true},
	})
	return id
}

func TestJob_SendsPurchaseConfirmation(t *testing.T) {
	st, mailer, pub := newMemStore(), &stubMailer{}, &stubPublisher{}
	job := newTestJob(st, mailer, pub)

	id := enqueueMessage(t, st, reconcile.Notification{
		Kind: reconcile.KindPurchaseConfirmation, Recipient: "ana@example.com", Reference: "cs_1",
		Name: "Ana", AmountMinor: 14700, PaymentMethod: "card", Installments: 6,
	})

	if err := job.Run(context.Background(), id); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(mailer.confirmations) != 1 {
		t.Fatalf("confirmations: got %d", len(mailer.confirmations))
	}
	got := mailer.confirmations[0]
	if got.To != "ana@example.com" || got.Name != "Ana" || got.AmountMinor != 14700 || got.Installments != 6 {
		t.Errorf("params: %+v", got)
	}
	if got.ProductName != "Curso Completo" {
		t.Errorf("product: %q", got.ProductName)
	}
	if st.status(id) != store.NotificationSent {
		t.Errorf("status: %s", st.status(id))
	}

	// Already sent: a second run is a no-op.
	if err := job.Run(context.Background(), id); err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if len(mailer.confirmations) != 1 {
		t.Error("sent notification must not be delivered twice")
	}
}

func TestJob_SendsPaymentFailedWithRetryLink(t *testing.T) {
	st, mailer, pub := newMemStore(), &stubMailer{}, &stubPublisher{}
	job := newTestJob(st, mailer, pub)

	id := enqueueMessage(t, st, reconcile.Notification{
		Kind: reconcile.KindPaymentFailed, Recipient: "ana@example.com", Reference: "pi_1",
		Reason: "Your card was declined.",
	})
	if err := job.Run(context.Background(), id); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(mailer.failures) != 1 {
		t.Fatal("expected failure email")
	}
	if mailer.failures[0].RetryURL != "https://curso.example.com/checkout" || mailer.failures[0].Reason != "Your card was declined." {
		t.Errorf("params: %+v", mailer.failures[0])
	}
}

func TestJob_PublishesPurchaseCompleted(t *testing.T) {
	st, mailer, pub := newMemStore(), &stubMailer{}, &stubPublisher{}
	job := newTestJob(st, mailer, pub)

	rec, _ := st.RecordPurchase(context.Background(), store.Purchase{
		StripeSessionID: "cs_evt", AmountTotal: 13965, Currency: "brl", PaymentStatus: "paid",
	})
	if err := job.Run(context.Background(), rec.EventID); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(pub.msgs) != 1 {
		t.Fatalf("published: got %d", len(pub.msgs))
	}
	msg := pub.msgs[0]
	if msg.Key != "cs_evt" || msg.Type != events.TypePurchaseCompleted {
		t.Errorf("message: %+v", msg)
	}
	var body store.Purchase
	if err := json.Unmarshal(msg.Payload, &body); err != nil || body.AmountTotal != 13965 {
		t.Errorf("payload: %s (%v)", msg.Payload, err)
	}
}

func TestJob_DeliveryErrorReleasesRow(t *testing.T) {
	st, pub := newMemStore(), &stubPublisher{}
	mailer := &stubMailer{failTimes: 1}
	job := newTestJob(st, mailer, pub)

	id := enqueueMessage(t, st, reconcile.Notification{
		Kind: reconcile.KindPurchaseConfirmation, Recipient: "ana@example.com", Reference: "cs_retry",
	})

	if err := job.Run(context.Background(), id); err == nil {
		t.Fatal("expected delivery error")
	}
	if st.status(id) != store.NotificationPending {
		t.Errorf("status after failure: %s", st.status(id))
	}

	if err := job.Run(context.Background(), id); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if st.status(id) != store.NotificationSent {
		t.Errorf("status after retry: %s", st.status(id))
	}
}

func TestJob_UnknownKindFailsPermanently(t *testing.T) {
	st, mailer, pub := newMemStore(), &stubMailer{}, &stubPublisher{}
	job := newTestJob(st, mailer, pub)

	id, _, _ := st.EnqueueNotification(context.Background(), store.NotificationParams{
		Kind: "sms", Recipient: "+55", Reference: "x",
	})
	if err := job.Run(context.Background(), id); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if st.status(id) != store.NotificationFailed {
		t.Errorf("status: %s", st.status(id))
	}
}

// ─── RUNNER ───────────────────────────────────────────────────────────────────

type countingJob struct {
	mu    sync.Mutex
	calls int
	fail  bool
	done  chan struct{}
}

func (j *countingJob) Run(context.Context, uuid.UUID) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.calls++
	if j.fail {
		return errors.New("boom")
	}
	if j.done != nil {
		close(j.done)
		j.done = nil
	}
	return nil
}

func TestRunner_RetriesThenMarksFailed(t *testing.T) {
	st := newMemStore()
	job := &countingJob{fail: true}
	r := NewRunner(job, st, RunnerConfig{Workers: 1, MaxRetries: 3, BaseBackoff: time.Millisecond}, discardLogger())

	id := uuid.New()
	r.runWithRetry(context.Background(), id, discardLogger())

	if job.calls != 3 {
		t.Errorf("attempts: got %d, want 3", job.calls)
	}
	if _, ok := st.failed[id]; !ok {
		t.Error("expected notification to be marked failed")
	}
}

func TestRunner_DeliversEnqueuedAndPolledRows(t *testing.T) {
	st := newMemStore()
	pending, _, _ := st.EnqueueNotification(context.Background(), store.NotificationParams{
		Kind: "purchase_confirmation", Recipient: "a@b.co", Reference: "cs_poll",
	})

	done := make(chan struct{})
	job := &countingJob{done: done}
	r := NewRunner(job, st, RunnerConfig{Workers: 1, PollInterval: time.Hour}, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		r.Start(ctx)
		close(stopped)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("poller did not deliver pending row %s", pending)
	}
	cancel()
	<-stopped
}

func TestRunner_EnqueueFullReturnsError(t *testing.T) {
	r := NewRunner(&countingJob{}, newMemStore(), RunnerConfig{Workers: 1}, discardLogger())

	// Buffer is Workers*2 and nothing is draining.
	for i := 0; i < 2; i++ {
		if err := r.Enqueue(context.Background(), uuid.New()); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}
	if err := r.Enqueue(context.Background(), uuid.New()); err == nil {
		t.Error("expected queue-full error")
	}
}
