package webhook

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ariefcatur/go-storefront-sync/internal/orders"
)

type fakeOrders struct {
	mu           sync.Mutex
	byPI         map[string]*orders.Order
	lookups      int
	visibleAfter int
	transitions  int
}

func newFakeOrders(o ...orders.Order) *fakeOrders {
	f := &fakeOrders{byPI: map[string]*orders.Order{}}
	for i := range o {
		f.byPI[o[i].PaymentIntentID] = &o[i]
	}
	return f
}

func (f *fakeOrders) GetByPaymentIntentID(_ context.Context, pi string) (orders.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lookups++
	o, ok := f.byPI[pi]
	if !ok || f.lookups <= f.visibleAfter {
		return orders.Order{}, orders.ErrNotFound
	}
	return *o, nil
}

func (f *fakeOrders) TransitionStatus(_ context.Context, orderID string, to orders.Status) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, o := range f.byPI {
		if o.ID != orderID {
			continue
		}
		for _, from := range orders.SourcesFor(to) {
			if string(o.Status) == from {
				o.Status = to
				f.transitions++
				return true, nil
			}
		}
		return false, nil
	}
	return false, nil
}

func (f *fakeOrders) status(pi string) orders.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.byPI[pi].Status
}

type notification struct {
	orderID  string
	from, to orders.Status
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []notification
}

func (n *fakeNotifier) OrderStatusChanged(_ context.Context, o orders.Order, from, to orders.Status) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, notification{orderID: o.ID, from: from, to: to})
	return nil
}

type memEventLog struct {
	mu   sync.Mutex
	seen map[string]bool
}

func (l *memEventLog) Seen(_ context.Context, id string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.seen[id], nil
}

func (l *memEventLog) MarkProcessed(_ context.Context, id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.seen == nil {
		l.seen = map[string]bool{}
	}
	l.seen[id] = true
	return nil
}

type recordedSleeps struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *recordedSleeps) sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.delays = append(r.delays, d)
	r.mu.Unlock()
	return ctx.Err()
}

func processing(id, pi string) orders.Order {
	return orders.Order{ID: id, PaymentIntentID: pi, Status: orders.StatusProcessing, TotalCents: 5198, Currency: "usd"}
}

func newTestHandler(o *fakeOrders, n *fakeNotifier, sleeps *recordedSleeps) *Handler {
	return &Handler{
		Orders:     o,
		Notifier:   n,
		MaxRetries: DefaultMaxRetries,
		BaseDelay:  DefaultBaseDelay,
		Sleep:      sleeps.sleep,
	}
}

func succeeded(id, pi string) Event {
	return Event{ID: id, Type: TypePaymentIntentSucceeded, PaymentIntentID: pi}
}

func TestDuplicateDeliveryTransitionsOnce(t *testing.T) {
	o := newFakeOrders(processing("ord_1", "pi_1"))
	n := &fakeNotifier{}
	h := newTestHandler(o, n, &recordedSleeps{})
	h.Events = &memEventLog{}
	ctx := context.Background()

	out, err := h.Apply(ctx, succeeded("evt_1", "pi_1"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, out)

	out, err = h.Apply(ctx, succeeded("evt_1", "pi_1"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, out)

	assert.Equal(t, orders.StatusPaid, o.status("pi_1"))
	assert.Equal(t, 1, o.transitions)
	assert.Equal(t, []notification{{orderID: "ord_1", from: orders.StatusProcessing, to: orders.StatusPaid}}, n.sent)
}

func TestRedeliveryWithoutEventLogIsNoop(t *testing.T) {
	o := newFakeOrders(processing("ord_1", "pi_1"))
	n := &fakeNotifier{}
	h := newTestHandler(o, n, &recordedSleeps{})
	ctx := context.Background()

	_, err := h.Apply(ctx, succeeded("evt_1", "pi_1"))
	require.NoError(t, err)
	out, err := h.Apply(ctx, Event{ID: "evt_2", Type: TypeCheckoutSessionCompleted, PaymentIntentID: "pi_1"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoop, out)
	assert.Len(t, n.sent, 1)
}

func TestMissingOrderRetriesWithBoundedDelays(t *testing.T) {
	o := newFakeOrders()
	sleeps := &recordedSleeps{}
	h := newTestHandler(o, &fakeNotifier{}, sleeps)

	_, err := h.Apply(context.Background(), succeeded("evt_1", "pi_missing"))
	var cerr *orders.ConsistencyError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "pi_missing", cerr.PaymentIntentID)
	assert.Equal(t, 4, cerr.Attempts)
	assert.Equal(t, 4, o.lookups)
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second}, sleeps.delays)
}

func TestOrderBecomesVisibleDuringRetry(t *testing.T) {
	o := newFakeOrders(processing("ord_1", "pi_1"))
	o.visibleAfter = 2
	sleeps := &recordedSleeps{}
	n := &fakeNotifier{}
	h := newTestHandler(o, n, sleeps)

	out, err := h.Apply(context.Background(), succeeded("evt_1", "pi_1"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, out)
	assert.Equal(t, 3, o.lookups)
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second}, sleeps.delays)
	assert.Len(t, n.sent, 1)
}

func TestRetrySleepHonoursCancellation(t *testing.T) {
	h := &Handler{Orders: newFakeOrders(), MaxRetries: 3, BaseDelay: time.Hour}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan error, 1)
	go func() {
		_, err := h.Apply(ctx, succeeded("evt_1", "pi_1"))
		done <- err
	}()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("retry loop ignored cancellation")
	}
}

func TestFailedBeforeOrderExistsIsNoop(t *testing.T) {
	o := newFakeOrders()
	sleeps := &recordedSleeps{}
	h := newTestHandler(o, &fakeNotifier{}, sleeps)

	out, err := h.Apply(context.Background(), Event{ID: "evt_1", Type: TypePaymentIntentFailed, PaymentIntentID: "pi_1"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoop, out)
	assert.Equal(t, 1, o.lookups)
	assert.Empty(t, sleeps.delays)
}

func TestOutOfOrderEventsKeepTerminalStatus(t *testing.T) {
	ctx := context.Background()

	t.Run("succeeded after failed", func(t *testing.T) {
		o := newFakeOrders(processing("ord_1", "pi_1"))
		n := &fakeNotifier{}
		h := newTestHandler(o, n, &recordedSleeps{})

		out, err := h.Apply(ctx, Event{ID: "evt_f", Type: TypePaymentIntentFailed, PaymentIntentID: "pi_1"})
		require.NoError(t, err)
		assert.Equal(t, OutcomeApplied, out)

		out, err = h.Apply(ctx, succeeded("evt_s", "pi_1"))
		require.NoError(t, err)
		assert.Equal(t, OutcomeNoop, out)
		assert.Equal(t, orders.StatusFailed, o.status("pi_1"))
		assert.Len(t, n.sent, 1)
	})

	t.Run("failed after succeeded", func(t *testing.T) {
		o := newFakeOrders(processing("ord_1", "pi_1"))
		n := &fakeNotifier{}
		h := newTestHandler(o, n, &recordedSleeps{})

		_, err := h.Apply(ctx, succeeded("evt_s", "pi_1"))
		require.NoError(t, err)
		out, err := h.Apply(ctx, Event{ID: "evt_f", Type: TypePaymentIntentFailed, PaymentIntentID: "pi_1"})
		require.NoError(t, err)
		assert.Equal(t, OutcomeNoop, out)
		assert.Equal(t, orders.StatusPaid, o.status("pi_1"))
	})

	t.Run("pending order cannot fail", func(t *testing.T) {
		pending := processing("ord_1", "pi_1")
		pending.Status = orders.StatusPending
		o := newFakeOrders(pending)
		h := newTestHandler(o, &fakeNotifier{}, &recordedSleeps{})

		out, err := h.Apply(ctx, Event{ID: "evt_f", Type: TypePaymentIntentFailed, PaymentIntentID: "pi_1"})
		require.NoError(t, err)
		assert.Equal(t, OutcomeNoop, out)
		assert.Equal(t, orders.StatusPending, o.status("pi_1"))
	})
}

func TestConcurrentDeliveriesNotifyOnce(t *testing.T) {
	o := newFakeOrders(processing("ord_1", "pi_1"))
	n := &fakeNotifier{}
	h := newTestHandler(o, n, &recordedSleeps{})

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		applied int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			typ := TypePaymentIntentSucceeded
			if i%2 == 0 {
				typ = TypeCheckoutSessionCompleted
			}
			out, err := h.Apply(context.Background(), Event{ID: "evt", Type: typ, PaymentIntentID: "pi_1"})
			assert.NoError(t, err)
			if out == OutcomeApplied {
				mu.Lock()
				applied++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, applied)
	assert.Equal(t, 1, o.transitions)
	assert.Len(t, n.sent, 1)
}

func TestUnknownEventIgnored(t *testing.T) {
	o := newFakeOrders()
	out, err := newTestHandler(o, &fakeNotifier{}, &recordedSleeps{}).Apply(context.Background(), Event{ID: "evt", Type: "customer.created"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, out)
	assert.Equal(t, 0, o.lookups)
}
