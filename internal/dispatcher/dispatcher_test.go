package dispatcher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"edc-detector/internal/metrics"
	"edc-detector/internal/models"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var t0 = time.Date(2026, 10, 1, 8, 0, 0, 0, time.UTC)

type memLog struct {
	mu      sync.Mutex
	entries []models.LogEntry
	err     error
}

func (l *memLog) Append(ctx context.Context, e models.LogEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return l.err
	}
	l.entries = append(l.entries, e)
	return nil
}

func (l *memLog) kinds() []models.LogKind {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]models.LogKind, 0, len(l.entries))
	for _, e := range l.entries {
		out = append(out, e.Kind)
	}
	return out
}

// recorder 记录收到的状态变化
type recorder struct {
	mu   sync.Mutex
	got  []models.Transition
	seen chan struct{}
}

func newRecorder() *recorder {
	return &recorder{seen: make(chan struct{}, 100)}
}

func (r *recorder) HandleTransition(ctx context.Context, t models.Transition) error {
	r.mu.Lock()
	r.got = append(r.got, t)
	r.mu.Unlock()
	r.seen <- struct{}{}
	return nil
}

func (r *recorder) transitions() []models.Transition {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.Transition(nil), r.got...)
}

func transition(id string, prev, cur models.PresenceState, at time.Time) models.Transition {
	return models.Transition{
		EventID:  id + string(cur),
		Item:     models.Item{ID: id, Name: id, Required: true, PresenceState: cur},
		Previous: prev,
		Current:  cur,
		At:       at,
	}
}

func waitFor(t *testing.T, ch <-chan struct{}, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-ch:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for delivery %d/%d", i+1, n)
		}
	}
}

func TestPublish_WritesLogForMissingAndRecovered(t *testing.T) {
	log := &memLog{}
	d := New(Options{}, log, nil, zap.NewNop())
	defer d.Close()
	ctx := context.Background()

	require.NoError(t, d.Publish(ctx, transition("aa:01", models.PresenceUnknown, models.PresencePresent, t0)))
	require.NoError(t, d.Publish(ctx, transition("aa:01", models.PresencePresent, models.PresenceMissing, t0.Add(time.Minute))))
	require.NoError(t, d.Publish(ctx, transition("aa:01", models.PresenceMissing, models.PresencePresent, t0.Add(2*time.Minute))))

	// 无订阅者时也写日志；Unknown -> Present 不写
	assert.Equal(t, []models.LogKind{models.LogMissing, models.LogRecovered}, log.kinds())
}

func TestPublish_DeliversToEverySubscriberInOrder(t *testing.T) {
	d := New(Options{QueueSize: 8}, &memLog{}, nil, zap.NewNop())
	defer d.Close()

	a, b := newRecorder(), newRecorder()
	_, err := d.Subscribe("a", a)
	require.NoError(t, err)
	_, err = d.Subscribe("b", b)
	require.NoError(t, err)

	ctx := context.Background()
	seq := []models.Transition{
		transition("aa:01", models.PresenceUnknown, models.PresencePresent, t0),
		transition("aa:01", models.PresencePresent, models.PresenceMissing, t0.Add(time.Second)),
		transition("aa:01", models.PresenceMissing, models.PresencePresent, t0.Add(2*time.Second)),
	}
	for _, tr := range seq {
		require.NoError(t, d.Publish(ctx, tr))
	}

	waitFor(t, a.seen, 3)
	waitFor(t, b.seen, 3)
	for _, r := range []*recorder{a, b} {
		got := r.transitions()
		require.Len(t, got, 3)
		for i := range seq {
			assert.Equal(t, seq[i].Current, got[i].Current)
			assert.Equal(t, seq[i].At, got[i].At)
		}
	}
}

func TestPublish_FailingSubscriberIsIsolated(t *testing.T) {
	m := metrics.NewNop()
	d := New(Options{}, &memLog{}, m, zap.NewNop())

	good := newRecorder()
	_, err := d.Subscribe("panics", HandlerFunc(func(ctx context.Context, t models.Transition) error {
		panic("boom")
	}))
	require.NoError(t, err)
	_, err = d.Subscribe("errors", HandlerFunc(func(ctx context.Context, t models.Transition) error {
		return errors.New("gateway down")
	}))
	require.NoError(t, err)
	_, err = d.Subscribe("good", good)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, d.Publish(ctx, transition("aa:01", models.PresencePresent, models.PresenceMissing, t0)))
	require.NoError(t, d.Publish(ctx, transition("aa:01", models.PresenceMissing, models.PresencePresent, t0.Add(time.Second))))

	waitFor(t, good.seen, 2)
	d.Close()

	assert.Len(t, good.transitions(), 2)
	assert.Equal(t, float64(2), testutil.ToFloat64(m.NotificationsFailed.WithLabelValues("panics")))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.NotificationsFailed.WithLabelValues("errors")))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.NotificationsSent.WithLabelValues("good")))
}

func TestPublish_SlowSubscriberDoesNotBlockPublisher(t *testing.T) {
	m := metrics.NewNop()
	d := New(Options{QueueSize: 1, EnqueueTimeout: 10 * time.Millisecond}, &memLog{}, m, zap.NewNop())

	release := make(chan struct{})
	started := make(chan struct{}, 1)
	_, err := d.Subscribe("slow", HandlerFunc(func(ctx context.Context, t models.Transition) error {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		return nil
	}))
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, d.Publish(ctx, transition("aa:01", models.PresenceUnknown, models.PresencePresent, t0)))
	<-started

	done := make(chan struct{})
	go func() {
		defer close(done)
		// 第一条占满队列，第二条在超时后丢弃
		_ = d.Publish(ctx, transition("bb:02", models.PresenceUnknown, models.PresencePresent, t0))
		_ = d.Publish(ctx, transition("cc:03", models.PresenceUnknown, models.PresencePresent, t0))
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher blocked by slow subscriber")
	}
	assert.Equal(t, float64(1), testutil.ToFloat64(m.NotificationsDropped.WithLabelValues("slow")))

	close(release)
	d.Close()
}

func TestPublish_FullQueuesShareOneDeadline(t *testing.T) {
	m := metrics.NewNop()
	timeout := 100 * time.Millisecond
	d := New(Options{QueueSize: 1, EnqueueTimeout: timeout}, &memLog{}, m, zap.NewNop())

	release := make(chan struct{})
	started := make(chan struct{}, 3)
	names := []string{"a", "b", "c"}
	for _, name := range names {
		_, err := d.Subscribe(name, HandlerFunc(func(ctx context.Context, t models.Transition) error {
			started <- struct{}{}
			<-release
			return nil
		}))
		require.NoError(t, err)
	}

	ctx := context.Background()
	// 第一条被每个订阅者取走并阻塞，第二条占满队列
	require.NoError(t, d.Publish(ctx, transition("aa:01", models.PresenceUnknown, models.PresencePresent, t0)))
	for range names {
		<-started
	}
	require.NoError(t, d.Publish(ctx, transition("bb:02", models.PresenceUnknown, models.PresencePresent, t0)))

	start := time.Now()
	require.NoError(t, d.Publish(ctx, transition("cc:03", models.PresenceUnknown, models.PresencePresent, t0)))
	elapsed := time.Since(start)

	assert.GreaterOrEqual(t, elapsed, timeout)
	assert.Less(t, elapsed, 2*timeout, "full subscribers must not each add their own wait")
	for _, name := range names {
		assert.Equal(t, float64(1), testutil.ToFloat64(m.NotificationsDropped.WithLabelValues(name)))
	}

	close(release)
	d.Close()
}

func TestClose_RacingPublishersDoNotPanic(t *testing.T) {
	d := New(Options{QueueSize: 1, EnqueueTimeout: 5 * time.Millisecond}, &memLog{}, nil, zap.NewNop())
	_, err := d.Subscribe("noop", HandlerFunc(func(ctx context.Context, t models.Transition) error {
		return nil
	}))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				if err := d.Publish(context.Background(), transition("aa:01", models.PresenceUnknown, models.PresencePresent, t0)); errors.Is(err, ErrClosed) {
					return
				}
			}
		}()
	}
	d.Close()
	wg.Wait()

	assert.ErrorIs(t, d.Publish(context.Background(), transition("aa:01", models.PresenceUnknown, models.PresencePresent, t0)), ErrClosed)
}

func TestPublish_LogFailureStillDelivers(t *testing.T) {
	log := &memLog{err: models.ErrLogWriteFailed}
	d := New(Options{}, log, nil, zap.NewNop())
	defer d.Close()

	r := newRecorder()
	_, err := d.Subscribe("r", r)
	require.NoError(t, err)

	err = d.Publish(context.Background(), transition("aa:01", models.PresencePresent, models.PresenceMissing, t0))
	assert.ErrorIs(t, err, models.ErrLogWriteFailed)
	waitFor(t, r.seen, 1)
}

func TestSubscribe_DuplicateNameAndUnsubscribe(t *testing.T) {
	d := New(Options{}, &memLog{}, nil, zap.NewNop())
	defer d.Close()

	r := newRecorder()
	unsubscribe, err := d.Subscribe("r", r)
	require.NoError(t, err)

	_, err = d.Subscribe("r", newRecorder())
	assert.Error(t, err)

	unsubscribe()
	require.NoError(t, d.Publish(context.Background(), transition("aa:01", models.PresencePresent, models.PresenceMissing, t0)))
	assert.Empty(t, r.transitions())

	_, err = d.Subscribe("r", newRecorder())
	assert.NoError(t, err)
}

func TestClose_DrainsQueues(t *testing.T) {
	d := New(Options{QueueSize: 16}, &memLog{}, nil, zap.NewNop())

	var mu sync.Mutex
	delivered := 0
	_, err := d.Subscribe("slowish", HandlerFunc(func(ctx context.Context, t models.Transition) error {
		time.Sleep(time.Millisecond)
		mu.Lock()
		delivered++
		mu.Unlock()
		return nil
	}))
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		require.NoError(t, d.Publish(context.Background(), transition("aa:01", models.PresenceUnknown, models.PresencePresent, t0)))
	}
	d.Close()

	mu.Lock()
	assert.Equal(t, 10, delivered)
	mu.Unlock()

	assert.ErrorIs(t, d.Publish(context.Background(), transition("aa:01", models.PresenceUnknown, models.PresencePresent, t0)), ErrClosed)
	_, err = d.Subscribe("late", newRecorder())
	assert.ErrorIs(t, err, ErrClosed)
}
