package service

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"volatility-estimator/internal/alerting"
	"volatility-estimator/internal/price"
	"volatility-estimator/internal/storage"
	"volatility-estimator/internal/volatility"
)

type queueSource struct {
	samples []price.Sample
	errs    []error
	calls   int
}

func (q *queueSource) AggregatedPrice(ctx context.Context) (price.Sample, error) {
	i := q.calls
	q.calls++
	if i < len(q.errs) && q.errs[i] != nil {
		return price.Sample{}, q.errs[i]
	}
	return q.samples[i], nil
}

type memoryStore struct {
	readings []storage.Reading
	err      error
}

func (m *memoryStore) InsertReading(ctx context.Context, r storage.Reading) (storage.Reading, error) {
	if m.err != nil {
		return storage.Reading{}, m.err
	}
	r.ID = int64(len(m.readings) + 1)
	m.readings = append(m.readings, r)
	return r, nil
}

func (m *memoryStore) ListReadingsBetween(ctx context.Context, from, to time.Time) ([]storage.Reading, error) {
	return m.readings, nil
}

func (m *memoryStore) ListRecentReadings(ctx context.Context, limit int) ([]storage.Reading, error) {
	return m.readings, nil
}

func (m *memoryStore) CountReadings(ctx context.Context) (int64, error) {
	return int64(len(m.readings)), nil
}

type recordingNotifier struct {
	notes []alerting.Notification
}

func (r *recordingNotifier) Notify(ctx context.Context, n alerting.Notification) error {
	r.notes = append(r.notes, n)
	return nil
}

type lockStore struct {
	memoryStore
	acquired bool
	released int
}

func (l *lockStore) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	if !l.acquired {
		return nil, false, nil
	}
	return func() { l.released++ }, true, nil
}

var base = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func series(prices ...float64) []price.Sample {
	out := make([]price.Sample, len(prices))
	for i, p := range prices {
		out[i] = price.Sample{Timestamp: base.Add(time.Duration(i) * time.Minute), Price: p, Source: "Binance"}
	}
	return out
}

func newEstimator() *volatility.Estimator {
	return volatility.New(6*time.Hour, volatility.WithClock(func() time.Time { return base.Add(time.Hour) }))
}

func TestProcessCycleReportsInsufficientThenVolatility(t *testing.T) {
	var logs bytes.Buffer
	logger := zerolog.New(&logs)

	src := &queueSource{samples: series(100, 101, 99, 100.5)}
	store := &memoryStore{}
	svc := New(nil, src, newEstimator(), store, nil, Options{}, logger)

	for i := 0; i < 4; i++ {
		require.NoError(t, svc.ProcessCycle(context.Background(), base))
	}

	out := logs.String()
	require.Equal(t, 2, strings.Count(out, "not enough data points for volatility calculation yet"))
	require.Equal(t, 2, strings.Count(out, "current annualized volatility estimate"))
	require.Contains(t, out, `"source":"Binance"`)

	require.Len(t, store.readings, 4)
	require.Nil(t, store.readings[1].VolatilityPct)
	require.NotNil(t, store.readings[3].VolatilityPct)
	require.True(t, store.readings[3].VolatilityPct.IsPositive())
	require.Equal(t, 4, store.readings[3].WindowSamples)
}

func TestProcessCycleSurfacesFetchError(t *testing.T) {
	errFeed := errors.New("feed down")
	src := &queueSource{samples: series(100, 101), errs: []error{errFeed}}
	est := newEstimator()
	svc := New(nil, src, est, nil, nil, Options{}, zerolog.Nop())

	err := svc.ProcessCycle(context.Background(), base)
	require.ErrorIs(t, err, errFeed)
	require.Equal(t, 0, est.Len())

	require.NoError(t, svc.ProcessCycle(context.Background(), base))
	require.Equal(t, 1, est.Len())
}

func TestJournalFailureDoesNotFailCycle(t *testing.T) {
	src := &queueSource{samples: series(100)}
	svc := New(nil, src, newEstimator(), &memoryStore{err: errors.New("db gone")}, nil, Options{}, zerolog.Nop())

	require.NoError(t, svc.ProcessCycle(context.Background(), base))
}

func TestAlertRespectsThresholdAndCooldown(t *testing.T) {
	// alternating moves of ~10% per minute produce a very large annualized figure
	src := &queueSource{samples: series(100, 110, 100, 110, 100, 110)}
	notifier := &recordingNotifier{}
	svc := New(nil, src, newEstimator(), nil, notifier, Options{
		AlertsEnabled: true,
		ThresholdPct:  50,
		Cooldown:      10 * time.Minute,
		Channels:      []string{"telegram"},
	}, zerolog.Nop())

	clock := base
	svc.now = func() time.Time { return clock }

	for i := 0; i < 5; i++ {
		clock = base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, svc.ProcessCycle(context.Background(), clock))
	}
	require.Len(t, notifier.notes, 1, "cooldown should suppress repeats")
	require.True(t, notifier.notes[0].VolatilityPct.GreaterThan(notifier.notes[0].ThresholdPct))
	require.Equal(t, 6*time.Hour, notifier.notes[0].Window)

	clock = base.Add(time.Hour)
	require.NoError(t, svc.ProcessCycle(context.Background(), clock))
	require.Len(t, notifier.notes, 2, "alert should fire again after cooldown")
}

func TestAlertNotSentBelowThreshold(t *testing.T) {
	src := &queueSource{samples: series(100, 100.01, 100.02, 100.01)}
	notifier := &recordingNotifier{}
	svc := New(nil, src, newEstimator(), nil, notifier, Options{AlertsEnabled: true, ThresholdPct: 1000}, zerolog.Nop())

	for i := 0; i < 4; i++ {
		require.NoError(t, svc.ProcessCycle(context.Background(), base))
	}
	require.Empty(t, notifier.notes)
}

func TestAdvisoryLockGatesCycle(t *testing.T) {
	src := &queueSource{samples: series(100, 101)}
	store := &lockStore{}
	svc := New(nil, src, newEstimator(), store, nil, Options{AdvisoryLockKey: 42}, zerolog.Nop())

	require.NoError(t, svc.ProcessCycle(context.Background(), base))
	require.Equal(t, 0, src.calls, "cycle should be skipped without the lock")

	store.acquired = true
	require.NoError(t, svc.ProcessCycle(context.Background(), base))
	require.Equal(t, 1, src.calls)
	require.Equal(t, 1, store.released)
}

func TestRunWithoutScheduler(t *testing.T) {
	svc := New(nil, &queueSource{}, newEstimator(), nil, nil, Options{}, zerolog.Nop())
	require.Error(t, svc.Run(context.Background()))
}
