package service

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	commoncfg "edc-detector/common/config"
	"edc-detector/common/database"
	"edc-detector/internal/config"
	"edc-detector/internal/models"
	"edc-detector/internal/registry"
	"edc-detector/internal/repository"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var t0 = time.Unix(1790000000, 0).UTC()

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

type captured struct {
	mu          sync.Mutex
	transitions []models.Transition
}

func (c *captured) HandleTransition(_ context.Context, t models.Transition) error {
	c.mu.Lock()
	c.transitions = append(c.transitions, t)
	c.mu.Unlock()
	return nil
}

func (c *captured) snapshot() []models.Transition {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]models.Transition(nil), c.transitions...)
}

func testConfig(path string) *config.Config {
	cfg := &config.Config{}
	cfg.Database = commoncfg.DatabaseConfig{Driver: commoncfg.DriverSQLite, Path: path}
	cfg.Detector.MissingTimeout = 30 * time.Second
	cfg.Detector.TickInterval = 5 * time.Second
	cfg.Detector.LogWrite.MaxRetries = 1
	cfg.Detector.LogWrite.InitialBackoff = time.Millisecond
	cfg.Detector.LogWrite.MaxBackoff = time.Millisecond
	cfg.Detector.Dispatch.QueueSize = 16
	cfg.Detector.Dispatch.EnqueueTimeout = 100 * time.Millisecond
	cfg.HTTP.Addr = "127.0.0.1:0"
	return cfg
}

// newTestService 基于 SQLite 组装服务（无 Redis / MQTT），并接管时钟
func newTestService(t *testing.T, path string, clock *fakeClock) (*DetectorService, *captured) {
	t.Helper()
	cfg := testConfig(path)

	db, err := database.Open(&cfg.Database)
	require.NoError(t, err)
	require.NoError(t, repository.Migrate(context.Background(), db, cfg.Database.Driver))

	s, err := assemble(cfg, db, nil, nil, prometheus.NewRegistry(), zap.NewNop())
	require.NoError(t, err)

	s.registry.SetClock(clock.Now)
	s.evaluator.SetClock(clock.Now)
	s.ingestor.SetClock(clock.Now)

	capture := &captured{}
	_, err = s.dispatcher.Subscribe("capture", capture)
	require.NoError(t, err)
	return s, capture
}

func registryWallet() registry.Registration {
	return registry.Registration{ID: "AA:BB:CC:DD:EE:01", Name: "wallet"}
}

func sight(t *testing.T, s *DetectorService, id string, at time.Time) error {
	t.Helper()
	return s.ingestor.Ingest(context.Background(), models.SightingEvent{
		ItemID:     id,
		ObservedAt: at,
		Source:     models.SourceTagRadio,
	})
}

func collectLog(t *testing.T, s *DetectorService) []models.LogEntry {
	t.Helper()
	entries, err := s.eventLog.Collect(context.Background(), models.LogQuery{})
	require.NoError(t, err)
	return entries
}

func kinds(entries []models.LogEntry) []models.LogKind {
	out := make([]models.LogKind, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Kind)
	}
	return out
}

func TestNeverSeenItemBecomesMissing(t *testing.T) {
	clock := &fakeClock{now: t0}
	s, capture := newTestService(t, filepath.Join(t.TempDir(), "edc.db"), clock)
	defer s.Stop()

	ctx := context.Background()
	_, err := s.registry.Register(ctx, registryWallet())
	require.NoError(t, err)

	clock.Set(t0.Add(30 * time.Second))
	assert.Empty(t, s.evaluator.Evaluate(ctx).Transitions, "exactly at the timeout the item is not yet missing")

	clock.Set(t0.Add(35 * time.Second))
	summary := s.evaluator.Evaluate(ctx)
	require.Len(t, summary.Transitions, 1)

	require.Eventually(t, func() bool { return len(capture.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	got := capture.snapshot()[0]
	assert.Equal(t, models.PresenceUnknown, got.Previous)
	assert.Equal(t, models.PresenceMissing, got.Current)
	assert.Equal(t, "aa:bb:cc:dd:ee:01", got.Item.ID)

	entries := collectLog(t, s)
	require.Len(t, entries, 1)
	assert.Equal(t, models.LogMissing, entries[0].Kind)

	missing := s.registry.ListMissing()
	require.Len(t, missing, 1)
	assert.Equal(t, "wallet", missing[0].Name)
}

func TestMissingThenRecovered(t *testing.T) {
	clock := &fakeClock{now: t0}
	s, capture := newTestService(t, filepath.Join(t.TempDir(), "edc.db"), clock)
	defer s.Stop()

	ctx := context.Background()
	_, err := s.registry.Register(ctx, registryWallet())
	require.NoError(t, err)

	sightings := map[int]bool{0: true, 10: true, 45: true}
	for sec := 0; sec <= 60; sec += 5 {
		now := t0.Add(time.Duration(sec) * time.Second)
		clock.Set(now)
		s.evaluator.Evaluate(ctx)
		if sightings[sec] {
			require.NoError(t, sight(t, s, "AA:BB:CC:DD:EE:01", now))
		}
	}

	assert.Equal(t, []models.LogKind{
		models.LogSeen,
		models.LogSeen,
		models.LogMissing,
		models.LogSeen,
		models.LogRecovered,
	}, kinds(collectLog(t, s)))

	require.Eventually(t, func() bool { return len(capture.snapshot()) == 3 }, time.Second, 5*time.Millisecond)
	got := capture.snapshot()
	assert.Equal(t, models.PresencePresent, got[0].Current)
	assert.Equal(t, models.PresenceMissing, got[1].Current)
	assert.Equal(t, t0.Add(45*time.Second), got[1].At)
	assert.Equal(t, models.PresenceMissing, got[2].Previous)
	assert.Equal(t, models.PresencePresent, got[2].Current)

	item, err := s.registry.Get("aa:bb:cc:dd:ee:01")
	require.NoError(t, err)
	assert.Equal(t, models.PresencePresent, item.PresenceState)
}

func TestUnknownIdentifierIsRejected(t *testing.T) {
	clock := &fakeClock{now: t0}
	s, capture := newTestService(t, filepath.Join(t.TempDir(), "edc.db"), clock)
	defer s.Stop()

	ctx := context.Background()
	_, err := s.registry.Register(ctx, registryWallet())
	require.NoError(t, err)

	err = sight(t, s, "zz:zz:zz:zz:zz:99", t0)
	assert.ErrorIs(t, err, models.ErrUnknownItem)

	assert.Equal(t, 1, s.registry.Count())
	assert.Empty(t, collectLog(t, s))
	assert.Empty(t, s.evaluator.Evaluate(ctx).Transitions)
	assert.Empty(t, capture.snapshot())
}

func TestCancelledSightingIsNotFatal(t *testing.T) {
	clock := &fakeClock{now: t0}
	s, _ := newTestService(t, filepath.Join(t.TempDir(), "edc.db"), clock)
	defer s.Stop()

	_, err := s.registry.Register(context.Background(), registryWallet())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, s.ingestor.Ingest(ctx, models.SightingEvent{
		ItemID:     "aa:bb:cc:dd:ee:01",
		ObservedAt: t0.Add(time.Second),
		Source:     models.SourceTagRadio,
	}))

	select {
	case err := <-s.fatal:
		t.Fatalf("unexpected fatal error: %v", err)
	default:
	}

	entries := collectLog(t, s)
	require.Len(t, entries, 1)
	assert.Equal(t, models.LogSeen, entries[0].Kind)

	var lastSeen int64
	require.NoError(t, s.db.QueryRowContext(context.Background(),
		`SELECT last_seen_at FROM items WHERE id = ?`, "aa:bb:cc:dd:ee:01").Scan(&lastSeen))
	assert.Equal(t, t0.Add(time.Second).UnixNano(), lastSeen)
}

func TestRegistrySurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "edc.db")
	clock := &fakeClock{now: t0}
	ctx := context.Background()

	s, _ := newTestService(t, path, clock)
	_, err := s.registry.Register(ctx, registryWallet())
	require.NoError(t, err)
	require.NoError(t, sight(t, s, "aa:bb:cc:dd:ee:01", t0.Add(time.Second)))
	require.NoError(t, s.Stop())

	s, _ = newTestService(t, path, clock)
	defer s.Stop()

	item, err := s.registry.Get("AA:BB:CC:DD:EE:01")
	require.NoError(t, err)
	assert.Equal(t, "wallet", item.Name)
	require.NotNil(t, item.LastSeenAt)
	assert.True(t, item.LastSeenAt.Equal(t0.Add(time.Second)))
	assert.Len(t, collectLog(t, s), 1)
}

func TestLoadNormalizesStoredIdentifiers(t *testing.T) {
	path := filepath.Join(t.TempDir(), "edc.db")
	ctx := context.Background()

	db, err := database.NewSQLiteDB(path)
	require.NoError(t, err)
	require.NoError(t, repository.Migrate(ctx, db, commoncfg.DriverSQLite))
	_, err = db.ExecContext(ctx,
		`INSERT INTO items (id, name, required, presence_state, registered_at, position) VALUES (?, ?, 1, 'unknown', ?, 1)`,
		"AA:BB:CC:DD:EE:02", "keys", t0.UnixNano())
	require.NoError(t, err)
	require.NoError(t, db.Close())

	s, _ := newTestService(t, path, &fakeClock{now: t0})
	defer s.Stop()

	item, err := s.registry.Get("aa:bb:cc:dd:ee:02")
	require.NoError(t, err)
	assert.Equal(t, "aa:bb:cc:dd:ee:02", item.ID)

	var stored string
	require.NoError(t, s.db.QueryRowContext(ctx, `SELECT id FROM items`).Scan(&stored))
	assert.Equal(t, "aa:bb:cc:dd:ee:02", stored)
}

func TestStopIsIdempotent(t *testing.T) {
	s, _ := newTestService(t, filepath.Join(t.TempDir(), "edc.db"), &fakeClock{now: t0})
	require.NoError(t, s.Stop())
	require.NoError(t, s.Stop())

	err := sight(t, s, "aa:bb:cc:dd:ee:01", t0)
	assert.ErrorIs(t, err, models.ErrIngestorClosed)
}
