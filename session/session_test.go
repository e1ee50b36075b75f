package session

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/xulek/rustsocks/model"
	"github.com/xulek/rustsocks/relay"
)

func newSession(t *testing.T, user, dest string) *model.Session {
	t.Helper()
	return model.NewSession(user, "10.0.0.5:51000", dest, model.TCP, model.Allow, nil)
}

func TestManager_MemoryMode_CreateApplyFinalize(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Storage = StorageMemory
	m, err := NewManager(cfg, nil)
	require.NoError(t, err)
	defer m.Close()

	s := newSession(t, "alice", "93.184.216.34:443")
	m.Create(s)
	require.Equal(t, 1, m.ActiveCount())
	require.EqualValues(t, 1, m.TotalCount())

	m.Updates() <- relay.Delta{SessionID: s.ID.String(), BytesSent: 100, PacketsSent: 2}
	m.Updates() <- relay.Delta{SessionID: s.ID.String(), BytesReceived: 50, PacketsReceived: 1}

	require.Eventually(t, func() bool {
		return m.CumulativeBytes() == 150
	}, time.Second, 5*time.Millisecond)

	m.Finalize(s.ID.String(), model.StatusClosed, nil)
	require.Equal(t, 0, m.ActiveCount())

	recent := m.Recent(10)
	require.Len(t, recent, 1)
	require.Equal(t, model.StatusClosed, recent[0].Status)
	require.NotNil(t, recent[0].EndTime)
	require.NotNil(t, recent[0].DurationSecs)

	// Re-finalizing is a no-op: no panic, still one recent entry.
	m.Finalize(s.ID.String(), model.StatusFailed, nil)
	require.Len(t, m.Recent(10), 1)
}

func TestManager_PersistentMode_FlushAndQuery(t *testing.T) {
	dir := t.TempDir()
	dsn := filepath.Join(dir, "rustsocks.db")

	cfg := DefaultConfig()
	cfg.Storage = StoragePersistent
	cfg.DSN = dsn
	cfg.BatchSize = 2
	cfg.BatchInterval = 50 * time.Millisecond

	m, err := NewManager(cfg, nil)
	require.NoError(t, err)

	s1 := newSession(t, "bob", "1.2.3.4:80")
	s2 := newSession(t, "bob", "1.2.3.4:80")
	m.Create(s1)
	m.Create(s2)

	closed := model.CloseClientEOF
	m.Finalize(s1.ID.String(), model.StatusClosed, &closed)
	m.Finalize(s2.ID.String(), model.StatusClosed, &closed)

	require.Eventually(t, func() bool {
		store, err := OpenStore(dsn)
		if err != nil {
			return false
		}
		defer store.Close()
		got, err := store.Get(s1.ID.String())
		return err == nil && got != nil
	}, 2*time.Second, 20*time.Millisecond)

	require.NoError(t, m.Close())

	store, err := OpenStore(dsn)
	require.NoError(t, err)
	defer store.Close()

	got, err := store.Get(s1.ID.String())
	require.NoError(t, err)
	require.Equal(t, "bob", got.Username)
	require.Equal(t, model.StatusClosed, got.Status)

	hist, err := store.ListHistory(HistoryFilter{User: "bob"})
	require.NoError(t, err)
	require.Len(t, hist, 2)

	agg, err := store.AggregateWithin(time.Now().Add(-time.Hour), time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.EqualValues(t, 2, agg.SessionCount)
}

func TestManager_FinalizeUnknownIsNoop(t *testing.T) {
	cfg := DefaultConfig()
	m, err := NewManager(cfg, nil)
	require.NoError(t, err)
	defer m.Close()

	require.NotPanics(t, func() {
		m.Finalize("does-not-exist", model.StatusClosed, nil)
	})
}
