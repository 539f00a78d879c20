package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStorage(t *testing.T) {
	runStorageContract(t, func(t *testing.T) (Storage, Storage) {
		profile := NewMemoryProfile(nil)
		a, b := profile.Open(), profile.Open()
		t.Cleanup(func() {
			a.Close()
			b.Close()
		})
		return a, b
	})
}

func TestMemoryProfile_Snapshot(t *testing.T) {
	profile := NewMemoryProfile(nil)
	s := profile.Open()
	defer s.Close()

	require.NoError(t, s.Set(context.Background(), "a", "1"))

	snap := profile.Snapshot()
	snap["a"] = "changed"
	assert.Equal(t, map[string]string{"a": "1"}, profile.Snapshot())
}

func TestMemoryStorage_PanickingWatcher(t *testing.T) {
	profile := NewMemoryProfile(nil)
	a, b := profile.Open(), profile.Open()
	defer a.Close()
	defer b.Close()

	var log eventLog
	defer b.Watch(func(ChangeEvent) { panic("watcher bug") })()
	defer b.Watch(log.record)()

	require.NoError(t, a.Set(context.Background(), "k", "v"))
	require.NoError(t, a.Set(context.Background(), "k", "w"))

	assert.Eventually(t, func() bool { return len(log.all()) == 2 }, assertWait, assertTick)
}
