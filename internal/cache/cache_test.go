package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLRUEvictsLeastRecentlyUsed(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	c := NewLRU(2, 0)
	require.NoError(t, c.Set(ctx, "a", "Q1"))
	require.NoError(t, c.Set(ctx, "b", "Q2"))

	_, ok, err := c.Get(ctx, "a")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, c.Set(ctx, "c", "Q3"))
	_, ok, _ = c.Get(ctx, "b")
	require.False(t, ok)
	require.Equal(t, 2, c.Len())
}

func TestLRUStoresEmptyValueAsHit(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	c := NewLRU(10, time.Hour)
	require.NoError(t, c.Set(ctx, "en:PERSON:nobody", ""))

	value, ok, err := c.Get(ctx, "en:PERSON:nobody")
	require.NoError(t, err)
	require.True(t, ok)
	require.Empty(t, value)
}

func TestLRUExpiresEntries(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	now := time.Unix(1700000000, 0)
	c := NewLRU(10, time.Minute)
	c.now = func() time.Time { return now }
	require.NoError(t, c.Set(ctx, "k", "v"))

	now = now.Add(2 * time.Minute)
	_, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, 0, c.Len())
}

type mapCache struct {
	data   map[string]string
	getErr error
	sets   int
}

func (m *mapCache) Get(_ context.Context, key string) (string, bool, error) {
	if m.getErr != nil {
		return "", false, m.getErr
	}
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *mapCache) Set(_ context.Context, key, value string) error {
	m.sets++
	m.data[key] = value
	return nil
}

func TestTieredBackfillsNear(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	near := NewLRU(10, 0)
	far := &mapCache{data: map[string]string{"k": "Q42"}}
	tiered := NewTiered(near, far)

	value, ok, err := tiered.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "Q42", value)

	value, ok, err = near.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "Q42", value)
}

func TestTieredSetWritesBothAndSurfacesFarErrors(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	far := &mapCache{data: map[string]string{}}
	tiered := NewTiered(NewLRU(10, 0), far)
	require.NoError(t, tiered.Set(ctx, "k", "v"))
	require.Equal(t, 1, far.sets)

	broken := &mapCache{data: map[string]string{}, getErr: errors.New("down")}
	_, ok, err := NewTiered(NewLRU(10, 0), broken).Get(ctx, "missing")
	require.Error(t, err)
	require.False(t, ok)
}

func TestTieredWithoutFar(t *testing.T) {
	t.Parallel()

	tiered := NewTiered(NewLRU(10, 0), nil)
	require.NoError(t, tiered.Set(context.Background(), "k", "v"))
	value, ok, err := tiered.Get(context.Background(), "k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "v", value)
}

func TestTTLExpiresEntries(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	c := NewTTL(20*time.Millisecond, time.Hour)
	require.NoError(t, c.Set(ctx, "url", "task-1"))

	value, ok, err := c.Get(ctx, "url")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "task-1", value)
	require.Equal(t, 1, c.Len())

	require.Eventually(t, func() bool {
		_, ok, _ := c.Get(ctx, "url")
		return !ok
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, c.Set(ctx, "other", "task-2"))
	c.Delete("other")
	_, ok, err = c.Get(ctx, "other")
	require.NoError(t, err)
	require.False(t, ok)
}
