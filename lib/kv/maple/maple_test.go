package maple

import (
	"bytes"
	"fmt"
	"sync"
	"testing"

	"github.com/ValentinKolb/uStore/lib/kv"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetGetDelete(t *testing.T) {
	s := NewMapleStore(&Options{NumShards: 4})
	defer s.Close()

	require.NoError(t, s.Set("db_users", []byte("v1")))
	v, ok, err := s.Get("db_users")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("v1"), v)

	// returned values are copies
	v[0] = 'x'
	v, _, _ = s.Get("db_users")
	assert.Equal(t, []byte("v1"), v)

	require.NoError(t, s.Set("db_users", []byte("v2")))
	v, _, _ = s.Get("db_users")
	assert.Equal(t, []byte("v2"), v)

	require.NoError(t, s.Delete("db_users"))
	has, err := s.Has("db_users")
	require.NoError(t, err)
	assert.False(t, has)
	require.NoError(t, s.Delete("db_users"))
}

func TestKeysPrefix(t *testing.T) {
	s := NewMapleStore(nil)
	for _, k := range []string{"a_2", "a_1", "b_1", "a__meta"} {
		require.NoError(t, s.Set(k, nil))
	}
	keys, err := s.Keys("a_")
	require.NoError(t, err)
	assert.Equal(t, []string{"a_1", "a_2", "a__meta"}, keys)
}

func TestSaveLoad(t *testing.T) {
	src := NewMapleStore(&Options{NumShards: 3})
	for i := 0; i < 50; i++ {
		require.NoError(t, src.Set(fmt.Sprintf("k%d", i), []byte(fmt.Sprintf("value-%d", i))))
	}

	var buf bytes.Buffer
	require.NoError(t, src.Save(&buf))

	dst := NewMapleStore(&Options{NumShards: 7})
	require.NoError(t, dst.Set("stale", []byte("gone after load")))
	require.NoError(t, dst.Load(bytes.NewReader(buf.Bytes())))

	for i := 0; i < 50; i++ {
		v, ok, err := dst.Get(fmt.Sprintf("k%d", i))
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, fmt.Sprintf("value-%d", i), string(v))
	}
	has, _ := dst.Has("stale")
	assert.False(t, has)
	assert.Equal(t, 50, dst.Info().Keys)
	assert.GreaterOrEqual(t, dst.Info().WriteIndex, uint64(50))
}

func TestLoadRejectsGarbage(t *testing.T) {
	s := NewMapleStore(nil)
	require.NoError(t, s.Set("keep", []byte("me")))
	assert.Error(t, s.Load(bytes.NewReader([]byte("NOTMAPLE123456789"))))
	has, _ := s.Has("keep")
	assert.True(t, has)
}

func TestConcurrentWriters(t *testing.T) {
	s := NewMapleStore(nil)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				_ = s.Set(fmt.Sprintf("w%d_%d", w, i), []byte{byte(i)})
			}
		}(w)
	}
	wg.Wait()
	info := s.Info()
	assert.Equal(t, 1600, info.Keys)
	assert.Greater(t, info.ShardDistribution.Quality, 0.0)
}

func TestClosed(t *testing.T) {
	s := NewMapleStore(nil)
	require.NoError(t, s.Close())
	assert.Error(t, s.Set("k", nil))
	_, _, err := s.Get("k")
	assert.Error(t, err)
}

func TestFileStorePersists(t *testing.T) {
	path := t.TempDir() + "/data/kv.db"

	s, err := kv.NewFileStore(path, NewMapleStore(nil))
	require.NoError(t, err)
	require.NoError(t, s.Set("app_settings", []byte(`{"a":1}`)))
	require.NoError(t, s.Set("app_other", []byte(`{}`)))
	require.NoError(t, s.Delete("app_other"))
	require.NoError(t, s.Close())

	reopened, err := kv.FileFactory(path, Factory(nil))()
	require.NoError(t, err)
	v, ok, err := reopened.Get("app_settings")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, `{"a":1}`, string(v))
	has, _ := reopened.Has("app_other")
	assert.False(t, has)
	assert.Equal(t, path, reopened.Info().Path)
}
