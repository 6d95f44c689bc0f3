package checkpoint

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestFile_MissingIsEmpty(t *testing.T) {
	f := NewFile(filepath.Join(t.TempDir(), "nope.json"), zap.NewNop())
	cp, err := f.Load()
	require.NoError(t, err)
	assert.Empty(t, cp)

	id, err := f.Get("acme")
	require.NoError(t, err)
	assert.Empty(t, id)
}

func TestFile_SetKeepsOtherKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "cp.json")
	f := NewFile(path, nil)

	require.NoError(t, f.Set("acme", "id-10"))
	require.NoError(t, f.Set(GlobalKey, "id-99"))
	require.NoError(t, f.Set("acme", "id-20"))

	cp, err := NewFile(path, nil).Load()
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"acme": "id-20", "__global__": "id-99"}, cp)

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left behind")
}

func TestFile_Corrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cp.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"acme": 5}`), 0o644))
	f := NewFile(path, nil)

	_, err := f.Load()
	assert.ErrorIs(t, err, ErrCorrupt)
	assert.ErrorIs(t, f.Set("acme", "x"), ErrCorrupt)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, `{"acme": 5}`, string(data), "a corrupt file is never overwritten")
}

func TestFile_ConcurrentSets(t *testing.T) {
	f := NewFile(filepath.Join(t.TempDir(), "cp.json"), nil)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, f.Set(fmt.Sprintf("t%d", i), fmt.Sprintf("id-%d", i)))
		}(i)
	}
	wg.Wait()

	cp, err := f.Load()
	require.NoError(t, err)
	assert.Len(t, cp, 20)
}
