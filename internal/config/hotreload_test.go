package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWatcher_FiresHandlerOnWrite(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "demo.yaml")
	require.NoError(t, os.WriteFile(target, []byte("task_id: demo\n"), 0o644))

	w, err := NewWatcher(dir)
	require.NoError(t, err)
	w.debounce = 0

	fired := make(chan struct{}, 1)
	w.OnChange(func() {
		select {
		case fired <- struct{}{}:
		default:
		}
	})

	require.NoError(t, w.Start())
	defer w.Stop()

	require.NoError(t, os.WriteFile(target, []byte("task_id: demo\nversion: \"2\"\n"), 0o644))

	require.Eventually(t, func() bool {
		select {
		case <-fired:
			return true
		default:
			return false
		}
	}, 3*time.Second, 10*time.Millisecond)
}

func TestWatcher_WriteAfterStopDoesNotPanic(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWatcher(dir)
	require.NoError(t, err)
	require.NoError(t, w.Start())
	w.Stop()
	// Writing into the watched directory after Stop must not panic.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "after-stop.yaml"), []byte("x"), 0o644))
}
