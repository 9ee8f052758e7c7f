package phase

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func writeOverrideFile(t *testing.T, path, title string) {
	t.Helper()
	body := "phases:\n  0:\n    title: \"" + title + "\"\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
}

func TestWatcher_ReloadsAfterQuiescence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "overrides.yaml")
	writeOverrideFile(t, path, "Original")

	reg, err := NewOverridableRegistry(path)
	require.NoError(t, err)

	w, err := NewWatcher(reg, zap.NewNop())
	require.NoError(t, err)
	w.debounce = 50 * time.Millisecond

	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	// Two writes in quick succession, like an editor saving in chunks.
	// Only the content present after the burst settles should stick.
	writeOverrideFile(t, path, "Partial")
	writeOverrideFile(t, path, "Final")

	require.Eventually(t, func() bool {
		spec, err := reg.ByIndex(0)
		if err != nil {
			return false
		}
		return spec.Title == "Final"
	}, 2*time.Second, 20*time.Millisecond)
}

func TestWatcher_StopIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "overrides.yaml")

	reg, err := NewOverridableRegistry(path)
	require.NoError(t, err)

	w, err := NewWatcher(reg, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))

	w.Stop()
	w.Stop()
}
