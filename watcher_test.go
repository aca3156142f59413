package reqguard

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCatalogWatcherReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte("botUserAgents:\n  - zzfetcher\n"), 0o644))

	e, _ := newTestEngine(t, DefaultConfig())
	w, err := NewCatalogWatcher(e, path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Stop() })

	require.NoError(t, w.Reload())
	assert.True(t, e.Catalog().MatchBotUserAgent("ZZFetcher/2"))
	assert.False(t, e.Catalog().MatchBotUserAgent("curl/8.0"))

	before := e.Catalog()
	require.NoError(t, os.WriteFile(path, []byte("botUserAgents:\n  - \"(unclosed\"\n"), 0o644))
	assert.ErrorIs(t, w.Reload(), ErrInvalidConfig)
	assert.Same(t, before, e.Catalog())
}

func TestCatalogWatcherPicksUpWrites(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte("botUserAgents:\n  - first\n"), 0o644))

	e, _ := newTestEngine(t, DefaultConfig())
	w, err := NewCatalogWatcher(e, path)
	require.NoError(t, err)
	w.Start()
	t.Cleanup(func() { _ = w.Stop() })

	require.NoError(t, os.WriteFile(path, []byte("botUserAgents:\n  - qqzeta\n"), 0o644))
	require.Eventually(t, func() bool {
		return e.Catalog().MatchBotUserAgent("QQZeta/1.0")
	}, 5*time.Second, 50*time.Millisecond)
}
