package index

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/54b3r/medrag-go/internal/rag"
)

func writeSnapshot(t *testing.T, dir string, n int) {
	t.Helper()
	ctx := context.Background()
	p, err := OpenFile(dir)
	require.NoError(t, err)
	s, err := Open(ctx, p, Options{Dimension: 2, Logger: discard})
	require.NoError(t, err)
	for i := range n {
		_, err := s.Append(ctx, []rag.Entry{entry("id", "P", float32(i), 0)})
		require.NoError(t, err)
	}
	require.NoError(t, s.Close())
}

func TestFilePersister_EmptyDirLoadsNothing(t *testing.T) {
	t.Parallel()

	p, err := OpenFile(t.TempDir())
	require.NoError(t, err)

	snap, err := p.Load(context.Background())
	require.NoError(t, err)
	assert.Nil(t, snap)
}

// liveGeneration reads the generation the manifest in dir points at.
func liveGeneration(t *testing.T, dir string) uint64 {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(dir, ManifestFile))
	require.NoError(t, err)
	var man manifestDoc
	require.NoError(t, json.Unmarshal(data, &man))
	return man.Generation
}

func TestFilePersister_MissingArtifact(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	writeSnapshot(t, dir, 2)
	require.NoError(t, os.Remove(filepath.Join(dir, MetadataFile(liveGeneration(t, dir)))))

	p, err := OpenFile(dir)
	require.NoError(t, err)
	_, err = p.Load(context.Background())
	require.ErrorIs(t, err, rag.ErrPersistence)
}

func TestFilePersister_GenerationMismatch(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	writeSnapshot(t, dir, 1)
	stale, err := os.ReadFile(filepath.Join(dir, MetadataFile(liveGeneration(t, dir))))
	require.NoError(t, err)

	p, err := OpenFile(dir)
	require.NoError(t, err)
	s, err := Open(context.Background(), p, Options{Logger: discard})
	require.NoError(t, err)
	_, err = s.Append(context.Background(), []rag.Entry{entry("late", "P", 9, 9)})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	// Metadata from an earlier commit under the live generation's name.
	require.NoError(t, os.WriteFile(filepath.Join(dir, MetadataFile(liveGeneration(t, dir))), stale, 0o600))

	p, err = OpenFile(dir)
	require.NoError(t, err)
	_, err = p.Load(context.Background())
	require.ErrorIs(t, err, rag.ErrPersistence)
}

func TestFilePersister_CorruptVectors(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	writeSnapshot(t, dir, 2)

	path := filepath.Join(dir, VectorsFile(liveGeneration(t, dir)))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data[:len(data)-3], 0o600))

	p, err := OpenFile(dir)
	require.NoError(t, err)
	_, err = p.Load(context.Background())
	require.ErrorIs(t, err, rag.ErrPersistence)
}

func TestFilePersister_OnlyLivePairKept(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	writeSnapshot(t, dir, 3)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	gen := liveGeneration(t, dir)
	assert.Equal(t, uint64(3), gen)
	assert.ElementsMatch(t, []string{ManifestFile, VectorsFile(gen), MetadataFile(gen)}, names)
}

func TestFilePersister_FailedCommitKeepsLastSnapshot(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		// fail reports whether the write to path should fail.
		fail func(path string) bool
	}{
		{"metadata write", func(path string) bool { return strings.HasPrefix(filepath.Base(path), "metadata.") }},
		{"manifest write", func(path string) bool { return filepath.Base(path) == ManifestFile }},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			dir := t.TempDir()
			writeSnapshot(t, dir, 2)
			before := liveGeneration(t, dir)

			p, err := OpenFile(dir)
			require.NoError(t, err)
			p.write = func(path string, data []byte) error {
				if tc.fail(path) {
					return errors.New("disk full")
				}
				return writeFileAtomic(path, data)
			}
			s, err := Open(ctx, p, Options{Logger: discard})
			require.NoError(t, err)

			_, err = s.Append(ctx, []rag.Entry{entry("rejected", "P", 5, 5)})
			require.ErrorIs(t, err, rag.ErrPersistence)
			assert.Equal(t, 2, s.Len())
			require.NoError(t, s.Close())

			assert.Equal(t, before, liveGeneration(t, dir))
			assert.NoFileExists(t, filepath.Join(dir, VectorsFile(before+1)))
			assert.NoFileExists(t, filepath.Join(dir, MetadataFile(before+1)))

			p, err = OpenFile(dir)
			require.NoError(t, err)
			s, err = Open(ctx, p, Options{Logger: discard})
			require.NoError(t, err, "last committed snapshot must stay loadable")
			defer s.Close()
			assert.Equal(t, 2, s.Len())
			hits, err := s.Search(ctx, []float32{5, 5}, 3)
			require.NoError(t, err)
			for _, h := range hits {
				assert.NotEqual(t, "rejected", h.Record.ID)
			}

			// The next successful commit proceeds from the old generation.
			_, err = s.Append(ctx, []rag.Entry{entry("accepted", "P", 6, 6)})
			require.NoError(t, err)
			assert.Equal(t, before+1, liveGeneration(t, dir))
		})
	}
}

func TestFilePersister_SweepsOrphanedPair(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dir := t.TempDir()
	writeSnapshot(t, dir, 1)

	// A pair left behind by a process that died before switching the manifest.
	orphan := liveGeneration(t, dir) + 7
	require.NoError(t, os.WriteFile(filepath.Join(dir, VectorsFile(orphan)), []byte("junk"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, MetadataFile(orphan)), []byte("{}"), 0o600))

	p, err := OpenFile(dir)
	require.NoError(t, err)
	s, err := Open(ctx, p, Options{Logger: discard})
	require.NoError(t, err)
	defer s.Close()
	assert.Equal(t, 1, s.Len())

	_, err = s.Append(ctx, []rag.Entry{entry("next", "P", 1, 1)})
	require.NoError(t, err)
	assert.NoFileExists(t, filepath.Join(dir, VectorsFile(orphan)))
	assert.NoFileExists(t, filepath.Join(dir, MetadataFile(orphan)))
}

func TestArtifactGeneration(t *testing.T) {
	t.Parallel()

	gen, ok := artifactGeneration(VectorsFile(12))
	assert.True(t, ok)
	assert.Equal(t, uint64(12), gen)
	gen, ok = artifactGeneration(MetadataFile(0))
	assert.True(t, ok)
	assert.Zero(t, gen)

	for _, name := range []string{ManifestFile, "index.db", "metadata.x.json", ".index.3.bin.tmp-1"} {
		_, ok := artifactGeneration(name)
		assert.False(t, ok, name)
	}
}

func TestEncodeVector_RoundTrip(t *testing.T) {
	t.Parallel()

	v := []float32{0, -1.5, 3.25, 1e-9}
	got, err := decodeVector(encodeVector(v), len(v))
	require.NoError(t, err)
	assert.Equal(t, v, got)

	_, err = decodeVector(encodeVector(v), 3)
	require.Error(t, err)
	_, err = decodeVector([]byte{1, 2, 3}, 1)
	require.Error(t, err)
}

func TestNewPersister(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	p, err := NewPersister(BackendSQLite, filepath.Join(dir, "s"))
	require.NoError(t, err)
	require.NoError(t, p.Close())
	assert.FileExists(t, filepath.Join(dir, "s", SQLiteFile))

	p, err = NewPersister(BackendFile, filepath.Join(dir, "f"))
	require.NoError(t, err)
	require.NoError(t, p.Close())

	_, err = NewPersister("faiss", dir)
	require.Error(t, err)
}

func TestOpenSQLite_AppliesPragmas(t *testing.T) {
	t.Parallel()

	p, err := OpenSQLite(filepath.Join(t.TempDir(), SQLiteFile))
	require.NoError(t, err)
	defer p.Close()

	var mode string
	require.NoError(t, p.db.QueryRow("PRAGMA journal_mode").Scan(&mode))
	assert.Equal(t, "wal", mode)
	var timeout int
	require.NoError(t, p.db.QueryRow("PRAGMA busy_timeout").Scan(&timeout))
	assert.Equal(t, 5000, timeout)
}
