package backup

import (
	"database/sql"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

func TestArchiveChecksumRoundtrip(t *testing.T) {
	dir := t.TempDir()

	dbPath := filepath.Join(dir, "guardian.db")
	db, err := sql.Open("sqlite", dbPath)
	require.NoError(t, err)
	_, err = db.Exec("CREATE TABLE accounts (id INTEGER PRIMARY KEY)")
	require.NoError(t, err)
	_, err = db.Exec("INSERT INTO accounts (id) VALUES (1), (2)")
	require.NoError(t, err)

	snapshotPath := filepath.Join(dir, "snapshot.db")
	_, err = db.Exec("VACUUM INTO ?", snapshotPath)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	checksum, err := checksumFile(snapshotPath)
	require.NoError(t, err)
	assert.Contains(t, checksum, "sha256:")

	metaPath := filepath.Join(dir, "backup-metadata.json")
	require.NoError(t, writeMetadata(metaPath, Metadata{Database: "guardian", Checksum: checksum}))
	raw, err := os.ReadFile(metaPath)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "guardian")

	archivePath := filepath.Join(dir, "out.tar.gz")
	require.NoError(t, createArchive(archivePath, snapshotPath, metaPath))
	info, err := os.Stat(archivePath)
	require.NoError(t, err)
	assert.Greater(t, info.Size(), int64(0))
}

func TestParseTimestamp(t *testing.T) {
	ts, ok := parseTimestamp("guardian-backup-2026-07-30-030000.tar.gz")
	require.True(t, ok)
	assert.Equal(t, 2026, ts.Year())

	_, ok = parseTimestamp("not-a-backup.txt")
	assert.False(t, ok)
}
