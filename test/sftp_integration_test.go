// Package test holds end-to-end tests that exercise the sync engine
// against a real SFTP server, the way the teacher's own test package
// exercised its S3 gateway against a real Garage server.
package test

import (
	"context"
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/coldvault/coldvault/internal/crypto"
	"github.com/coldvault/coldvault/internal/engine"
	"github.com/coldvault/coldvault/internal/manifest"
	"github.com/coldvault/coldvault/internal/transport/sftptransport"
)

// sftpContainer wraps a running atmoz/sftp container, the pack's
// analogue of a Garage/MinIO test backend but for the SFTP transport
// this module actually ships.
type sftpContainer struct {
	container testcontainers.Container
	host      string
	port      string
}

const (
	sftpTestUser = "vaulttest"
	sftpTestPass = "vaulttest-pw"
)

func startSFTPContainer(t *testing.T) *sftpContainer {
	t.Helper()
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "atmoz/sftp:alpine",
		ExposedPorts: []string{"22/tcp"},
		Cmd:          []string{fmt.Sprintf("%s:%s:::upload", sftpTestUser, sftpTestPass)},
		WaitingFor:   wait.ForListeningPort("22/tcp").WithStartupTimeout(60 * time.Second),
	}

	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Skipf("sftp integration test: could not start atmoz/sftp container (no docker daemon?): %v", err)
		return nil
	}

	host, err := c.Host(ctx)
	require.NoError(t, err)
	mapped, err := c.MappedPort(ctx, "22/tcp")
	require.NoError(t, err)

	return &sftpContainer{container: c, host: host, port: mapped.Port()}
}

func (s *sftpContainer) stop(t *testing.T) {
	t.Helper()
	if s == nil || s.container == nil {
		return
	}
	_ = s.container.Terminate(context.Background())
}

// dial opens a fresh, connected transport.Transport against this
// container, positioned nowhere yet — callers chdir it themselves (or
// hand it to engine.Backup/Restore, which chdir as their first step).
// The host-port form (host:port) keeps the hostOnly portion literally
// "localhost" so sftptransport.Dial skips host-key verification, per
// spec.md §6, even though the mapped port is not the well-known 22.
func (s *sftpContainer) dial(t *testing.T) *sftptransport.Transport {
	t.Helper()
	tr, err := sftptransport.Dial(sftpTestUser, s.host+":"+s.port, sftpTestPass)
	require.NoError(t, err)
	return tr
}

// TestBackupRestoreRoundTripOverSFTP runs the first end-to-end scenario
// of spec.md §8: two small files backed up to a real SFTP server,
// restored to an empty directory, reproduced byte-for-byte.
func TestBackupRestoreRoundTripOverSFTP(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping sftp integration test in short mode")
	}

	sftp := startSFTPContainer(t)
	defer sftp.stop(t)

	srcRoot := t.TempDir()
	writeSourceFile(t, srcRoot, "a.txt", "hello")
	writeSourceFile(t, srcRoot, "b.txt", "world")

	keys := crypto.NewKeyCache("integration-test-password")

	backupDest := sftp.dial(t)
	report, err := engine.Backup(context.Background(), engine.BackupConfig{
		SourceRoot: srcRoot,
		Dest:       backupDest,
		DestPath:   "/upload/vault",
		Keys:       keys,
	})
	require.NoError(t, err)
	require.NoError(t, backupDest.Close())

	assert := require.New(t)
	assert.Equal(2, report.FilesScanned)
	assert.Equal(2, report.ChunksUploaded)
	assert.Equal(2, report.RecordsAppended)

	// Independently verify the remote layout: exactly two chunk blobs
	// (no dot in the name) plus the manifest log.
	listDest := sftp.dial(t)
	require.NoError(t, listDest.Chdir("/upload/vault"))
	names, err := listDest.ListDir()
	require.NoError(t, err)
	require.NoError(t, listDest.Close())

	chunkCount := 0
	sawManifest := false
	for _, n := range names {
		if n == manifest.LogName {
			sawManifest = true
			continue
		}
		if !containsDot(n) {
			chunkCount++
		}
	}
	assert.True(sawManifest, "expected .files manifest on the remote")
	assert.Equal(2, chunkCount, "expected exactly 2 chunk blobs")

	destRoot := t.TempDir()
	restoreSrc := sftp.dial(t)
	restoreReport, err := engine.Restore(context.Background(), engine.RestoreConfig{
		Src:      restoreSrc,
		SrcPath:  "/upload/vault",
		DestRoot: destRoot,
		Keys:     keys,
	})
	require.NoError(t, err)
	require.NoError(t, restoreSrc.Close())

	assert.Equal(2, restoreReport.FilesRestored)

	gotA, err := os.ReadFile(filepath.Join(destRoot, "a.txt"))
	require.NoError(t, err)
	assert.Equal("hello", string(gotA))

	gotB, err := os.ReadFile(filepath.Join(destRoot, "b.txt"))
	require.NoError(t, err)
	assert.Equal("world", string(gotB))
}

// TestBackupIdempotenceOverSFTP covers the backup-idempotence property of
// spec.md §8: running backup twice back-to-back on an unchanged source
// uploads zero new chunks and appends zero new non-tombstone records the
// second time.
func TestBackupIdempotenceOverSFTP(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping sftp integration test in short mode")
	}

	sftp := startSFTPContainer(t)
	defer sftp.stop(t)

	srcRoot := t.TempDir()
	writeSourceFile(t, srcRoot, "big.bin", deterministicContent(3*1024+7))

	keys := crypto.NewKeyCache("integration-test-password")

	first := sftp.dial(t)
	_, err := engine.Backup(context.Background(), engine.BackupConfig{
		SourceRoot: srcRoot,
		Dest:       first,
		DestPath:   "/upload/idem",
		Keys:       keys,
	})
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second := sftp.dial(t)
	report, err := engine.Backup(context.Background(), engine.BackupConfig{
		SourceRoot: srcRoot,
		Dest:       second,
		DestPath:   "/upload/idem",
		Keys:       keys,
	})
	require.NoError(t, err)
	require.NoError(t, second.Close())

	require.Equal(t, 0, report.ChunksUploaded)
	require.Equal(t, 0, report.RecordsAppended)
	require.Equal(t, 0, report.TombstonesWritten)
}

func writeSourceFile(t *testing.T, root, rel, content string) {
	t.Helper()
	path := filepath.Join(root, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func deterministicContent(n int) string {
	h := sha256.New()
	buf := make([]byte, n)
	for i := range buf {
		if i%32 == 0 {
			h.Write([]byte{byte(i)})
		}
		buf[i] = h.Sum(nil)[i%32]
	}
	return string(buf)
}

func containsDot(s string) bool {
	for _, r := range s {
		if r == '.' {
			return true
		}
	}
	return false
}
