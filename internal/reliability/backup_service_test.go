package reliability

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manujajay/portfolio-optimize/internal/database"
	testingpkg "github.com/manujajay/portfolio-optimize/internal/testing"
)

type memStore struct {
	mu        sync.Mutex
	objects   map[string][]byte
	uploadErr error
	deleteErr map[string]error
}

func newMemStore() *memStore {
	return &memStore{objects: make(map[string][]byte), deleteErr: make(map[string]error)}
}

func (m *memStore) Upload(_ context.Context, key string, body io.Reader, size int64) error {
	if m.uploadErr != nil {
		return m.uploadErr
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	if int64(len(data)) != size {
		return fmt.Errorf("size mismatch: %d != %d", len(data), size)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = data
	return nil
}

func (m *memStore) List(_ context.Context, prefix string) ([]ObjectInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []ObjectInfo
	for k, v := range m.objects {
		if strings.HasPrefix(k, prefix) {
			out = append(out, ObjectInfo{Key: k, Size: int64(len(v))})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (m *memStore) Delete(_ context.Context, key string) error {
	if err := m.deleteErr[key]; err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

func (m *memStore) keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.objects))
	for k := range m.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

var backupNow = time.Date(2025, 6, 30, 14, 30, 22, 0, time.UTC)

func newTestBackupService(t *testing.T, store ObjectStore) *BackupService {
	t.Helper()
	runsDB, cleanupRuns := testingpkg.NewTestDB(t, "runs")
	t.Cleanup(cleanupRuns)
	cacheDB, cleanupCache := testingpkg.NewTestDB(t, "client_data")
	t.Cleanup(cleanupCache)

	_, err := runsDB.Conn().Exec(
		"INSERT INTO optimization_runs (id, kind, objective, tickers, created_at, payload) VALUES ('r1', 'optimize', 'max_sharpe', 'AAPL', 1, x'80')",
	)
	require.NoError(t, err)

	svc := NewBackupService(store, []*database.DB{runsDB, cacheDB}, t.TempDir(), zerolog.Nop())
	svc.now = func() time.Time { return backupNow }
	return svc
}

func readArchive(t *testing.T, data []byte) map[string][]byte {
	t.Helper()
	gz, err := gzip.NewReader(bytes.NewReader(data))
	require.NoError(t, err)
	tr := tar.NewReader(gz)

	files := make(map[string][]byte)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		content, err := io.ReadAll(tr)
		require.NoError(t, err)
		files[hdr.Name] = content
	}
	return files
}

func TestCreateAndUploadBackup(t *testing.T) {
	store := newMemStore()
	svc := newTestBackupService(t, store)

	key, err := svc.CreateAndUploadBackup(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "portfolio-optimize-backup-2025-06-30-143022.tar.gz", key)
	require.Equal(t, []string{key}, store.keys())

	files := readArchive(t, store.objects[key])
	require.Contains(t, files, "runs.db")
	require.Contains(t, files, "client_data.db")
	require.Contains(t, files, metadataFilename)

	var metadata BackupMetadata
	require.NoError(t, json.Unmarshal(files[metadataFilename], &metadata))
	assert.True(t, metadata.Timestamp.Equal(backupNow))
	require.Len(t, metadata.Databases, 2)

	for _, db := range metadata.Databases {
		content := files[db.Filename]
		assert.Equal(t, int64(len(content)), db.SizeBytes)
		assert.Equal(t, fmt.Sprintf("sha256:%x", sha256.Sum256(content)), db.Checksum)
	}
}

func TestCreateAndUploadBackup_UploadFailure(t *testing.T) {
	store := newMemStore()
	store.uploadErr = errors.New("bucket unavailable")
	svc := newTestBackupService(t, store)

	_, err := svc.CreateAndUploadBackup(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bucket unavailable")
}

func seedBackups(store *memStore, days ...int) {
	for _, d := range days {
		key := BackupPrefix + backupNow.AddDate(0, 0, -d).Format(backupTimeLayout) + archiveFileSuffix
		store.objects[key] = []byte("x")
	}
	store.objects[BackupPrefix+"garbage.tar.gz"] = []byte("x")
	store.objects["unrelated.txt"] = []byte("x")
}

func TestListBackups(t *testing.T) {
	store := newMemStore()
	seedBackups(store, 10, 1, 5)
	svc := newTestBackupService(t, store)

	backups, err := svc.ListBackups(context.Background())
	require.NoError(t, err)
	require.Len(t, backups, 3)
	assert.True(t, backups[0].Timestamp.Equal(backupNow.AddDate(0, 0, -1)))
	assert.True(t, backups[2].Timestamp.Equal(backupNow.AddDate(0, 0, -10)))
	assert.Equal(t, int64(24), backups[0].AgeHours)
}

func TestRotateOldBackups(t *testing.T) {
	t.Run("deletes only old backups beyond the newest three", func(t *testing.T) {
		store := newMemStore()
		seedBackups(store, 1, 2, 40, 45, 50, 3)
		svc := newTestBackupService(t, store)

		deleted, err := svc.RotateOldBackups(context.Background(), 30)
		require.NoError(t, err)
		assert.Equal(t, 3, deleted)

		backups, err := svc.ListBackups(context.Background())
		require.NoError(t, err)
		assert.Len(t, backups, 3)
	})

	t.Run("keeps minimum even when all are old", func(t *testing.T) {
		store := newMemStore()
		seedBackups(store, 100, 101, 102, 103)
		svc := newTestBackupService(t, store)

		deleted, err := svc.RotateOldBackups(context.Background(), 30)
		require.NoError(t, err)
		assert.Equal(t, 1, deleted)
	})

	t.Run("zero retention keeps everything", func(t *testing.T) {
		store := newMemStore()
		seedBackups(store, 100, 101, 102, 103)
		svc := newTestBackupService(t, store)

		deleted, err := svc.RotateOldBackups(context.Background(), 0)
		require.NoError(t, err)
		assert.Equal(t, 0, deleted)
	})

	t.Run("delete failures are skipped", func(t *testing.T) {
		store := newMemStore()
		seedBackups(store, 1, 2, 3, 40, 50)
		store.deleteErr[BackupPrefix+backupNow.AddDate(0, 0, -40).Format(backupTimeLayout)+archiveFileSuffix] = errors.New("denied")
		svc := newTestBackupService(t, store)

		deleted, err := svc.RotateOldBackups(context.Background(), 30)
		require.NoError(t, err)
		assert.Equal(t, 1, deleted)
	})
}

func TestBackupJob(t *testing.T) {
	store := newMemStore()
	svc := newTestBackupService(t, store)
	job := NewBackupJob(svc, 30, zerolog.Nop())

	assert.Equal(t, "backup", job.Name())
	require.NoError(t, job.Run())
	assert.Len(t, store.keys(), 1)

	store.uploadErr = errors.New("offline")
	assert.Error(t, job.Run())
}
