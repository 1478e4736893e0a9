package backup

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AvaProtocol/smartwallet/core/journal"
	"github.com/AvaProtocol/smartwallet/core/testutil"
	"github.com/AvaProtocol/smartwallet/storage"
)

func TestBackupAndRestore(t *testing.T) {
	logger := testutil.GetLogger()
	db := testutil.TestMustDB()
	defer db.Close()

	hash := common.HexToHash("0x0d")
	require.NoError(t, journal.New(db).Put(&journal.Record{
		Hash:      hash.Hex(),
		Sender:    "0x7c3a76086588230c7B3f4839A4c1F5BBafcd57C6",
		Nonce:     "12",
		State:     "submitted",
		Submitted: true,
	}))

	service := NewService(logger, db, t.TempDir())
	service.now = func() time.Time { return time.Date(2024, 3, 9, 14, 5, 0, 0, time.UTC) }

	backupFile, err := service.PerformBackup(context.Background())
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("24-03-09-14-05", "journal.bak"), filepath.Join(filepath.Base(filepath.Dir(backupFile)), filepath.Base(backupFile)))
	_, err = os.Stat(backupFile)
	require.NoError(t, err)

	restored, err := storage.New(&storage.Config{InMemory: true})
	require.NoError(t, err)
	defer restored.Close()

	require.NoError(t, NewService(logger, restored, "").Restore(context.Background(), backupFile))

	j := journal.New(restored)
	rec, err := j.Get(hash)
	require.NoError(t, err)
	assert.Equal(t, "12", rec.Nonce)

	seen, err := j.HasSubmitted(hash)
	require.NoError(t, err)
	assert.True(t, seen, "a restored journal still refuses resubmission")
}

func TestRestoreMissingFile(t *testing.T) {
	db := testutil.TestMustDB()
	defer db.Close()

	err := NewService(testutil.GetLogger(), db, "").Restore(context.Background(), filepath.Join(t.TempDir(), "nope.bak"))
	assert.Error(t, err)
}
