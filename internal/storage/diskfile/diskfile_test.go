package diskfile_test

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/devrev/pairdb/objectnode/internal/errors"
	"github.com/devrev/pairdb/objectnode/internal/model"
	"github.com/devrev/pairdb/objectnode/internal/storage/diskfile"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var key = model.ObjectKey{Account: "AUTH_test", Container: "c1", Object: "dir/obj1"}

func TestEncodeDecode(t *testing.T) {
	rec := &model.ObjectRecord{
		Key:       key,
		Data:      bytes.Repeat([]byte("test"), 1000),
		Metadata:  map[string]string{model.MetaDeleteAt: "1700000001"},
		Timestamp: model.TimestampFromSeconds(1700000000),
		State:     model.StateLive,
	}

	frame, err := diskfile.Encode(rec)
	require.NoError(t, err)
	assert.Less(t, len(frame), len(rec.Data), "payload should be compressed")

	got, err := diskfile.Decode(frame, true)
	require.NoError(t, err)
	assert.Equal(t, rec, got)

	meta, err := diskfile.Decode(frame, false)
	require.NoError(t, err)
	assert.Nil(t, meta.Data)
	assert.Equal(t, rec.Metadata, meta.Metadata)
}

func TestDecode_Corrupted(t *testing.T) {
	frame, err := diskfile.Encode(&model.ObjectRecord{Key: key, Timestamp: 1, State: model.StateTombstone})
	require.NoError(t, err)
	frame[2] ^= 0xFF

	_, err = diskfile.Decode(frame, true)
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeCorruptedData, errors.GetCode(err))
}

func TestParseFileName(t *testing.T) {
	ts := model.Timestamp(1700000000123456)

	v, ok := diskfile.ParseFileName(diskfile.FileName(ts, model.StateExpired))
	require.True(t, ok)
	assert.Equal(t, ts, v.Timestamp)
	assert.Equal(t, model.StateExpired, v.State)

	for _, bad := range []string{"hashes.json", "1700000000.000000.meta", ".tmp-123", "abc.data"} {
		_, ok := diskfile.ParseFileName(bad)
		assert.False(t, ok, bad)
	}
}

func TestWriteFileAndCleanup(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "hash")

	for i, state := range []model.RecordState{model.StateLive, model.StateTombstone, model.StateLive} {
		_, err := diskfile.WriteFile(dir, &model.ObjectRecord{
			Key:       key,
			Data:      []byte("v"),
			Timestamp: model.Timestamp(100 + i),
			State:     state,
		}, false)
		require.NoError(t, err)
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".tmp-leftover"), []byte("x"), 0o644))

	versions, err := diskfile.ListVersions(dir)
	require.NoError(t, err)
	require.Len(t, versions, 3)
	assert.Equal(t, model.Timestamp(102), versions[0].Timestamp)

	removed, err := diskfile.Cleanup(dir)
	require.NoError(t, err)
	assert.Equal(t, 3, removed)

	newest, err := diskfile.Newest(dir)
	require.NoError(t, err)
	require.NotNil(t, newest)
	assert.Equal(t, model.Timestamp(102), newest.Timestamp)

	rec, err := diskfile.ReadFile(filepath.Join(dir, newest.Name), true)
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), rec.Data)
}

func TestListVersions_MissingDir(t *testing.T) {
	versions, err := diskfile.ListVersions(filepath.Join(t.TempDir(), "missing"))
	require.NoError(t, err)
	assert.Empty(t, versions)
}
