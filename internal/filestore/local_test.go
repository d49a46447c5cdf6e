package filestore

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"chatrelay/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testID = "0123456789abcdef0123456789abcdef"

func TestLocalFileStore_SaveOpen(t *testing.T) {
	root := t.TempDir()
	fs, err := NewLocalFileStore(root)
	require.NoError(t, err)

	assert.False(t, fs.Has(testID))
	require.NoError(t, fs.Save(strings.NewReader("hello"), testID))
	assert.True(t, fs.Has(testID))

	_, err = os.Stat(filepath.Join(root, "01", testID))
	require.NoError(t, err)

	rc, err := fs.Open(testID)
	require.NoError(t, err)
	defer func() { _ = rc.Close() }()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
}

func TestLocalFileStore_SaveIsIdempotent(t *testing.T) {
	fs, err := NewLocalFileStore(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, fs.Save(strings.NewReader("first"), testID))
	require.NoError(t, fs.Save(strings.NewReader("second"), testID))

	rc, err := fs.Open(testID)
	require.NoError(t, err)
	defer func() { _ = rc.Close() }()
	data, _ := io.ReadAll(rc)
	assert.Equal(t, "first", string(data))

	// No temp files are left behind.
	entries, err := os.ReadDir(filepath.Join(fs.root, testID[:2]))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestLocalFileStore_Missing(t *testing.T) {
	fs, err := NewLocalFileStore(t.TempDir())
	require.NoError(t, err)

	_, err = fs.Open(testID)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestLocalFileStore_RejectsInvalidIDs(t *testing.T) {
	fs, err := NewLocalFileStore(t.TempDir())
	require.NoError(t, err)

	for _, id := range []string{"", "ab", "../../etc/passwd", "0123456789ABCDEF0123", "zz23456789abcdef0123"} {
		assert.ErrorIs(t, fs.Save(strings.NewReader("x"), id), ErrInvalidID, id)
		_, err := fs.Open(id)
		assert.ErrorIs(t, err, ErrInvalidID, id)
		assert.False(t, fs.Has(id), id)
	}
}
