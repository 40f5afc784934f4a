package filesync

import (
	"fmt"
	"path"
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

func TestBackupStoreKeepsNewestCopies(t *testing.T) {
	fs := afero.NewMemMapFs()
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	store := NewBackupStore(fs, "/backups", 3, func() time.Time { return now })

	var created []string
	for index := 0; index < 5; index++ {
		location, err := store.Create("blog/post.html", []byte(fmt.Sprintf("revision-%d", index)))
		require.NoError(t, err)
		require.True(t, strings.HasPrefix(location, "/backups/blog__post.html/"))
		require.Equal(t, ".bak", path.Ext(location))
		created = append(created, location)
		if index%2 == 0 {
			now = now.Add(time.Second)
		}
	}

	locations, err := store.List("blog/post.html")
	require.NoError(t, err)
	require.Equal(t, created[2:], locations)

	for offset, location := range locations {
		content, err := store.Read(location)
		require.NoError(t, err)
		require.Equal(t, fmt.Sprintf("revision-%d", offset+2), string(content))
	}

	_, err = store.Read(created[0])
	require.ErrorIs(t, err, ErrBackupNotFound)
}

func TestBackupStoreSeparatesFiles(t *testing.T) {
	fs := afero.NewMemMapFs()
	store := NewBackupStore(fs, "/backups", 0, nil)

	_, err := store.Create("index.html", []byte("a"))
	require.NoError(t, err)
	_, err = store.Create("about/index.html", []byte("b"))
	require.NoError(t, err)

	first, err := store.List("index.html")
	require.NoError(t, err)
	require.Len(t, first, 1)
	second, err := store.List("about/index.html")
	require.NoError(t, err)
	require.Len(t, second, 1)

	missing, err := store.List("never.html")
	require.NoError(t, err)
	require.Empty(t, missing)
}

func TestWriteFileAtomicLeavesNoTemporaryFile(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/site/index.html", []byte("old"), 0o644))

	require.NoError(t, writeFileAtomic(fs, "/site/index.html", []byte("new")))

	content, err := afero.ReadFile(fs, "/site/index.html")
	require.NoError(t, err)
	require.Equal(t, "new", string(content))
	exists, err := afero.Exists(fs, "/site/index.html.pagesync.tmp")
	require.NoError(t, err)
	require.False(t, exists)
}
