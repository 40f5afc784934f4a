package filesync

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/spf13/afero"
)

const (
	// DefaultBackupKeep is the number of backups retained per file.
	DefaultBackupKeep = 5

	backupExtension      = ".bak"
	backupDirPermissions = 0o755
	filePermissions      = 0o644
)

// ErrBackupNotFound indicates that a backup path does not exist.
var ErrBackupNotFound = errors.New("filesync: backup not found")

// BackupStore keeps the newest copies of every page file under a backup directory.
// Backup names are ULIDs so lexical order is creation order.
type BackupStore struct {
	fs      afero.Fs
	dir     string
	keep    int
	clock   func() time.Time
	mu      sync.Mutex
	entropy io.Reader
}

// NewBackupStore returns a store rooted at dir on fs.
func NewBackupStore(fs afero.Fs, dir string, keep int, clock func() time.Time) *BackupStore {
	if keep <= 0 {
		keep = DefaultBackupKeep
	}
	if clock == nil {
		clock = time.Now
	}
	return &BackupStore{
		fs:      fs,
		dir:     dir,
		keep:    keep,
		clock:   clock,
		entropy: ulid.Monotonic(rand.Reader, 0),
	}
}

func (b *BackupStore) fileDir(filePath string) string {
	return path.Join(b.dir, strings.ReplaceAll(filePath, "/", "__"))
}

func (b *BackupStore) nextName() (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id, err := ulid.New(ulid.Timestamp(b.clock()), b.entropy)
	if err != nil {
		return "", err
	}
	return id.String() + backupExtension, nil
}

// Create writes content as the newest backup of filePath, prunes older backups beyond the
// retention count, and returns the backup location.
func (b *BackupStore) Create(filePath string, content []byte) (string, error) {
	dir := b.fileDir(filePath)
	if err := b.fs.MkdirAll(dir, backupDirPermissions); err != nil {
		return "", fmt.Errorf("create backup dir: %w", err)
	}
	name, err := b.nextName()
	if err != nil {
		return "", fmt.Errorf("backup name: %w", err)
	}
	location := path.Join(dir, name)
	if err := writeFileAtomic(b.fs, location, content); err != nil {
		return "", err
	}
	if err := b.prune(filePath); err != nil {
		return location, fmt.Errorf("prune backups: %w", err)
	}
	return location, nil
}

// Read returns the content of a backup.
func (b *BackupStore) Read(location string) ([]byte, error) {
	content, err := afero.ReadFile(b.fs, location)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrBackupNotFound, location)
	}
	return content, err
}

// List returns the backups of filePath, oldest first.
func (b *BackupStore) List(filePath string) ([]string, error) {
	dir := b.fileDir(filePath)
	entries, err := afero.ReadDir(b.fs, dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), backupExtension) {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)
	locations := make([]string, len(names))
	for index, name := range names {
		locations[index] = path.Join(dir, name)
	}
	return locations, nil
}

func (b *BackupStore) prune(filePath string) error {
	locations, err := b.List(filePath)
	if err != nil {
		return err
	}
	if len(locations) <= b.keep {
		return nil
	}
	var errs []error
	for _, location := range locations[:len(locations)-b.keep] {
		if err := b.fs.Remove(location); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// writeFileAtomic writes data beside target and renames it into place.
func writeFileAtomic(fs afero.Fs, target string, data []byte) error {
	temporary := target + ".pagesync.tmp"
	if err := afero.WriteFile(fs, temporary, data, filePermissions); err != nil {
		_ = fs.Remove(temporary)
		return err
	}
	if err := fs.Rename(temporary, target); err != nil {
		_ = fs.Remove(temporary)
		return err
	}
	return nil
}
