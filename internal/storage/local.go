package storage

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/fireflyops/fireback/internal/archive"
	"github.com/rs/zerolog"
)

// LocalStore manages the local backup directory.
type LocalStore struct {
	dir        string
	namePrefix string
	logger     zerolog.Logger
}

// NewLocalStore creates a local store rooted at dir, creating it if missing.
func NewLocalStore(dir, namePrefix string, logger zerolog.Logger) (*LocalStore, error) {
	if !filepath.IsAbs(dir) {
		return nil, fmt.Errorf("local store: path must be absolute: %s", dir)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("local store: create %s: %w", dir, err)
	}
	return &LocalStore{
		dir:        dir,
		namePrefix: namePrefix,
		logger:     logger.With().Str("component", "local_store").Logger(),
	}, nil
}

// Dir returns the backup directory path.
func (l *LocalStore) Dir() string {
	return l.dir
}

// Path returns the on-disk path for an archive name.
func (l *LocalStore) Path(name string) string {
	return filepath.Join(l.dir, name)
}

// Exists reports whether the named archive is present locally.
func (l *LocalStore) Exists(name string) bool {
	info, err := os.Stat(l.Path(name))
	return err == nil && !info.IsDir()
}

// Add copies the archive file at srcPath into the backup directory under
// name. A name that is already present is rejected rather than overwritten;
// archive names are second-granular, so two runs inside the same second would
// otherwise silently clobber each other.
func (l *LocalStore) Add(srcPath, name string) error {
	if l.Exists(name) {
		return fmt.Errorf("local store: archive %s already exists", name)
	}
	src, err := os.Open(srcPath)
	if err != nil {
		return fmt.Errorf("local store: open %s: %w", srcPath, err)
	}
	defer src.Close()

	dest := l.Path(name)
	tmp := dest + ".partial"
	out, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("local store: create %s: %w", tmp, err)
	}
	if _, err := io.Copy(out, src); err != nil {
		out.Close()
		os.Remove(tmp)
		return fmt.Errorf("local store: copy to %s: %w", tmp, err)
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("local store: finish %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("local store: place %s: %w", dest, err)
	}

	l.logger.Info().Str("archive", name).Msg("archive stored locally")
	return nil
}

// List returns all local archives sorted oldest-first. Files that do not
// follow the archive naming scheme are excluded.
func (l *LocalStore) List() ([]Object, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, fmt.Errorf("local store: read %s: %w", l.dir, err)
	}

	var objects []Object
	for _, entry := range entries {
		if entry.IsDir() || !archive.IsArchiveName(entry.Name(), l.namePrefix) {
			continue
		}
		createdAt, ok := decodeCreatedAt(entry.Name())
		if !ok {
			l.logger.Error().Str("file", entry.Name()).Msg("archive-like file with undecodable timestamp, excluding from listing")
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		objects = append(objects, Object{
			Name:      entry.Name(),
			SizeBytes: info.Size(),
			CreatedAt: createdAt,
		})
	}

	sortOldestFirst(objects)
	return objects, nil
}

// Delete removes the named archive. Deleting a nonexistent archive is not an
// error.
func (l *LocalStore) Delete(name string) error {
	err := os.Remove(l.Path(name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("local store: delete %s: %w", name, err)
	}
	l.logger.Info().Str("archive", name).Msg("local archive deleted")
	return nil
}
