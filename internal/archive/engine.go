// Package archive builds and unpacks the versioned snapshot bundles that hold
// the protected application's database and uploads volumes. An archive is a
// gzip-compressed tar envelope containing one inner tarball per volume plus an
// optional flat set of configuration files captured at creation time.
package archive

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
)

// Sentinel errors reported by the engine.
var (
	// ErrSourceUnavailable indicates a required volume could not be read.
	ErrSourceUnavailable = errors.New("source volume unavailable")
	// ErrDiskFull indicates the staging write failed.
	ErrDiskFull = errors.New("staging write failed")
	// ErrCorruptArchive indicates the archive is missing expected payloads.
	ErrCorruptArchive = errors.New("corrupt archive")
	// ErrUnsupportedFormat indicates the outer envelope could not be parsed.
	ErrUnsupportedFormat = errors.New("unsupported archive format")
	// ErrWriteFailure indicates a volume replacement failed.
	ErrWriteFailure = errors.New("volume write failure")
)

// Well-known volume names.
const (
	VolumeDatabase = "database"
	VolumeUploads  = "uploads"
)

// Payload member names inside the envelope. Current names are produced on
// create; legacy names are still accepted on extract so that archives written
// by the original shell tooling remain restorable.
var (
	databasePayloadNames = []string{"database.tar.gz", "firefly_db.tar.gz"}
	uploadsPayloadNames  = []string{"uploads.tar.gz", "firefly_upload.tar.gz"}
)

// Volume identifies one of the protected application's persistent data areas.
type Volume struct {
	// Name is the logical volume name (VolumeDatabase or VolumeUploads).
	Name string
	// Path is the directory holding the volume's data.
	Path string
}

// Archive describes a snapshot bundle on the local filesystem.
type Archive struct {
	Name      string    `json:"name"`
	Path      string    `json:"path"`
	SizeBytes int64     `json:"size_bytes"`
	CreatedAt time.Time `json:"created_at"`
}

// ExtractedPayload holds the locations of the inner payloads after extraction.
type ExtractedPayload struct {
	// DatabasePath is the extracted database payload tarball. Always set.
	DatabasePath string
	// UploadsPath is the extracted uploads payload tarball, or empty if the
	// archive was written without one.
	UploadsPath string
	// ConfigPaths are the configuration files found at the envelope top level.
	ConfigPaths []string
}

// Engine creates and extracts snapshot archives. It has no knowledge of
// scheduling or remote storage.
type Engine struct {
	prefix     string
	stagingDir string
	logger     zerolog.Logger
}

// NewEngine creates an archive engine that writes archives named with the
// given prefix into stagingDir.
func NewEngine(prefix, stagingDir string, logger zerolog.Logger) *Engine {
	return &Engine{
		prefix:     prefix,
		stagingDir: stagingDir,
		logger:     logger.With().Str("component", "archive").Logger(),
	}
}

// Create snapshots the given volumes and configuration files into a fresh
// timestamped archive under the staging directory. Volumes are only read,
// never mutated.
func (e *Engine) Create(ctx context.Context, volumes []Volume, configFiles []string) (*Archive, error) {
	if err := os.MkdirAll(e.stagingDir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create staging dir: %v", ErrDiskFull, err)
	}

	workDir, err := os.MkdirTemp(e.stagingDir, "snapshot-*")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDiskFull, err)
	}
	defer os.RemoveAll(workDir)

	for _, vol := range volumes {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		info, err := os.Stat(vol.Path)
		if err != nil || !info.IsDir() {
			return nil, fmt.Errorf("%w: volume %s at %s: %v", ErrSourceUnavailable, vol.Name, vol.Path, err)
		}

		payload := filepath.Join(workDir, vol.Name+".tar.gz")
		e.logger.Debug().Str("volume", vol.Name).Str("path", vol.Path).Msg("packing volume payload")
		if err := packDir(vol.Path, payload); err != nil {
			return nil, classifyPackError(vol, err)
		}
	}

	for _, cf := range configFiles {
		if _, err := os.Stat(cf); err != nil {
			e.logger.Warn().Str("file", cf).Msg("config file missing, skipping")
			continue
		}
		if err := copyFile(cf, filepath.Join(workDir, filepath.Base(cf))); err != nil {
			return nil, fmt.Errorf("%w: copy config file %s: %v", ErrDiskFull, cf, err)
		}
	}

	createdAt := time.Now().UTC()
	name := Name(e.prefix, createdAt)
	dest := filepath.Join(e.stagingDir, name)

	if err := packDir(workDir, dest); err != nil {
		os.Remove(dest)
		return nil, fmt.Errorf("%w: write archive: %v", ErrDiskFull, err)
	}

	info, err := os.Stat(dest)
	if err != nil {
		return nil, fmt.Errorf("%w: stat archive: %v", ErrDiskFull, err)
	}

	e.logger.Info().
		Str("archive", name).
		Int64("size_bytes", info.Size()).
		Msg("archive created")

	return &Archive{
		Name:      name,
		Path:      dest,
		SizeBytes: info.Size(),
		CreatedAt: createdAt,
	}, nil
}

// Extract unpacks the archive at archivePath into a fresh directory under
// stagingDir and locates the inner payloads, probing current member names
// before legacy ones.
func (e *Engine) Extract(ctx context.Context, archivePath, stagingDir string) (*ExtractedPayload, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	extractDir, err := os.MkdirTemp(stagingDir, "extract-*")
	if err != nil {
		return nil, fmt.Errorf("create extraction dir: %w", err)
	}

	if err := unpackInto(archivePath, extractDir); err != nil {
		os.RemoveAll(extractDir)
		return nil, err
	}

	payload := &ExtractedPayload{}

	payload.DatabasePath = probeMember(extractDir, databasePayloadNames)
	if payload.DatabasePath == "" {
		os.RemoveAll(extractDir)
		return nil, fmt.Errorf("%w: no database payload (tried %v)", ErrCorruptArchive, databasePayloadNames)
	}
	payload.UploadsPath = probeMember(extractDir, uploadsPayloadNames)

	entries, err := os.ReadDir(extractDir)
	if err != nil {
		os.RemoveAll(extractDir)
		return nil, fmt.Errorf("read extraction dir: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || isPayloadMember(entry.Name()) {
			continue
		}
		payload.ConfigPaths = append(payload.ConfigPaths, filepath.Join(extractDir, entry.Name()))
	}

	e.logger.Debug().
		Str("archive", filepath.Base(archivePath)).
		Bool("has_uploads", payload.UploadsPath != "").
		Int("config_files", len(payload.ConfigPaths)).
		Msg("archive extracted")

	return payload, nil
}

// WriteVolume fully replaces the volume's contents with the given payload
// tarball. The replacement is atomic from the caller's perspective: the
// payload is unpacked into a sibling directory first and swapped in with
// renames, and a failed swap rolls the previous contents back.
func (e *Engine) WriteVolume(ctx context.Context, vol Volume, payloadPath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	parent := filepath.Dir(vol.Path)
	incoming := filepath.Join(parent, "."+filepath.Base(vol.Path)+".incoming")
	retired := filepath.Join(parent, "."+filepath.Base(vol.Path)+".retired")

	os.RemoveAll(incoming)
	os.RemoveAll(retired)

	if err := os.MkdirAll(incoming, 0o755); err != nil {
		return fmt.Errorf("%w: stage replacement for %s: %v", ErrWriteFailure, vol.Name, err)
	}
	if err := unpackInto(payloadPath, incoming); err != nil {
		os.RemoveAll(incoming)
		return fmt.Errorf("%w: unpack payload for %s: %v", ErrWriteFailure, vol.Name, err)
	}

	// Swap: current -> retired, incoming -> current. Roll back on failure so
	// the volume is never left half replaced.
	hadCurrent := true
	if err := os.Rename(vol.Path, retired); err != nil {
		if !os.IsNotExist(err) {
			os.RemoveAll(incoming)
			return fmt.Errorf("%w: retire current %s: %v", ErrWriteFailure, vol.Name, err)
		}
		hadCurrent = false
	}

	if err := os.Rename(incoming, vol.Path); err != nil {
		if hadCurrent {
			if rbErr := os.Rename(retired, vol.Path); rbErr != nil {
				e.logger.Error().Err(rbErr).Str("volume", vol.Name).Msg("rollback after failed swap also failed")
			}
		}
		os.RemoveAll(incoming)
		return fmt.Errorf("%w: swap in replacement for %s: %v", ErrWriteFailure, vol.Name, err)
	}

	if hadCurrent {
		if err := os.RemoveAll(retired); err != nil {
			e.logger.Warn().Err(err).Str("volume", vol.Name).Msg("failed to remove retired volume contents")
		}
	}

	e.logger.Info().Str("volume", vol.Name).Msg("volume contents replaced")
	return nil
}

// classifyPackError distinguishes an unreadable source from a failed staging
// write when packing a volume.
func classifyPackError(vol Volume, err error) error {
	if os.IsNotExist(err) || os.IsPermission(err) {
		return fmt.Errorf("%w: volume %s: %v", ErrSourceUnavailable, vol.Name, err)
	}
	return fmt.Errorf("%w: pack volume %s: %v", ErrDiskFull, vol.Name, err)
}

func probeMember(dir string, names []string) string {
	for _, n := range names {
		p := filepath.Join(dir, n)
		if info, err := os.Stat(p); err == nil && !info.IsDir() {
			return p
		}
	}
	return ""
}

func isPayloadMember(name string) bool {
	for _, n := range databasePayloadNames {
		if name == n {
			return true
		}
	}
	for _, n := range uploadsPayloadNames {
		if name == n {
			return true
		}
	}
	return false
}
