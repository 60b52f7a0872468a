// Package storage moves archives between the local backup directory and the
// remote object store. The remote gateway speaks S3 (AWS, MinIO, Wasabi and
// other compatible services); the local store manages the on-disk backup
// directory. Both expose listings in the same shape so retention can treat
// the two locations uniformly.
package storage

import (
	"errors"
	"sort"
	"time"

	"github.com/fireflyops/fireback/internal/archive"
	"github.com/fireflyops/fireback/internal/retention"
)

// Sentinel errors shared by the stores.
var (
	// ErrNotFound indicates the named object does not exist.
	ErrNotFound = errors.New("object not found")
	// ErrTransferFailure indicates a network or auth failure during transfer.
	ErrTransferFailure = errors.New("transfer failed")
	// ErrIntegrityMismatch indicates the uploaded size diverged from the local size.
	ErrIntegrityMismatch = errors.New("uploaded object size mismatch")
	// ErrEmptyObject indicates a downloaded object was zero bytes.
	ErrEmptyObject = errors.New("downloaded object is empty")
)

// Object is one archive in a location listing.
type Object struct {
	Name      string    `json:"name"`
	SizeBytes int64     `json:"size_bytes"`
	CreatedAt time.Time `json:"created_at"`
}

// RetentionEntries converts a listing to retention manager input.
func RetentionEntries(objects []Object) []retention.Entry {
	entries := make([]retention.Entry, len(objects))
	for i, o := range objects {
		entries[i] = retention.Entry{Name: o.Name, CreatedAt: o.CreatedAt}
	}
	return entries
}

// sortOldestFirst orders a listing by name, which the archive naming scheme
// guarantees is chronological order.
func sortOldestFirst(objects []Object) {
	sort.Slice(objects, func(i, j int) bool {
		return objects[i].Name < objects[j].Name
	})
}

// decodeCreatedAt extracts the creation time encoded in an archive name.
// Returns false for names that do not follow the scheme.
func decodeCreatedAt(name string) (time.Time, bool) {
	_, createdAt, err := archive.ParseName(name)
	if err != nil {
		return time.Time{}, false
	}
	return createdAt, true
}
