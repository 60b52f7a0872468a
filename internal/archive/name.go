package archive

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Ext is the file extension of every archive produced by the engine.
const Ext = ".tar.gz"

// nameTimeLayout is the timestamp encoding used inside archive names.
// Names sort lexicographically in chronological order.
const nameTimeLayout = "20060102_150405"

var namePattern = regexp.MustCompile(`^(.+)_(\d{8})_(\d{6})\.tar\.gz$`)

// Name builds an archive name of the form <prefix>_<YYYYMMDD>_<HHMMSS>.tar.gz.
// The timestamp is always rendered in UTC.
func Name(prefix string, t time.Time) string {
	return fmt.Sprintf("%s_%s%s", prefix, t.UTC().Format(nameTimeLayout), Ext)
}

// ParseName decodes the prefix and creation time from an archive name.
func ParseName(name string) (prefix string, createdAt time.Time, err error) {
	m := namePattern.FindStringSubmatch(name)
	if m == nil {
		return "", time.Time{}, fmt.Errorf("not an archive name: %q", name)
	}
	createdAt, err = time.Parse(nameTimeLayout, m[2]+"_"+m[3])
	if err != nil {
		return "", time.Time{}, fmt.Errorf("decode timestamp in %q: %w", name, err)
	}
	return m[1], createdAt.UTC(), nil
}

// IsArchiveName reports whether name matches the archive naming scheme for
// the given prefix. Used to exclude unrelated objects from listings.
func IsArchiveName(name, prefix string) bool {
	if !strings.HasPrefix(name, prefix+"_") {
		return false
	}
	p, _, err := ParseName(name)
	return err == nil && p == prefix
}
