package capture

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"regexp"
	"time"
)

var (
	unsafeChars = regexp.MustCompile(`[^A-Za-z0-9_.-]`)
	dotRuns     = regexp.MustCompile(`\.{2,}`)
)

// Sanitize reduces key to a file name made of [A-Za-z0-9_.-] with no "..".
func Sanitize(key string) string {
	s := unsafeChars.ReplaceAllString(filepath.Base(key), "_")
	return dotRuns.ReplaceAllString(s, ".")
}

// StopPath returns a fresh stop file location for key under dir. The name
// combines the current time in milliseconds, 64 random bits and the
// sanitized key.
func StopPath(dir, key string, now time.Time) string {
	var b [8]byte
	_, _ = rand.Read(b[:])
	name := fmt.Sprintf(".stop-%d-%s-%s.signal", now.UnixMilli(), hex.EncodeToString(b[:]), Sanitize(key))
	return filepath.Join(dir, name)
}
