package update

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const (
	packageExt = ".apk"
	partialExt = ".part"
)

// CacheError reports that the package cache could not be prepared or
// written.
type CacheError struct {
	Op   string
	Path string
	Err  error
}

func (e *CacheError) Error() string {
	return "package cache " + e.Op + " " + e.Path + ": " + e.Err.Error()
}

func (e *CacheError) Unwrap() error { return e.Err }

// IsCacheError reports whether err is (or wraps) a CacheError.
func IsCacheError(err error) bool {
	var ce *CacheError
	return errors.As(err, &ce)
}

// Cache is the on-disk package cache. It holds at most one package and is
// written only by the session machine.
type Cache struct {
	Dir   string
	AppID string
}

// Path is the deterministic location of the package for version.
func (c Cache) Path(version string) string {
	return filepath.Join(c.Dir, c.AppID+"-"+sanitize(version)+packageExt)
}

func sanitize(v string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', ' ':
			return '_'
		}
		return r
	}, strings.TrimSpace(v))
}

// Ensure creates the cache directory.
func (c Cache) Ensure() error {
	if c.Dir == "" {
		return &CacheError{Op: "create", Path: "<unset>", Err: errors.New("cache directory not configured")}
	}
	if err := os.MkdirAll(c.Dir, 0o755); err != nil {
		return &CacheError{Op: "create", Path: c.Dir, Err: err}
	}
	return nil
}

// Purge removes every cached and partial package file.
func (c Cache) Purge() error {
	entries, err := os.ReadDir(c.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return &CacheError{Op: "list", Path: c.Dir, Err: err}
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasSuffix(name, packageExt) && !strings.HasSuffix(name, packageExt+partialExt) {
			continue
		}
		p := filepath.Join(c.Dir, name)
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return &CacheError{Op: "purge", Path: p, Err: err}
		}
		log.Debug().Str("file", p).Msg("purged cached package")
	}
	return nil
}
