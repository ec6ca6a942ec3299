package bridge

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

// ToolName is the executable name searched for on PATH.
const ToolName = "adb"

// Fallback install locations probed after the PATH lookup.
const (
	PackageManagerPath = "/usr/local/bin/adb"
	SDKRelativePath    = "Library/Android/sdk/platform-tools/adb"
)

// Locator resolves and caches the bridge executable path for the process
// lifetime. A failed resolution is not cached, so later calls probe again.
type Locator struct {
	// Override, when set, is tried before every other location.
	Override string
	// Bundled is the path of a tool shipped with the application.
	Bundled string
	// Runner executes the shell PATH lookup.
	Runner Runner

	homeDir      func() (string, error)
	isExecutable func(path string) bool
	makeExec     func(path string) error

	group singleflight.Group
	mu    sync.RWMutex
	path  string
}

// NewLocator builds a Locator probing override, bundled, PATH and the fixed
// fallback locations in that order.
func NewLocator(override, bundled string, runner Runner) *Locator {
	return &Locator{
		Override:     strings.TrimSpace(override),
		Bundled:      strings.TrimSpace(bundled),
		Runner:       runner,
		homeDir:      os.UserHomeDir,
		isExecutable: isExecutableFile,
		makeExec:     func(path string) error { return os.Chmod(path, 0o755) },
	}
}

// Path returns the cached path, or "" when not resolved yet.
func (l *Locator) Path() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.path
}

// Resolve returns the bridge path, probing on first use. It returns
// ErrToolNotFound when no candidate is executable.
func (l *Locator) Resolve(ctx context.Context) (string, error) {
	if cached := l.Path(); cached != "" {
		return cached, nil
	}
	v, err, _ := l.group.Do("resolve", func() (interface{}, error) {
		if cached := l.Path(); cached != "" {
			return cached, nil
		}
		path := l.probe(ctx)
		if path == "" {
			return "", ErrToolNotFound
		}
		l.mu.Lock()
		l.path = path
		l.mu.Unlock()
		log.Info().Str("tool", path).Msg("bridge tool resolved")
		return path, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (l *Locator) probe(ctx context.Context) string {
	if l.Override != "" {
		if l.isExecutable(l.Override) {
			return l.Override
		}
		log.Warn().Str("tool", l.Override).Msg("configured bridge path is not executable, probing defaults")
	}
	if path := l.probeBundled(); path != "" {
		return path
	}
	if path := l.probeShell(ctx); path != "" {
		return path
	}
	if l.isExecutable(PackageManagerPath) {
		return PackageManagerPath
	}
	if home, err := l.homeDir(); err == nil && home != "" {
		sdk := filepath.Join(home, SDKRelativePath)
		if l.isExecutable(sdk) {
			return sdk
		}
	}
	log.Warn().Msg("bridge tool not found in any known location")
	return ""
}

func (l *Locator) probeBundled() string {
	if l.Bundled == "" {
		return ""
	}
	if _, err := os.Stat(l.Bundled); err != nil {
		return ""
	}
	if l.isExecutable(l.Bundled) {
		return l.Bundled
	}
	if err := l.makeExec(l.Bundled); err != nil {
		log.Warn().Err(err).Str("tool", l.Bundled).Msg("set executable permission on bundled tool failed")
		return ""
	}
	if l.isExecutable(l.Bundled) {
		log.Info().Str("tool", l.Bundled).Msg("bundled tool made executable")
		return l.Bundled
	}
	return ""
}

func (l *Locator) probeShell(ctx context.Context) string {
	if l.Runner == nil {
		return ""
	}
	res := l.Runner.Run(ctx, "/usr/bin/env", "which", ToolName)
	if !res.Success {
		log.Debug().Str("output", res.Output).Msg("shell lookup for bridge tool failed")
		return ""
	}
	path := strings.TrimSpace(firstLine(res.Output))
	if path != "" && l.isExecutable(path) {
		return path
	}
	return ""
}

func firstLine(s string) string {
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		return s[:idx]
	}
	return s
}

func isExecutableFile(path string) bool {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return false
	}
	return info.Mode().Perm()&0o111 != 0
}
