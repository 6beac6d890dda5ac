// Package artifact files inbound device payloads on disk. Images land in the
// active session's directory, or in a catch-all directory when no session is
// running; data is never thrown away.
package artifact

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	logx "camsync/pkg/logx"
)

// UncategorizedDir is the fallback directory name, under the output root,
// for images that arrive outside any session.
const UncategorizedDir = "uncategorized"

// SanitizeName reduces a device-supplied name to a path-safe character set.
// Anything outside [A-Za-z0-9_-] becomes an underscore; an empty result is
// replaced with "device".
func SanitizeName(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	out := b.String()
	if out == "" || strings.Trim(out, "_") == "" {
		return "device"
	}
	return out
}

// Sink writes session artifacts under one output root.
type Sink struct {
	log  logx.Logger
	root string
}

func NewSink(log logx.Logger, outputDir string) *Sink {
	if log.IsZero() {
		log = logx.Nop()
	}
	if outputDir == "" {
		outputDir = "./output"
	}
	return &Sink{log: log, root: outputDir}
}

// Root returns the output root directory.
func (s *Sink) Root() string { return s.root }

// SessionDir derives the deterministic directory path for a session
// scheduled at the given instant. The directory is not created.
func (s *Sink) SessionDir(at time.Time) string {
	return filepath.Join(s.root, "capture_"+at.Format("2006-01-02_15-04-05"))
}

// EnsureDir creates a session directory (and the output root) ahead of any
// image write.
func (s *Sink) EnsureDir(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create session dir %s: %w", dir, err)
	}
	return nil
}

// SaveImage writes one image for the named device into dir. An empty dir
// means no session is active and the image is filed under the catch-all
// directory instead. Returns the written path.
func (s *Sink) SaveImage(dir, deviceName string, data []byte) (string, error) {
	if dir == "" {
		dir = filepath.Join(s.root, UncategorizedDir)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create image dir %s: %w", dir, err)
	}
	path := filepath.Join(dir, SanitizeName(deviceName)+".jpg")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write image %s: %w", path, err)
	}
	s.log.Info("image saved",
		logx.String("device", deviceName),
		logx.String("path", path),
		logx.Int("bytes", len(data)))
	return path, nil
}
