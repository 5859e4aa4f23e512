package scratch

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const maxAttempts = 1000

// Dir is the directory all intermediate and final audio artifacts are written to
type Dir struct {
	path string
	now  func() time.Time
}

// New returns a scratch directory rooted at path, creating it if needed
func New(path string) (*Dir, error) {
	if path == "" {
		path = filepath.Join(os.TempDir(), "phantom-track")
	}
	if err := os.MkdirAll(path, 0755); err != nil {
		return nil, fmt.Errorf("failed to create scratch directory: %w", err)
	}
	return &Dir{path: path, now: time.Now}, nil
}

// Path returns the directory path
func (d *Dir) Path() string {
	return d.path
}

// SetClock replaces the time source used for artifact names
func (d *Dir) SetClock(now func() time.Time) {
	d.now = now
}

// Create opens a new file named <prefix>_<unixtime><ext>. If that name is taken
// a counter is appended: <prefix>_<unixtime>_1<ext>, _2 and so on.
func (d *Dir) Create(prefix, ext string) (*os.File, error) {
	return d.CreateNamed(fmt.Sprintf("%s_%d%s", prefix, d.now().Unix(), ext))
}

// CreateNamed opens a new file with the given base name, adding a counter on collision
func (d *Dir) CreateNamed(name string) (*os.File, error) {
	name = filepath.Base(name)
	if name == "." || name == string(filepath.Separator) {
		return nil, fmt.Errorf("invalid file name")
	}

	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	destPath := filepath.Join(d.path, name)
	for counter := 1; counter <= maxAttempts; counter++ {
		f, err := os.OpenFile(destPath, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0644)
		if err == nil {
			return f, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("failed to create scratch file: %w", err)
		}
		destPath = filepath.Join(d.path, fmt.Sprintf("%s_%d%s", stem, counter, ext))
	}
	return nil, fmt.Errorf("failed to find a free name for %s", name)
}

// Resolve maps a bare artifact name to its path, rejecting anything that would
// escape the directory
func (d *Dir) Resolve(name string) (string, error) {
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		return "", fmt.Errorf("invalid artifact name: %q", name)
	}
	return filepath.Join(d.path, name), nil
}
