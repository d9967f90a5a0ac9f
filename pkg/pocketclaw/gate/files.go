package gate

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// DefaultMaxRead caps read_file.
const DefaultMaxRead = 1 << 20

// FileOps performs the file kinds of PendingCommand. Relative paths resolve
// against WorkDir.
type FileOps struct {
	WorkDir string
	MaxRead int64
}

func (f *FileOps) resolve(path string) string {
	path = expandHome(path)
	if !filepath.IsAbs(path) && f.WorkDir != "" {
		path = filepath.Join(f.WorkDir, path)
	}
	return filepath.Clean(path)
}

// Read returns up to MaxRead bytes of path.
func (f *FileOps) Read(path string) (content string, truncated bool, err error) {
	limit := f.MaxRead
	if limit <= 0 {
		limit = DefaultMaxRead
	}
	fh, err := os.Open(f.resolve(path))
	if err != nil {
		return "", false, err
	}
	defer fh.Close()

	data, err := io.ReadAll(io.LimitReader(fh, limit+1))
	if err != nil {
		return "", false, fmt.Errorf("reading %s: %w", path, err)
	}
	if int64(len(data)) > limit {
		return string(data[:limit]), true, nil
	}
	return string(data), false, nil
}

// Write replaces path with content, creating parent directories.
func (f *FileOps) Write(path, content string) (int, error) {
	full := f.resolve(path)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return 0, fmt.Errorf("creating directory: %w", err)
	}
	if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
		return 0, err
	}
	return len(content), nil
}

// List renders the entries of a directory, one per line, directories
// suffixed with a slash.
func (f *FileOps) List(path string) (string, error) {
	if path == "" {
		path = "."
	}
	entries, err := os.ReadDir(f.resolve(path))
	if err != nil {
		return "", err
	}
	var b strings.Builder
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		} else if info, err := e.Info(); err == nil {
			name = fmt.Sprintf("%s (%d bytes)", name, info.Size())
		}
		b.WriteString(name)
		b.WriteByte('\n')
	}
	if b.Len() == 0 {
		return "(empty directory)", nil
	}
	return strings.TrimRight(b.String(), "\n"), nil
}
