package imagesync

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// FileSource serves image archives from a local directory for push-strategy
// transfers. An image reference maps to a .tar file whose name is the
// reference with path and tag separators flattened: "ceos:4.32" becomes
// "ceos_4.32.tar".
type FileSource struct {
	dir string
}

// NewFileSource creates a FileSource rooted at dir.
func NewFileSource(dir string) *FileSource {
	return &FileSource{dir: dir}
}

// Open returns the archive for reference and its size.
func (s *FileSource) Open(_ context.Context, reference string) (io.ReadCloser, int64, error) {
	path := filepath.Join(s.dir, archiveName(reference))
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("imagesync: archive for %s: %w", reference, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, fmt.Errorf("imagesync: stat archive for %s: %w", reference, err)
	}
	return f, info.Size(), nil
}

func archiveName(reference string) string {
	r := strings.NewReplacer("/", "_", ":", "_", "@", "_")
	return r.Replace(reference) + ".tar"
}
