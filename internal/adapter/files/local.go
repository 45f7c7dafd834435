package files

import (
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"curri-chat/internal/domain"
)

// LocalFileStore implements domain.FileManager over a directory of image
// files. Messages reference local images by path; the store inlines them
// for upload and garbage collects files no message references anymore.
type LocalFileStore struct {
	dir    string
	logger *slog.Logger
}

// NewLocalFileStore creates the store, ensuring the directory exists.
func NewLocalFileStore(dir string, logger *slog.Logger) (*LocalFileStore, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create files dir: %w", err)
	}
	return &LocalFileStore{dir: dir, logger: logger}, nil
}

// Dir returns the store's root directory.
func (s *LocalFileStore) Dir() string { return s.dir }

// SaveImage writes image bytes into the store and returns the path to
// reference from an ImagePart with Local set.
func (s *LocalFileStore) SaveImage(data []byte) (string, error) {
	path := filepath.Join(s.dir, domain.NewID())
	if err := os.WriteFile(path, data, 0600); err != nil {
		return "", fmt.Errorf("write image: %w", err)
	}
	return path, nil
}

// ResolveImage implements domain.FileManager. Local images are read and
// inlined as base64 data URLs; remote URLs pass through unchanged.
func (s *LocalFileStore) ResolveImage(part domain.ImagePart) (string, error) {
	if !part.Local {
		return part.URL, nil
	}
	path := part.URL
	if !filepath.IsAbs(path) {
		path = filepath.Join(s.dir, path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read local image: %w", err)
	}
	mime := http.DetectContentType(data)
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(data), nil
}

// DeleteOrphans implements domain.FileManager. Local image files referenced
// by before but not by after are removed. Only files under the store
// directory are ever touched.
func (s *LocalFileStore) DeleteOrphans(before, after []domain.Message) error {
	kept := localImagePaths(after)
	for path := range localImagePaths(before) {
		if _, ok := kept[path]; ok {
			continue
		}
		abs := path
		if !filepath.IsAbs(abs) {
			abs = filepath.Join(s.dir, abs)
		}
		if !s.contains(abs) {
			s.logger.Warn("skipping orphan outside files dir", "path", path)
			continue
		}
		if err := os.Remove(abs); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove orphan %q: %w", path, err)
		}
		s.logger.Debug("removed orphaned image", "path", path)
	}
	return nil
}

// contains reports whether abs lies under the store directory.
func (s *LocalFileStore) contains(abs string) bool {
	rel, err := filepath.Rel(s.dir, abs)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// localImagePaths collects the local image references in a transcript.
func localImagePaths(messages []domain.Message) map[string]struct{} {
	paths := make(map[string]struct{})
	for _, m := range messages {
		for _, p := range m.Parts {
			if img, ok := p.(domain.ImagePart); ok && img.Local && img.URL != "" {
				paths[img.URL] = struct{}{}
			}
		}
	}
	return paths
}

var _ domain.FileManager = (*LocalFileStore)(nil)
