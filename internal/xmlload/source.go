// SPDX-License-Identifier: MIT

package xmlload

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// DocumentSource resolves a document name (the initial path, or an
// alternate filename named by a <codec_probe> case) to readable
// content. The default OSSource roots relative names at the directory
// of the initial document, matching where a codec-probe alternate XML
// is expected to live alongside the root document.
type DocumentSource interface {
	Open(name string) (io.ReadCloser, error)
}

// OSSource reads documents from the filesystem, resolving relative
// names against Root.
type OSSource struct {
	Root string
}

// NewOSSource roots relative document names at dir.
func NewOSSource(dir string) OSSource {
	return OSSource{Root: dir}
}

func (s OSSource) Open(name string) (io.ReadCloser, error) {
	path := name
	if !filepath.IsAbs(path) {
		path = filepath.Join(s.Root, name)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("xmlload: open %s: %w", path, err)
	}
	return f, nil
}

// ProbeSource reads the short identifier file a <codec_probe>
// consults, independent of DocumentSource since probe files
// conventionally live outside the XML document tree (e.g.
// /sys/.../codec_id).
type ProbeSource interface {
	Open(path string) (io.ReadCloser, error)
}

// OSProbeSource reads probe files directly from the given path,
// treating it as OS-rooted regardless of any document root.
type OSProbeSource struct{}

func (OSProbeSource) Open(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("xmlload: open probe file %s: %w", path, err)
	}
	return f, nil
}

// MemorySource is an in-memory DocumentSource/ProbeSource used by
// tests to avoid touching disk.
type MemorySource map[string]string

func (m MemorySource) Open(name string) (io.ReadCloser, error) {
	content, ok := m[name]
	if !ok {
		return nil, fmt.Errorf("xmlload: no such in-memory document %q", name)
	}
	return io.NopCloser(strings.NewReader(content)), nil
}
