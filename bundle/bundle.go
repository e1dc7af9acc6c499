// Package bundle implements the archive format pushed by the hatch CLI and
// stored by the bundle store: a zip archive containing a manifest.json route
// table, an optional module.wasm sandbox payload, and zero or more template
// resources under templates/.
package bundle

import (
	"archive/zip"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
)

const (
	manifestFile = "manifest.json"
	moduleFile   = "module.wasm"
	templateDir  = "templates/"
)

// ErrCorruptArchive is returned when a payload cannot be unpacked into a
// well-formed module plus route table.
var ErrCorruptArchive = errors.New("corrupt archive")

// Bundle is the extracted, immutable content of one application version.
type Bundle struct {
	Manifest  Manifest
	Module    []byte
	Templates map[string][]byte
}

// Hash returns the hex-encoded sha256 digest of raw archive bytes. The same
// digest is computed by the pushing tool; any mismatch is an integrity
// failure.
func Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Parse unpacks and validates archive bytes. All failures are reported as
// ErrCorruptArchive so callers can map them to a single rejection path; the
// wrapped detail is preserved for logging.
func Parse(data []byte) (*Bundle, error) {
	r, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptArchive, err)
	}

	b := &Bundle{Templates: make(map[string][]byte)}
	sawManifest := false

	for _, f := range r.File {
		if f.FileInfo().IsDir() {
			continue
		}
		content, err := readZipFile(f)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrCorruptArchive, f.Name, err)
		}
		switch {
		case f.Name == manifestFile:
			if err := json.Unmarshal(content, &b.Manifest); err != nil {
				return nil, fmt.Errorf("%w: manifest.json: %v", ErrCorruptArchive, err)
			}
			sawManifest = true
		case f.Name == moduleFile:
			b.Module = content
		case strings.HasPrefix(f.Name, templateDir):
			name := strings.TrimPrefix(f.Name, templateDir)
			if name == "" || strings.Contains(name, "..") {
				return nil, fmt.Errorf("%w: illegal template path %q", ErrCorruptArchive, f.Name)
			}
			b.Templates[name] = content
		default:
			// Unknown entries are tolerated so the format can grow.
		}
	}

	if !sawManifest {
		return nil, fmt.Errorf("%w: missing manifest.json", ErrCorruptArchive)
	}
	if err := b.Manifest.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptArchive, err)
	}
	if b.Manifest.HasScriptRoutes() && len(b.Module) == 0 {
		return nil, fmt.Errorf("%w: manifest declares script routes but archive has no module.wasm", ErrCorruptArchive)
	}
	return b, nil
}

// Build assembles archive bytes from a manifest, an optional module and
// template resources. It is the inverse of Parse and is used by the push CLI
// and by tests. Entries are written in a deterministic order so identical
// content always produces identical bytes (and therefore an identical hash).
func Build(m Manifest, module []byte, templates map[string][]byte) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	w := zip.NewWriter(&buf)

	manifestBytes, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	if err := writeZipFile(w, manifestFile, manifestBytes); err != nil {
		return nil, err
	}
	if len(module) > 0 {
		if err := writeZipFile(w, moduleFile, module); err != nil {
			return nil, err
		}
	}

	names := make([]string, 0, len(templates))
	for name := range templates {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := writeZipFile(w, templateDir+name, templates[name]); err != nil {
			return nil, err
		}
	}

	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func readZipFile(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

func writeZipFile(w *zip.Writer, name string, content []byte) error {
	fw, err := w.CreateHeader(&zip.FileHeader{Name: name, Method: zip.Deflate})
	if err != nil {
		return err
	}
	_, err = fw.Write(content)
	return err
}
