package mirror

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
)

var (
	// ErrNotFound is returned when a document does not exist and no
	// default was given.
	ErrNotFound = errors.New("file not found")

	// ErrOutsideRoot is returned for paths that escape the data root.
	ErrOutsideRoot = errors.New("path must be within data directory")

	// ErrBadContent is returned when content cannot be stored at a path.
	ErrBadContent = errors.New("unsupported content")
)

// FileStore reads and writes JSON and CSV documents under a data root.
//
// Thread Safety: writes are atomic renames, so concurrent readers never
// see partial files. Concurrent writers to one path race; the last rename
// wins.
type FileStore struct {
	fs   afero.Fs
	root string
}

// NewFileStore serves documents from root on the OS filesystem.
func NewFileStore(root string) (*FileStore, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve data root: %w", err)
	}
	return &FileStore{fs: afero.NewOsFs(), root: abs}, nil
}

// NewFileStoreFs serves documents from root on fsys.
func NewFileStoreFs(fsys afero.Fs, root string) *FileStore {
	return &FileStore{fs: fsys, root: filepath.Clean(root)}
}

// Root returns the data root.
func (s *FileStore) Root() string {
	return s.root
}

// Resolve maps a slash-separated relative path to a file under the root.
func (s *FileStore) Resolve(rel string) (string, error) {
	rel = strings.TrimPrefix(rel, "/")
	if rel == "" {
		return "", fmt.Errorf("path is required")
	}
	full := filepath.Join(s.root, filepath.FromSlash(rel))
	back, err := filepath.Rel(s.root, full)
	if err != nil || back == "." || back == ".." || strings.HasPrefix(back, ".."+string(filepath.Separator)) || filepath.IsAbs(back) {
		return "", fmt.Errorf("%s: %w", rel, ErrOutsideRoot)
	}
	return full, nil
}

// Exists reports whether rel names an existing document.
func (s *FileStore) Exists(rel string) (bool, error) {
	full, err := s.Resolve(rel)
	if err != nil {
		return false, err
	}
	return afero.Exists(s.fs, full)
}

// Get reads rel. JSON documents are decoded, CSV documents become a slice
// of row objects, anything else is returned as a string.
//
// When rel does not exist and def is non-nil, *def is written to rel as is
// and returned, decoded if rel is a JSON document. Without a default a
// missing document is ErrNotFound.
func (s *FileStore) Get(rel string, def *string) (any, error) {
	full, err := s.Resolve(rel)
	if err != nil {
		return nil, err
	}
	raw, err := afero.ReadFile(s.fs, full)
	if errors.Is(err, fs.ErrNotExist) {
		if def == nil {
			return nil, fmt.Errorf("%s: %w", rel, ErrNotFound)
		}
		if err := s.writeAtomic(full, []byte(*def)); err != nil {
			return nil, err
		}
		slog.Debug("wrote default document", "path", rel)
		return decode(rel, []byte(*def))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read file %s: %w", rel, err)
	}
	return decode(rel, raw)
}

// GetJSON decodes the JSON document at rel into dst. It reports false if
// the document does not exist.
func (s *FileStore) GetJSON(rel string, dst any) (bool, error) {
	full, err := s.Resolve(rel)
	if err != nil {
		return false, err
	}
	raw, err := afero.ReadFile(s.fs, full)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read file %s: %w", rel, err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return false, fmt.Errorf("decode %s: %w", rel, err)
	}
	return true, nil
}

// Put writes content to rel. Strings are written verbatim. Otherwise a
// .json path gets the JSON encoding and a .csv path requires a list of
// row objects.
func (s *FileStore) Put(rel string, content any) error {
	full, err := s.Resolve(rel)
	if err != nil {
		return err
	}
	var raw []byte
	switch v := content.(type) {
	case nil:
		return fmt.Errorf("%s: request body is required: %w", rel, ErrBadContent)
	case string:
		raw = []byte(v)
	case []byte:
		raw = v
	default:
		switch path.Ext(rel) {
		case ".json":
			raw, err = json.Marshal(v)
			if err != nil {
				return fmt.Errorf("%s: %w: %v", rel, ErrBadContent, err)
			}
		case ".csv":
			rows, ok := asRows(v)
			if !ok {
				return fmt.Errorf("%s: CSV file content must be an array of objects: %w", rel, ErrBadContent)
			}
			raw, err = EncodeCSV(rows)
			if err != nil {
				return fmt.Errorf("%s: %w", rel, err)
			}
		default:
			return fmt.Errorf("%s: file path must end with .json or .csv if content is not string: %w", rel, ErrBadContent)
		}
	}
	return s.writeAtomic(full, raw)
}

func asRows(v any) ([]map[string]any, bool) {
	switch rows := v.(type) {
	case []map[string]any:
		return rows, true
	case []any:
		out := make([]map[string]any, 0, len(rows))
		for _, r := range rows {
			m, ok := r.(map[string]any)
			if !ok {
				return nil, false
			}
			out = append(out, m)
		}
		return out, true
	}
	return nil, false
}

// writeAtomic writes through a temp file in the target directory so a
// crash never leaves a truncated document.
func (s *FileStore) writeAtomic(full string, raw []byte) error {
	dir := filepath.Dir(full)
	if err := s.fs.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to write file: create %s: %w", dir, err)
	}
	tmp, err := afero.TempFile(s.fs, dir, "."+filepath.Base(full)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}
	name := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		s.fs.Remove(name)
		return fmt.Errorf("failed to write file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		s.fs.Remove(name)
		return fmt.Errorf("failed to write file: %w", err)
	}
	if err := s.fs.Rename(name, full); err != nil {
		s.fs.Remove(name)
		return fmt.Errorf("failed to write file: %w", err)
	}
	return nil
}

func decode(rel string, raw []byte) (any, error) {
	switch path.Ext(rel) {
	case ".json":
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()
		var v any
		if err := dec.Decode(&v); err != nil {
			return nil, fmt.Errorf("decode %s: %w", rel, err)
		}
		return numbers(v), nil
	case ".csv":
		return DecodeCSV(raw)
	}
	return string(raw), nil
}

// numbers turns json.Number into int64 when integral, else float64.
func numbers(v any) any {
	switch x := v.(type) {
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i
		}
		f, _ := x.Float64()
		return f
	case map[string]any:
		for k, e := range x {
			x[k] = numbers(e)
		}
	case []any:
		for i, e := range x {
			x[i] = numbers(e)
		}
	}
	return v
}

// IsNotExist reports whether err means a missing document.
func IsNotExist(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, os.ErrNotExist)
}
