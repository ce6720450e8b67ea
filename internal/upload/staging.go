// Package upload stages uploaded images on disk under unique names so
// concurrent requests never read each other's files.
package upload

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// AllowedExtensions are the file types the upload control accepts.
var AllowedExtensions = []string{".jpg", ".jpeg", ".png"}

// Allowed reports whether filename has one of AllowedExtensions.
func Allowed(filename string) bool {
	ext := strings.ToLower(filepath.Ext(filename))
	for _, a := range AllowedExtensions {
		if ext == a {
			return true
		}
	}
	return false
}

type Stager struct {
	dir string
}

func NewStager(dir string) (*Stager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "create upload dir %s", dir)
	}
	return &Stager{dir: dir}, nil
}

// File is a staged upload. Remove must be called once the request is done.
type File struct {
	Path string
}

func (f *File) Remove() error {
	if err := os.Remove(f.Path); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "remove staged file %s", f.Path)
	}
	return nil
}

// Stage copies r to a new file named <uuid><ext> in the staging directory.
func (s *Stager) Stage(r io.Reader, ext string) (*File, error) {
	path := filepath.Join(s.dir, uuid.New().String()+strings.ToLower(ext))

	out, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, errors.Wrap(err, "create staged file")
	}

	f := &File{Path: path}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		f.Remove()
		return nil, errors.Wrap(err, "write staged file")
	}
	if err := out.Close(); err != nil {
		f.Remove()
		return nil, errors.Wrap(err, "close staged file")
	}
	return f, nil
}
