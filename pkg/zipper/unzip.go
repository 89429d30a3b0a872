package zipper

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Unzip extracts zippedFile into extractingDir, creating the directory if
// needed. Entries that would escape the target directory are rejected.
func Unzip(zippedFile string, extractingDir string) error {
	r, err := zip.OpenReader(zippedFile)
	if err != nil {
		return err
	}
	defer func() { _ = r.Close() }()

	if err := os.MkdirAll(extractingDir, os.ModePerm); err != nil {
		return err
	}

	for _, f := range r.File {
		if err := extractFile(f, extractingDir); err != nil {
			return err
		}
	}

	return nil
}

func extractFile(f *zip.File, extractingDir string) error {
	path := filepath.Join(extractingDir, f.Name)
	if !strings.HasPrefix(path, filepath.Clean(extractingDir)+string(os.PathSeparator)) {
		return fmt.Errorf("zip entry %q escapes extraction directory", f.Name)
	}

	if f.FileInfo().IsDir() {
		return os.MkdirAll(path, 0777)
	}

	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer func() { _ = rc.Close() }()

	if err := os.MkdirAll(filepath.Dir(path), 0777); err != nil {
		return err
	}

	out, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, f.Mode())
	if err != nil {
		return err
	}
	defer func() { _ = out.Close() }()

	_, err = io.Copy(out, rc)
	return err
}
