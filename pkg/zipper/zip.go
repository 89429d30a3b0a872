package zipper

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// ZipDirectory archives the whole directory tree into outputFilename,
// preserving relative paths.
func ZipDirectory(directory, outputFilename string) error {
	return zipWithFilter(directory, outputFilename, nil)
}

// ZipFilesWithPrefixes archives only the entries whose path relative to
// directory starts with one of the given prefixes.
func ZipFilesWithPrefixes(directory, outputFilename string, prefixes []string) error {
	return zipWithFilter(directory, outputFilename, func(relPath string) bool {
		for _, prefix := range prefixes {
			if strings.HasPrefix(relPath, prefix) {
				return true
			}
		}
		return false
	})
}

func zipWithFilter(directory, outputFilename string, include func(relPath string) bool) error {
	outFile, err := os.Create(outputFilename)
	if err != nil {
		return fmt.Errorf("error creating output file: %v", err)
	}
	defer outFile.Close()

	zipWriter := zip.NewWriter(outFile)
	defer zipWriter.Close()

	return filepath.Walk(directory, func(filePath string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		relPath, err := filepath.Rel(directory, filePath)
		if err != nil {
			return err
		}

		// The walk root itself has no place in the archive.
		if relPath == "." {
			return nil
		}

		if include != nil && !include(relPath) {
			return nil
		}

		header, err := zip.FileInfoHeader(info)
		if err != nil {
			return err
		}

		// Relative path as the header name preserves folder structure.
		header.Name = relPath
		if info.IsDir() {
			header.Name += "/"
		}

		zipFile, err := zipWriter.CreateHeader(header)
		if err != nil {
			return err
		}

		// Directories are just metadata in zip files.
		if info.IsDir() {
			return nil
		}

		fsFile, err := os.Open(filePath)
		if err != nil {
			return err
		}
		defer fsFile.Close()

		_, err = io.Copy(zipFile, fsFile)
		return err
	})
}
