package artifact

import (
	"archive/zip"
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/fentz26/coderelay/internal/models"
)

// ErrTooManyCollisions is returned when every candidate archive name is taken.
var ErrTooManyCollisions = errors.New("too many archive name collisions")

// maxSuffix bounds the name(N).zip search.
var maxSuffix = 9999

// Archive zips every regular file below artifactDir and writes the archive
// next to it in baseDir. A tree without files is not an error: the outcome
// reports Archived false and nothing is written.
func Archive(artifactDir, baseDir string) (*models.ArchiveOutcome, error) {
	out := &models.ArchiveOutcome{ProducedArtifactDirectory: artifactDir}

	// archives from earlier runs sit in baseDir; never pack them again
	skip := func(rel string) bool {
		return filepath.Clean(artifactDir) == filepath.Clean(baseDir) &&
			!strings.Contains(filepath.ToSlash(rel), "/") &&
			strings.EqualFold(filepath.Ext(rel), ".zip")
	}

	found, err := hasFiles(artifactDir, skip)
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", artifactDir, err)
	}
	if !found {
		return out, nil
	}

	data, err := zipTree(artifactDir, skip)
	if err != nil {
		return nil, fmt.Errorf("zip %s: %w", artifactDir, err)
	}

	path, err := persist(baseDir, filepath.Base(artifactDir), data)
	if err != nil {
		return nil, err
	}

	out.Archived = true
	out.ArchiveBytes = data
	out.ArchivePath = path
	return out, nil
}

var errFound = errors.New("found")

func hasFiles(root string, skip func(string) bool) (bool, error) {
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		if skip(rel) {
			return nil
		}
		return errFound
	})
	if errors.Is(err, errFound) {
		return true, nil
	}
	return false, err
}

func zipTree(root string, skip func(string) bool) ([]byte, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		if skip(rel) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		hdr, err := zip.FileInfoHeader(info)
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		hdr.Method = zip.Deflate

		w, err := zw.CreateHeader(hdr)
		if err != nil {
			return err
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(w, f)
		return err
	})
	if err != nil {
		zw.Close()
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// persist writes data to baseDir/name.zip, or name(N).zip when taken.
func persist(baseDir, name string, data []byte) (string, error) {
	for i := 0; i <= maxSuffix; i++ {
		file := name + ".zip"
		if i > 0 {
			file = fmt.Sprintf("%s(%d).zip", name, i)
		}
		path := filepath.Join(baseDir, file)

		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if errors.Is(err, fs.ErrExist) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("create archive: %w", err)
		}
		if _, err := f.Write(data); err != nil {
			f.Close()
			os.Remove(path)
			return "", fmt.Errorf("write archive: %w", err)
		}
		if err := f.Close(); err != nil {
			os.Remove(path)
			return "", fmt.Errorf("close archive: %w", err)
		}
		return path, nil
	}
	return "", fmt.Errorf("%s.zip in %s: %w", name, baseDir, ErrTooManyCollisions)
}
