package archive

import (
	"archive/zip"
	"context"
	"io"
	"os"
	"path/filepath"
)

// Archive writes the contents of sourceDir as a zip file at destPath and
// returns the size of the written archive. destPath is not removed on
// failure; callers write to a temporary path and rename.
func (p *Provider) Archive(ctx context.Context, sourceDir, destPath string, progress ProgressFunc) (int64, error) {
	var totalSize int64
	_ = filepath.Walk(sourceDir, func(path string, info os.FileInfo, err error) error {
		if err == nil && !info.IsDir() {
			totalSize += info.Size()
		}
		return nil
	})

	out, err := os.Create(destPath)
	if err != nil {
		return 0, err
	}

	zipWriter := zip.NewWriter(out)
	var processedSize int64

	walkErr := filepath.Walk(sourceDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		relPath, err := filepath.Rel(sourceDir, path)
		if err != nil {
			return err
		}
		if relPath == "." {
			return nil
		}
		if !info.IsDir() && !info.Mode().IsRegular() {
			return nil
		}

		header, err := zip.FileInfoHeader(info)
		if err != nil {
			return err
		}
		header.Name = filepath.ToSlash(relPath)
		if info.IsDir() {
			header.Name += "/"
		} else {
			header.Method = zip.Deflate
		}

		writer, err := zipWriter.CreateHeader(header)
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}

		file, err := os.Open(path)
		if err != nil {
			return err
		}
		defer file.Close()

		reader := &ProgressReader{Reader: file, Current: processedSize, Total: totalSize, Progress: progress}
		if _, err := io.Copy(writer, reader); err != nil {
			return err
		}
		processedSize = reader.Current
		return nil
	})

	zipErr := zipWriter.Close()
	fileErr := out.Close()

	switch {
	case walkErr != nil:
		return 0, walkErr
	case zipErr != nil:
		return 0, zipErr
	case fileErr != nil:
		return 0, fileErr
	}

	info, err := os.Stat(destPath)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}
