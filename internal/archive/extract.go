package archive

import (
	"archive/tar"
	"archive/zip"
	"bufio"
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"hostvisor/internal/domain"
)

type format int

const (
	formatUnknown format = iota
	formatZip
	formatTar
	formatTarGz
)

// Extract expands a zip, tar or gzip-compressed tar archive into destDir.
// Errors match domain.ErrExtractFailed.
func (p *Provider) Extract(ctx context.Context, archivePath, destDir string) error {
	if err := extract(ctx, archivePath, destDir); err != nil {
		return fmt.Errorf("%w: %s: %v", domain.ErrExtractFailed, filepath.Base(archivePath), err)
	}
	return nil
}

func extract(ctx context.Context, archivePath, destDir string) error {
	f, err := detectFormat(archivePath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(destDir, 0755); err != nil {
		return err
	}
	switch f {
	case formatZip:
		return unzip(ctx, archivePath, destDir)
	case formatTar, formatTarGz:
		return untar(ctx, archivePath, destDir, f == formatTarGz)
	default:
		return errors.New("unsupported archive format")
	}
}

func detectFormat(path string) (format, error) {
	name := strings.ToLower(path)
	switch {
	case strings.HasSuffix(name, ".zip"), strings.HasSuffix(name, ".jar"):
		return formatZip, nil
	case strings.HasSuffix(name, ".tar.gz"), strings.HasSuffix(name, ".tgz"):
		return formatTarGz, nil
	case strings.HasSuffix(name, ".tar"):
		return formatTar, nil
	}

	file, err := os.Open(path)
	if err != nil {
		return formatUnknown, err
	}
	defer file.Close()

	head := make([]byte, 512)
	n, _ := io.ReadFull(file, head)
	head = head[:n]
	switch {
	case bytes.HasPrefix(head, []byte("PK\x03\x04")):
		return formatZip, nil
	case bytes.HasPrefix(head, []byte{0x1f, 0x8b}):
		return formatTarGz, nil
	case len(head) > 262 && string(head[257:262]) == "ustar":
		return formatTar, nil
	}
	return formatUnknown, nil
}

// safeJoin resolves name inside dest, rejecting entries that escape it.
func safeJoin(dest, name string) (string, error) {
	target := filepath.Join(dest, name)
	if target != filepath.Clean(dest) && !strings.HasPrefix(target, filepath.Clean(dest)+string(os.PathSeparator)) {
		return "", fmt.Errorf("%s: illegal file path", name)
	}
	return target, nil
}

func unzip(ctx context.Context, src, dest string) error {
	r, err := zip.OpenReader(src)
	if err != nil {
		return err
	}
	defer r.Close()

	for _, f := range r.File {
		if err := ctx.Err(); err != nil {
			return err
		}

		fpath, err := safeJoin(dest, f.Name)
		if err != nil {
			return err
		}

		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(fpath, 0755); err != nil {
				return err
			}
			continue
		}

		if err := os.MkdirAll(filepath.Dir(fpath), 0755); err != nil {
			return err
		}

		rc, err := f.Open()
		if err != nil {
			return err
		}
		err = writeFile(fpath, rc, f.Mode().Perm())
		rc.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

func untar(ctx context.Context, src, dest string, gzipped bool) error {
	file, err := os.Open(src)
	if err != nil {
		return err
	}
	defer file.Close()

	var r io.Reader = bufio.NewReader(file)
	if gzipped {
		gz, err := gzip.NewReader(r)
		if err != nil {
			return err
		}
		defer gz.Close()
		r = gz
	}

	tr := tar.NewReader(r)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		header, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		target, err := safeJoin(dest, header.Name)
		if err != nil {
			return err
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return err
			}
			if err := writeFile(target, tr, os.FileMode(header.Mode).Perm()); err != nil {
				return err
			}
		case tar.TypeSymlink:
			if _, err := safeJoin(dest, filepath.Join(filepath.Dir(header.Name), header.Linkname)); err != nil {
				return err
			}
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return err
			}
			_ = os.Remove(target)
			if err := os.Symlink(header.Linkname, target); err != nil {
				return err
			}
		}
	}
}

func writeFile(path string, r io.Reader, mode os.FileMode) error {
	if mode == 0 {
		mode = 0644
	}
	out, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
