package server

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"hostvisor/internal/domain"
)

const maxReadSize = 10 * 1024 * 1024

type FileEntry struct {
	Name         string    `json:"name"`
	Path         string    `json:"path"`
	IsDirectory  bool      `json:"isDirectory"`
	Size         int64     `json:"size"`
	LastModified time.Time `json:"lastModified"`
}

// resolvePath maps a slash-separated path inside an instance directory to
// a host path, rejecting anything that would leave the directory.
func (m *Manager) resolvePath(op, instanceID, requestPath string) (string, error) {
	m.mu.RLock()
	inst, ok := m.instances[instanceID]
	var root string
	if ok {
		root = inst.Dir
	}
	m.mu.RUnlock()
	if !ok {
		return "", domain.NewOpError(op, instanceID, domain.ErrInstanceNotFound)
	}

	rel := filepath.Clean(strings.TrimLeft(filepath.FromSlash(requestPath), `/\`))
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(rel) {
		return "", domain.NewOpError(op, instanceID, fmt.Errorf("%w: path %q is outside the server directory", domain.ErrInvalidRequest, requestPath))
	}
	return filepath.Join(root, rel), nil
}

// ListFiles lists a directory inside the instance, directories first.
func (m *Manager) ListFiles(instanceID, requestPath string) ([]FileEntry, error) {
	fullPath, err := m.resolvePath("list files", instanceID, requestPath)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(fullPath)
	if err != nil {
		return nil, domain.NewOpError("list files", instanceID, err)
	}
	if !info.IsDir() {
		return nil, domain.NewOpError("list files", instanceID, fmt.Errorf("%w: %s is not a directory", domain.ErrInvalidRequest, requestPath))
	}

	entries, err := os.ReadDir(fullPath)
	if err != nil {
		return nil, domain.NewOpError("list files", instanceID, err)
	}

	files := make([]FileEntry, 0, len(entries))
	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil {
			continue
		}
		files = append(files, FileEntry{
			Name:         entry.Name(),
			Path:         "/" + strings.TrimPrefix(filepath.ToSlash(filepath.Join(requestPath, entry.Name())), "/"),
			IsDirectory:  entry.IsDir(),
			Size:         info.Size(),
			LastModified: info.ModTime(),
		})
	}

	sort.Slice(files, func(i, j int) bool {
		if files[i].IsDirectory != files[j].IsDirectory {
			return files[i].IsDirectory
		}
		return strings.ToLower(files[i].Name) < strings.ToLower(files[j].Name)
	})
	return files, nil
}

func (m *Manager) ReadFile(instanceID, requestPath string) ([]byte, error) {
	fullPath, err := m.resolvePath("read file", instanceID, requestPath)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(fullPath)
	if err != nil {
		return nil, domain.NewOpError("read file", instanceID, err)
	}
	if info.IsDir() {
		return nil, domain.NewOpError("read file", instanceID, fmt.Errorf("%w: cannot read a directory", domain.ErrInvalidRequest))
	}
	if info.Size() > maxReadSize {
		return nil, domain.NewOpError("read file", instanceID, fmt.Errorf("%w: file too large to read (max 10MB)", domain.ErrInvalidRequest))
	}

	data, err := os.ReadFile(fullPath)
	if err != nil {
		return nil, domain.NewOpError("read file", instanceID, err)
	}
	return data, nil
}

// WriteFile creates or replaces a file, creating parent directories.
func (m *Manager) WriteFile(instanceID, requestPath string, content []byte) error {
	fullPath, err := m.resolvePath("write file", instanceID, requestPath)
	if err != nil {
		return err
	}
	if strings.Trim(filepath.ToSlash(requestPath), "/") == "" {
		return domain.NewOpError("write file", instanceID, fmt.Errorf("%w: file path is required", domain.ErrInvalidRequest))
	}

	if err := os.MkdirAll(filepath.Dir(fullPath), 0755); err != nil {
		return domain.NewOpError("write file", instanceID, fmt.Errorf("failed to create directories: %w", err))
	}
	if err := os.WriteFile(fullPath, content, 0644); err != nil {
		return domain.NewOpError("write file", instanceID, err)
	}
	return nil
}

func (m *Manager) DeleteFile(instanceID, requestPath string) error {
	fullPath, err := m.resolvePath("delete file", instanceID, requestPath)
	if err != nil {
		return err
	}
	if strings.Trim(filepath.ToSlash(requestPath), "/") == "" {
		return domain.NewOpError("delete file", instanceID, fmt.Errorf("%w: refusing to delete the server directory", domain.ErrInvalidRequest))
	}
	if _, err := os.Stat(fullPath); err != nil {
		return domain.NewOpError("delete file", instanceID, err)
	}
	if err := os.RemoveAll(fullPath); err != nil {
		return domain.NewOpError("delete file", instanceID, err)
	}
	return nil
}
