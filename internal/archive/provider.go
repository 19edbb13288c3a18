// Package archive implements the file and archive operations used by
// installs and backups: downloads, archive extraction and zip creation.
package archive

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"hostvisor/internal/domain"
)

type Provider struct {
	client *http.Client
}

// NewProvider returns a provider using client for downloads, or a default
// client when nil. Downloads are bounded by the caller's context.
func NewProvider(client *http.Client) *Provider {
	if client == nil {
		client = &http.Client{}
	}
	return &Provider{client: client}
}

// Download fetches url into destPath. Errors match domain.ErrDownloadFailed.
// A partially written file is removed.
func (p *Provider) Download(ctx context.Context, url, destPath string, progress ProgressFunc) error {
	if err := p.download(ctx, url, destPath, progress); err != nil {
		_ = os.Remove(destPath)
		return fmt.Errorf("%w: %s: %v", domain.ErrDownloadFailed, url, err)
	}
	return nil
}

func (p *Provider) download(ctx context.Context, url, destPath string, progress ProgressFunc) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", "hostvisor")

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
		return err
	}
	out, err := os.Create(destPath)
	if err != nil {
		return err
	}

	reader := &ProgressReader{
		Reader:   resp.Body,
		Total:    resp.ContentLength,
		Progress: progress,
	}
	if _, err := io.Copy(out, reader); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
