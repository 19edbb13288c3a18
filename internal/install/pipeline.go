// Package install runs a template's install steps against an instance
// directory.
package install

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/rs/zerolog"

	"hostvisor/internal/archive"
	"hostvisor/internal/domain"
	"hostvisor/internal/template"
)

// Files is the subset of the archive provider the pipeline needs.
type Files interface {
	Download(ctx context.Context, url, destPath string, progress archive.ProgressFunc) error
	Extract(ctx context.Context, archivePath, destDir string) error
}

// StepError reports the step that aborted a run. It matches
// domain.ErrInstallStepFailed and unwraps to the step's cause.
type StepError struct {
	Index int
	Step  template.InstallStep
	Err   error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("install step %d (%s) failed: %v", e.Index, e.Step.Type, e.Err)
}

func (e *StepError) Unwrap() []error {
	return []error{domain.ErrInstallStepFailed, e.Err}
}

type Pipeline struct {
	files     Files
	assetsDir string
	log       zerolog.Logger
}

// NewPipeline returns a pipeline resolving relative copy sources against
// assetsDir.
func NewPipeline(files Files, assetsDir string, log zerolog.Logger) *Pipeline {
	return &Pipeline{files: files, assetsDir: assetsDir, log: log}
}

// Run applies steps to dir in order and stops at the first failure. Files
// written by earlier steps are left in place.
func (p *Pipeline) Run(ctx context.Context, dir string, steps []template.InstallStep, progress chan<- domain.ProgressEvent) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return &StepError{Index: 0, Err: err}
	}

	for i, step := range steps {
		domain.SendProgress(progress, domain.ProgressEvent{
			Message:  describe(step),
			Progress: float64(i) / float64(len(steps)) * 100,
		})
		p.log.Debug().Int("step", i).Str("type", string(step.Type)).Str("dir", dir).Msg("running install step")

		if err := p.runStep(ctx, dir, step, progress); err != nil {
			p.log.Error().Err(err).Int("step", i).Str("type", string(step.Type)).Msg("install step failed")
			return &StepError{Index: i, Step: step, Err: err}
		}
	}

	domain.SendProgress(progress, domain.ProgressEvent{Message: "Installation completed", Progress: 100})
	return nil
}

func (p *Pipeline) runStep(ctx context.Context, dir string, step template.InstallStep, progress chan<- domain.ProgressEvent) error {
	if err := step.Validate(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	switch step.Type {
	case template.StepDownload:
		dest := filepath.Join(dir, step.Dest)
		return p.files.Download(ctx, step.URL, dest, func(current, total int64) {
			ev := domain.ProgressEvent{
				Message:      "Downloading " + step.Dest,
				CurrentBytes: current,
				TotalBytes:   total,
			}
			if total > 0 {
				ev.Progress = float64(current) / float64(total) * 100
			}
			domain.SendProgress(progress, ev)
		})
	case template.StepExtract:
		return p.files.Extract(ctx, filepath.Join(dir, step.Archive), dir)
	case template.StepExecute:
		return p.execute(ctx, dir, step)
	case template.StepCopy:
		return copyFile(p.resolveSource(step.Source), filepath.Join(dir, step.Dest))
	case template.StepEdit:
		return writeFile(filepath.Join(dir, step.File), step.Content)
	}
	return fmt.Errorf("unknown step type %q", step.Type)
}

func (p *Pipeline) execute(ctx context.Context, dir string, step template.InstallStep) error {
	cmd := exec.CommandContext(ctx, step.Command, step.Args...)
	cmd.Dir = dir

	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw

	done := make(chan struct{})
	go func() {
		defer close(done)
		scanner := bufio.NewScanner(pr)
		for scanner.Scan() {
			p.log.Debug().Str("command", step.Command).Msg(scanner.Text())
		}
		_, _ = io.Copy(io.Discard, pr)
	}()

	err := cmd.Run()
	_ = pw.Close()
	<-done

	if err != nil {
		return fmt.Errorf("%s: %w", step.Command, err)
	}
	return nil
}

func (p *Pipeline) resolveSource(source string) string {
	if filepath.IsAbs(source) || p.assetsDir == "" {
		return source
	}
	return filepath.Join(p.assetsDir, source)
}

func describe(step template.InstallStep) string {
	switch step.Type {
	case template.StepDownload:
		return "Downloading " + step.Dest
	case template.StepExtract:
		return "Extracting " + step.Archive
	case template.StepExecute:
		return "Running " + step.Command
	case template.StepCopy:
		return "Copying " + step.Dest
	case template.StepEdit:
		return "Writing " + step.File
	}
	return string(step.Type)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

func writeFile(path, content string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(content), 0644)
}
