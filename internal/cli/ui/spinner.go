package ui

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/briandowns/spinner"
	"github.com/fatih/color"
)

// StepSpinner shows a spinner next to a long-running step and prints a
// final ✓ or ✗ line when it stops.
type StepSpinner struct {
	spinner *spinner.Spinner
	out     io.Writer
	step    string
}

func NewStepSpinner(prefix string) *StepSpinner {
	s := spinner.New(spinner.CharSets[11], 100*time.Millisecond, spinner.WithWriter(os.Stderr))
	if prefix != "" {
		s.Prefix = fmt.Sprintf("[%s] ", prefix)
	}
	return &StepSpinner{spinner: s, out: os.Stderr}
}

func (s *StepSpinner) Start(step string) {
	s.step = step
	s.spinner.Suffix = " " + step
	s.spinner.Start()
}

// Update replaces the text shown next to the spinner.
func (s *StepSpinner) Update(text string) {
	s.spinner.Lock()
	s.spinner.Suffix = " " + text
	s.spinner.Unlock()
}

func (s *StepSpinner) Stop(success bool) {
	s.spinner.Stop()
	if success {
		fmt.Fprintf(s.out, "%s%s %s\n", s.spinner.Prefix, color.GreenString("✓"), s.step)
	} else {
		fmt.Fprintf(s.out, "%s%s %s\n", s.spinner.Prefix, color.RedString("✗"), s.step)
	}
}
