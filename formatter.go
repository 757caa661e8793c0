package pipeline

import (
	"time"

	"github.com/fatih/color"
)

// PipelineFormatter interface for pretty output
type PipelineFormatter interface {
	PrintPhaseStart(phaseName string)
	PrintPhaseSkipped(phaseName string)
	PrintPhaseDone(phaseName string, duration time.Duration, progress Progress)
	PrintPhaseError(phaseName string, err error)
}

// ConsoleFormatter prints colorized phase progress to stdout.
type ConsoleFormatter struct{}

func NewConsoleFormatter() *ConsoleFormatter {
	return &ConsoleFormatter{}
}

func (f *ConsoleFormatter) PrintPhaseStart(phaseName string) {
	color.Blue("▶ %s", phaseName)
}

func (f *ConsoleFormatter) PrintPhaseSkipped(phaseName string) {
	color.Yellow("↷ %s (already completed)", phaseName)
}

func (f *ConsoleFormatter) PrintPhaseDone(phaseName string, duration time.Duration, progress Progress) {
	if progress.Total > 0 {
		color.Green("✓ %s (%d/%d items, %s)", phaseName, progress.Processed, progress.Total, duration.Round(time.Millisecond))
		return
	}
	color.Green("✓ %s (%s)", phaseName, duration.Round(time.Millisecond))
}

func (f *ConsoleFormatter) PrintPhaseError(phaseName string, err error) {
	color.Red("✗ %s: %v", phaseName, err)
}

// NullFormatter is a no-op implementation of PipelineFormatter.
type NullFormatter struct{}

func NewNullFormatter() *NullFormatter {
	return &NullFormatter{}
}

func (f *NullFormatter) PrintPhaseStart(phaseName string) {}

func (f *NullFormatter) PrintPhaseSkipped(phaseName string) {}

func (f *NullFormatter) PrintPhaseDone(phaseName string, duration time.Duration, progress Progress) {}

func (f *NullFormatter) PrintPhaseError(phaseName string, err error) {}
