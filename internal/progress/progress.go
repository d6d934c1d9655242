// Package progress wraps the progress bar shown during bulk runs.
package progress

import (
	"os"

	"github.com/schollz/progressbar/v3"
)

// Bar is a nil-safe progress bar. A disabled Bar swallows all calls so
// callers never have to branch on whether progress output is wanted.
type Bar struct {
	bar *progressbar.ProgressBar
}

func New(n int, enabled bool) *Bar {
	if !enabled {
		return &Bar{}
	}

	return &Bar{bar: progressbar.NewOptions(n,
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowCount(),
		progressbar.OptionSetWidth(30),
		progressbar.OptionClearOnFinish(),
	)}
}

func (b *Bar) Describe(description string) {
	if b == nil || b.bar == nil {
		return
	}
	b.bar.Describe(description)
}

func (b *Bar) Add(n int) {
	if b == nil || b.bar == nil {
		return
	}
	_ = b.bar.Add(n)
}

func (b *Bar) Finish() {
	if b == nil || b.bar == nil {
		return
	}
	_ = b.bar.Finish()
}
