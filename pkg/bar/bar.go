// Package bar builds the progress bars shown by the command line tools.
package bar

import (
	"io"
	"os"

	"github.com/k0kubun/go-ansi"
	"github.com/schollz/progressbar/v3"
)

// New returns a frame counter writing to w. A length of -1 renders a spinner
// for streams of unknown size.
func New(w io.Writer, length int, text string) *progressbar.ProgressBar {
	switch w {
	case os.Stdout:
		w = ansi.NewAnsiStdout()
	case os.Stderr:
		w = ansi.NewAnsiStderr()
	}
	return progressbar.NewOptions(
		length,
		progressbar.OptionSetWriter(w),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("frames"),
		progressbar.OptionSetWidth(20),
		progressbar.OptionSetDescription(text),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "[green]=[reset]",
			SaucerHead:    "[green]>[reset]",
			SaucerPadding: " ",
			BarStart:      "[",
			BarEnd:        "]",
		}),
	)
}
