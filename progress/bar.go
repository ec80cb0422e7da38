package progress

import (
	"fmt"
	"io"
	"time"

	"github.com/Dyastin-0/zipline/core"
	"github.com/k0kubun/go-ansi"
	"github.com/schollz/progressbar/v3"
)

// DefaultBar is the single-line bar used when one transfer owns the
// terminal.
func DefaultBar(w io.Writer, maxBytes int64, desc string) *progressbar.ProgressBar {
	if w == nil {
		w = ansi.NewAnsiStdout()
	}

	return progressbar.NewOptions64(
		maxBytes,
		progressbar.OptionSetWriter(w),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "[green]=[reset]",
			SaucerHead:    "[green]>[reset]",
			SaucerPadding: " ",
			BarStart:      "[",
			BarEnd:        "]",
		}),
		progressbar.OptionSetDescription(desc),
		progressbar.OptionShowTotalBytes(true),
		progressbar.OptionShowBytes(true),
		progressbar.OptionFullWidth(),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionShowCount(),
		progressbar.OptionOnCompletion(func() {
			fmt.Fprint(w, "\n")
		}),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionSetRenderBlankState(true),
	)
}

// Single follows the first session it sees and ignores the rest.
type Single struct {
	w   io.Writer
	id  string
	bar *progressbar.ProgressBar
}

func NewSingle(w io.Writer) *Single {
	return &Single{w: w}
}

func (s *Single) Handle(ev core.Event) {
	switch ev.Kind {
	case core.EventStarted:
		s.Follow(ev.Session)

	case core.EventProgress:
		if s.bar == nil || ev.Session.ID != s.id {
			return
		}
		s.bar.Set64(ev.Session.TransferredSize)

	case core.EventCompleted:
		if s.bar == nil || ev.Session.ID != s.id {
			return
		}
		s.bar.Set64(ev.Session.TransferredSize)
		s.bar.Finish()

	case core.EventFailed:
		if s.bar == nil || ev.Session.ID != s.id {
			return
		}
		s.bar.Exit()
	}
}

// Follow starts the bar from a snapshot taken mid-session.
func (s *Single) Follow(session core.Session) {
	if s.bar != nil {
		return
	}

	s.id = session.ID
	s.bar = DefaultBar(s.w, session.TotalSize, describe(session))

	switch session.Status {
	case core.StatusCompleted:
		s.bar.Set64(session.TransferredSize)
		s.bar.Finish()
	case core.StatusFailed, core.StatusCancelled:
		s.bar.Exit()
	default:
		s.bar.Set64(session.TransferredSize)
	}
}

// Finished reports whether the followed session completed.
func (s *Single) Finished() bool {
	return s.bar != nil && s.bar.IsFinished()
}

func describe(s core.Session) string {
	if s.TotalFiles == 1 && len(s.Items) == 1 {
		return s.Items[0].Name
	}
	return fmt.Sprintf("%d items", s.TotalFiles)
}
