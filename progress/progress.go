// Package progress renders transfer sessions from registry events.
package progress

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/Dyastin-0/zipline/core"
	"github.com/dustin/go-humanize"
	"github.com/mattn/go-runewidth"
	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"
)

// Handler consumes registry events.
type Handler interface {
	Handle(ev core.Event)
}

// Track feeds events to h until the channel closes or ctx is done.
func Track(ctx context.Context, events <-chan core.Event, h Handler) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			h.Handle(ev)
		}
	}
}

type sessionBar struct {
	bar   *mpb.Bar
	speed atomic.Uint64
}

// Progress draws one bar per session, so concurrent receives each get
// their own line.
type Progress struct {
	progress *mpb.Progress

	mu   sync.Mutex
	bars map[string]*sessionBar
}

func New(w io.Writer) *Progress {
	opts := []mpb.ContainerOption{mpb.WithWidth(40)}
	if w != nil {
		opts = append(opts, mpb.WithOutput(w))
	}

	return &Progress{
		progress: mpb.New(opts...),
		bars:     make(map[string]*sessionBar),
	}
}

func (p *Progress) Handle(ev core.Event) {
	switch ev.Kind {
	case core.EventStarted:
		p.start(ev.Session)
	case core.EventProgress:
		p.update(ev.Session)
	case core.EventCompleted:
		p.complete(ev.Session)
	case core.EventFailed:
		p.abort(ev.Session)
	}
}

func (p *Progress) start(s core.Session) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.bars[s.ID]; ok {
		return
	}

	sb := &sessionBar{}
	sb.bar = p.progress.AddBar(s.TotalSize,
		mpb.PrependDecorators(
			decor.Name(label(s), decor.WC{W: 24, C: decor.DindentRight}),
			decor.CountersKibiByte("% .2f / % .2f", decor.WCSyncWidth),
		),
		mpb.AppendDecorators(
			decor.Percentage(decor.WC{W: 6}),
			decor.Any(func(decor.Statistics) string {
				return humanize.Bytes(sb.speed.Load()) + "/s"
			}, decor.WC{W: 12, C: decor.DindentRight}),
			decor.Elapsed(decor.ET_STYLE_GO, decor.WC{W: 8}),
		),
	)
	p.bars[s.ID] = sb
}

func (p *Progress) update(s core.Session) {
	p.mu.Lock()
	sb, ok := p.bars[s.ID]
	p.mu.Unlock()

	if !ok {
		return
	}

	sb.speed.Store(uint64(s.CurrentSpeed))
	sb.bar.SetCurrent(s.TransferredSize)
}

func (p *Progress) complete(s core.Session) {
	sb := p.take(s.ID)
	if sb == nil {
		return
	}

	sb.speed.Store(0)
	sb.bar.SetCurrent(s.TransferredSize)
	sb.bar.SetTotal(-1, true)
}

func (p *Progress) abort(s core.Session) {
	sb := p.take(s.ID)
	if sb == nil {
		return
	}
	sb.bar.Abort(false)
}

func (p *Progress) take(id string) *sessionBar {
	p.mu.Lock()
	defer p.mu.Unlock()

	sb, ok := p.bars[id]
	if !ok {
		return nil
	}
	delete(p.bars, id)
	return sb
}

// Active reports how many sessions still have a bar.
func (p *Progress) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.bars)
}

// Wait aborts bars still running and waits for the last render.
func (p *Progress) Wait() {
	p.mu.Lock()
	for id, sb := range p.bars {
		sb.bar.Abort(false)
		delete(p.bars, id)
	}
	p.mu.Unlock()

	p.progress.Wait()
}

// labelWidth is the widest peer name shown in a bar, in terminal cells.
const labelWidth = 20

func label(s core.Session) string {
	arrow := "<-"
	if s.Direction == core.DirectionSending {
		arrow = "->"
	}

	name := s.Peer.Name
	if name == "" {
		name = s.Peer.Address
	}
	return fmt.Sprintf("%s %s", arrow, runewidth.Truncate(name, labelWidth, "~"))
}
