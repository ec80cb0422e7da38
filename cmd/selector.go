package cmd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/Dyastin-0/zipline/core"
	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
)

const PAGESIZE = 25

var (
	selectedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	dirStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("12"))
	pageStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	staleStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))

	ErrCanceled = errors.New("canceled")
)

const (
	optFilter   = "\x00filter"
	optPageInfo = "\x00page_info"
	optPrev     = "\x00prev_page"
	optNext     = "\x00next_page"
	optAll      = "\x00select_all"
	optDone     = "\x00done"
	optCancel   = "\x00cancel"
)

// pager holds the filter and page shared by both selectors.
type pager struct {
	filter string
	page   int
}

// window clamps the page and returns the slice bounds for n items.
func (p *pager) window(n int) (start, end, pages int) {
	pages = max((n+PAGESIZE-1)/PAGESIZE, 1)
	p.page = min(max(p.page, 0), pages-1)

	start = p.page * PAGESIZE
	end = min(start+PAGESIZE, n)
	return start, end, pages
}

func (p *pager) navigation(n int, noun string) []huh.Option[string] {
	filterText := "Filter " + noun
	if p.filter != "" {
		filterText = fmt.Sprintf("Filter: '%s'", p.filter)
	}
	options := []huh.Option[string]{huh.NewOption(filterText, optFilter)}

	_, _, pages := p.window(n)
	if pages > 1 {
		info := fmt.Sprintf("Page %d of %d (%d %s)", p.page+1, pages, n, noun)
		options = append(options, huh.NewOption(pageStyle.Render(info), optPageInfo))

		if p.page > 0 {
			options = append(options, huh.NewOption("<-", optPrev))
		}
		if p.page < pages-1 {
			options = append(options, huh.NewOption("->", optNext))
		}
	}
	return options
}

// handle applies a navigation choice and reports whether it was one.
func (p *pager) handle(choice, noun string) (bool, error) {
	switch choice {
	case optFilter:
		var filter string
		err := huh.NewInput().
			Title(fmt.Sprintf("Filter %s:", noun)).
			Value(&filter).
			Placeholder(p.filter).
			Run()
		if err != nil {
			return true, err
		}
		p.filter = strings.TrimSpace(filter)
		p.page = 0
	case optPrev:
		p.page--
	case optNext:
		p.page++
	case optPageInfo:
	default:
		return false, nil
	}
	return true, nil
}

// PeerSelector picks one or more peers. The list is re-read on every
// redraw so peers that appear meanwhile show up.
type PeerSelector struct {
	pager

	source   func() []core.Peer
	Selected map[string]core.Peer
	now      func() time.Time
}

func NewPeerSelector(source func() []core.Peer) *PeerSelector {
	return &PeerSelector{
		source:   source,
		Selected: make(map[string]core.Peer),
		now:      time.Now,
	}
}

func (p *PeerSelector) filteredPeers() []core.Peer {
	var peers []core.Peer
	for _, peer := range p.source() {
		if p.filter == "" || peer.Matches(p.filter) {
			peers = append(peers, peer)
		}
	}

	sort.Slice(peers, func(i, j int) bool {
		a, b := strings.ToLower(peers[i].Name), strings.ToLower(peers[j].Name)
		if a != b {
			return a < b
		}
		return peers[i].ID < peers[j].ID
	})
	return peers
}

func (p *PeerSelector) formatPeerOption(peer core.Peer, staleAfter time.Duration) string {
	prefix := ""
	if _, ok := p.Selected[peer.ID]; ok {
		prefix = selectedStyle.Render("✓ ")
	}

	text := fmt.Sprintf("%s%-24s %-21s %-10s %s",
		prefix,
		truncate(peer.Name, 24),
		truncate(fmt.Sprintf("%s:%d", peer.Address, peer.Port), 21),
		peer.ConnectionType,
		humanize.RelTime(peer.LastSeen, p.now(), "ago", "from now"),
	)

	if staleAfter > 0 && p.now().Sub(peer.LastSeen) > staleAfter {
		text = staleStyle.Render(text)
	}
	return text
}

func (p *PeerSelector) Run() error {
	for {
		peers := p.filteredPeers()
		start, end, _ := p.window(len(peers))

		options := p.navigation(len(peers), "peers")
		for _, peer := range peers[start:end] {
			options = append(options, huh.NewOption(p.formatPeerOption(peer, core.DefaultHeartbeatInterval), peer.ID))
		}
		options = append(options,
			huh.NewOption("All", optAll),
			huh.NewOption("Done", optDone),
			huh.NewOption("Cancel", optCancel),
		)

		title := fmt.Sprintf("Choose peers (%d selected):", len(p.Selected))
		if p.filter != "" {
			title += fmt.Sprintf(" [Filter: %s]", p.filter)
		}

		var choice string
		err := huh.NewSelect[string]().
			Title(title).
			Options(options...).
			Value(&choice).
			Height(20).
			Run()
		if err != nil {
			return err
		}

		if handled, err := p.handle(choice, "peers"); handled {
			if err != nil {
				return err
			}
			continue
		}

		switch choice {
		case optCancel:
			return ErrCanceled
		case optDone:
			return nil
		case optAll:
			p.toggleAll(peers)
		default:
			p.Toggle(peers, choice)
		}
	}
}

func (p *PeerSelector) Toggle(peers []core.Peer, id string) {
	if _, ok := p.Selected[id]; ok {
		delete(p.Selected, id)
		return
	}

	for _, peer := range peers {
		if peer.ID == id {
			p.Selected[id] = peer
			return
		}
	}
}

func (p *PeerSelector) toggleAll(peers []core.Peer) {
	for _, peer := range peers {
		p.Toggle(peers, peer.ID)
	}
}

func (p *PeerSelector) SelectedPeers() []core.Peer {
	peers := make([]core.Peer, 0, len(p.Selected))
	for _, peer := range p.Selected {
		peers = append(peers, peer)
	}

	sort.Slice(peers, func(i, j int) bool {
		return peers[i].ID < peers[j].ID
	})
	return peers
}

// FileSelector browses directories and picks files and folders. A chosen
// folder is sent whole.
type FileSelector struct {
	pager

	dir      string
	Selected map[string]os.FileInfo
}

func NewFileSelector(dir string) *FileSelector {
	abs, err := filepath.Abs(dir)
	if err != nil {
		abs = dir
	}

	return &FileSelector{
		dir:      abs,
		Selected: make(map[string]os.FileInfo),
	}
}

func (f *FileSelector) filteredEntries() ([]os.DirEntry, error) {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, err
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].IsDir() != entries[j].IsDir() {
			return entries[i].IsDir()
		}
		return strings.ToLower(entries[i].Name()) < strings.ToLower(entries[j].Name())
	})

	if f.filter == "" {
		return entries, nil
	}

	lower := strings.ToLower(f.filter)
	filtered := make([]os.DirEntry, 0, len(entries))
	for _, entry := range entries {
		if strings.Contains(strings.ToLower(entry.Name()), lower) {
			filtered = append(filtered, entry)
		}
	}
	return filtered, nil
}

func (f *FileSelector) Run() error {
	for {
		entries, err := f.filteredEntries()
		if err != nil {
			return err
		}
		start, end, _ := f.window(len(entries))

		var options []huh.Option[string]
		if parent := filepath.Dir(f.dir); parent != f.dir {
			options = append(options, huh.NewOption("../", parent))
		}
		options = append(options, f.navigation(len(entries), "files")...)

		for _, entry := range entries[start:end] {
			path := filepath.Join(f.dir, entry.Name())
			name := entry.Name()
			if entry.IsDir() {
				name = dirStyle.Render(name + "/")
			}
			if _, ok := f.Selected[path]; ok {
				name = selectedStyle.Render("✓ " + name)
			}
			options = append(options, huh.NewOption(name, path))
		}

		options = append(options,
			huh.NewOption("Done", optDone),
			huh.NewOption("Cancel", optCancel),
		)

		title := fmt.Sprintf("Choose files (%d selected, %s):", len(f.Selected), humanize.Bytes(uint64(f.SelectedBytes())))
		if f.filter != "" {
			title += fmt.Sprintf(" [Filter: %s]", f.filter)
		}

		var choice string
		err = huh.NewSelect[string]().
			Title(title).
			Options(options...).
			Value(&choice).
			Height(20).
			Run()
		if err != nil {
			return err
		}

		if handled, err := f.handle(choice, "files"); handled {
			if err != nil {
				return err
			}
			continue
		}

		switch choice {
		case optCancel:
			return ErrCanceled
		case optDone:
			return nil
		default:
			if err := f.choose(choice); err != nil {
				return err
			}
		}
	}
}

func (f *FileSelector) choose(path string) error {
	stat, err := os.Stat(path)
	if err != nil {
		return nil
	}

	if !stat.IsDir() || path == filepath.Dir(f.dir) {
		if stat.IsDir() {
			f.cd(path)
			return nil
		}
		f.Toggle(path, stat)
		return nil
	}

	var action string
	err = huh.NewSelect[string]().
		Title(fmt.Sprintf("Directory: %s", filepath.Base(path))).
		Options(
			huh.NewOption("Open", "open"),
			huh.NewOption("Select folder", "select"),
			huh.NewOption("Back", "back"),
		).
		Value(&action).
		Run()
	if err != nil {
		return nil
	}

	switch action {
	case "open":
		f.cd(path)
	case "select":
		f.Toggle(path, stat)
	}
	return nil
}

func (f *FileSelector) cd(dir string) {
	f.dir = dir
	f.page = 0
	f.filter = ""
}

func (f *FileSelector) Toggle(path string, stat os.FileInfo) {
	if _, ok := f.Selected[path]; ok {
		delete(f.Selected, path)
		return
	}
	f.Selected[path] = stat
}

// SelectedBytes counts files only; folders are sized when walked.
func (f *FileSelector) SelectedBytes() int64 {
	var n int64
	for _, stat := range f.Selected {
		if !stat.IsDir() {
			n += stat.Size()
		}
	}
	return n
}

func (f *FileSelector) SelectedPaths() []string {
	paths := make([]string, 0, len(f.Selected))
	for path := range f.Selected {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	return paths
}

func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	if max <= 3 {
		return string(runes[:max])
	}
	return string(runes[:max-3]) + "..."
}
