package core

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Dyastin-0/zipline/logger"
)

const (
	socketBufferSize = 2 * 1024 * 1024

	// Request datagrams stay under a typical MTU.
	requestNamesBudget = 1024
)

// Handshaker asks a peer for permission before the TCP push.
type Handshaker interface {
	Request(ctx context.Context, to Peer, req TransferRequest) (TransferAccept, error)
}

type SenderConfig struct {
	BufferSize       int
	ProgressInterval int64
	ConnectTimeout   time.Duration
}

type Sender struct {
	cfg        SenderConfig
	registry   *Registry
	handshake  Handshaker
	log        logger.Logger
	now        func() time.Time
	interfaces func() ([]NetInterface, error)
}

// NewSender builds a sender. A nil handshaker pushes without asking, the
// way classic peers do.
func NewSender(cfg SenderConfig, registry *Registry, handshake Handshaker, log logger.Logger) *Sender {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultBufferSize
	}
	if cfg.ProgressInterval <= 0 {
		cfg.ProgressInterval = DefaultProgressInterval
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if log == nil {
		log = logger.Nop()
	}

	return &Sender{
		cfg:        cfg,
		registry:   registry,
		handshake:  handshake,
		log:        log.WithStr("component", "sender"),
		now:        time.Now,
		interfaces: ListInterfaces,
	}
}

// Walk expands sources into transfer items. Directories become a folder
// item followed by their contents, named relative to the source's parent
// with forward slashes.
func Walk(sources []string) ([]Item, int64, error) {
	if len(sources) == 0 {
		return nil, 0, ErrEmptySources
	}

	var items []Item
	var total int64

	for _, src := range sources {
		abs, err := filepath.Abs(src)
		if err != nil {
			return nil, 0, fmt.Errorf("%w: %v", ErrIO, err)
		}

		info, err := os.Stat(abs)
		if err != nil {
			return nil, 0, fmt.Errorf("%w: %v", ErrIO, err)
		}

		if !info.IsDir() {
			if !info.Mode().IsRegular() {
				return nil, 0, fmt.Errorf("%w: %s is not a regular file", ErrIO, src)
			}
			items = append(items, Item{Type: ItemFile, Name: filepath.Base(abs), Size: info.Size(), Path: abs, Status: StatusPending})
			total += info.Size()
			continue
		}

		parent := filepath.Dir(abs)
		err = filepath.WalkDir(abs, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}

			rel, err := filepath.Rel(parent, p)
			if err != nil {
				return err
			}
			name := WireName(rel)

			if d.IsDir() {
				items = append(items, Item{Type: ItemFolder, Name: name, Size: FolderSize, Path: p, Status: StatusPending})
				return nil
			}

			info, err := os.Stat(p)
			if err != nil {
				return err
			}
			// sockets, devices and links to directories are skipped
			if !info.Mode().IsRegular() {
				return nil
			}

			items = append(items, Item{Type: ItemFile, Name: name, Size: info.Size(), Path: p, Status: StatusPending})
			total += info.Size()
			return nil
		})
		if err != nil {
			return nil, 0, fmt.Errorf("%w: %v", ErrIO, err)
		}
	}

	return items, total, nil
}

func TextItem(text string) Item {
	return Item{Type: ItemText, Name: "text", Size: int64(len(text)), Text: text, Status: StatusPending}
}

// Describe summarizes items for the request prompt: the item's name when
// there is only one, else counts.
func Describe(items []Item) string {
	if len(items) == 1 {
		if items[0].Type == ItemText {
			return "1 text message"
		}
		return items[0].Name
	}

	var files, folders, texts int
	for _, item := range items {
		switch item.Type {
		case ItemFile:
			files++
		case ItemFolder:
			folders++
		case ItemText:
			texts++
		}
	}

	var parts []string
	if files > 0 {
		parts = append(parts, plural(files, "file", "files"))
	}
	if folders > 0 {
		parts = append(parts, plural(folders, "folder", "folders"))
	}
	if texts > 0 {
		parts = append(parts, plural(texts, "text message", "text messages"))
	}
	if len(parts) == 0 {
		return "nothing"
	}
	return strings.Join(parts, ", ")
}

func plural(n int, one, many string) string {
	if n == 1 {
		return fmt.Sprintf("1 %s", one)
	}
	return fmt.Sprintf("%d %s", n, many)
}

// requestFileNames lists top-level names first, then nested ones, until the
// datagram budget runs out.
func requestFileNames(items []Item) []string {
	var top, nested []string
	for _, item := range items {
		if item.Type == ItemText {
			continue
		}
		if strings.Contains(item.Name, "/") {
			nested = append(nested, item.Name)
		} else {
			top = append(top, item.Name)
		}
	}

	var names []string
	used := 0
	for _, name := range append(top, nested...) {
		used += len(name) + 3
		if used > requestNamesBudget {
			break
		}
		names = append(names, name)
	}
	return names
}

// Send runs one outbound transfer and returns its final snapshot.
func (s *Sender) Send(ctx context.Context, to Peer, items []Item) (Session, error) {
	if len(items) == 0 {
		return Session{}, ErrEmptySources
	}

	var total int64
	for _, item := range items {
		if item.Type != ItemFolder {
			total += item.Size
		}
	}

	session := s.registry.Begin(Session{
		ID:         NewSessionID(),
		Peer:       to,
		Items:      items,
		Direction:  DirectionSending,
		Status:     StatusPending,
		TotalSize:  total,
		TotalFiles: int64(len(items)),
		StartedAt:  s.now(),
	})
	log := s.log.WithStr("session", session.ID).WithStr("peer", to.ID)

	if s.handshake != nil {
		s.registry.Update(session.ID, func(ss *Session) {
			ss.Status = StatusWaitingForAcceptance
		})

		accept, err := s.handshake.Request(ctx, to, TransferRequest{
			TransferID:  session.ID,
			TotalFiles:  int64(len(items)),
			TotalSize:   total,
			Description: Describe(items),
			FileNames:   requestFileNames(items),
		})
		if err != nil {
			log.WithErr(err).Info("request not accepted")
			return s.fail(session.ID, err, 0)
		}

		s.registry.Update(session.ID, func(ss *Session) {
			ss.SaveRoot = accept.Data
		})
	}

	conn, err := s.dial(ctx, to)
	if err != nil {
		log.WithErr(err).Warn("connect failed")
		return s.fail(session.ID, err, 0)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() {
		conn.Close()
	})
	defer stop()

	s.registry.Update(session.ID, func(ss *Session) {
		ss.Status = StatusInProgress
		ss.DataTransferStartedAt = s.now()
	})

	st := &stream{
		s:     s,
		id:    session.ID,
		w:     bufio.NewWriterSize(conn, s.cfg.BufferSize),
		buf:   make([]byte, s.cfg.BufferSize),
		speed: NewSpeedMeter(),
	}
	st.speed.Sample(0, s.now())

	if err := st.run(items, total); err != nil {
		if ctx.Err() != nil {
			err = fmt.Errorf("%w: %v", ErrCancelled, ctx.Err())
		}
		log.WithErr(err).Warn("send failed")
		return s.fail(session.ID, err, st.transferred)
	}

	final, _ := s.registry.Finish(session.ID, func(ss *Session) {
		ss.Status = StatusCompleted
		ss.CurrentFileName = ""
		for i := range ss.Items {
			ss.Items[i].Status = StatusCompleted
		}
	})
	log.WithInt64("bytes", final.TransferredSize).Info("transfer sent")

	return final, nil
}

func (s *Sender) fail(id string, err error, transferred int64) (Session, error) {
	final, _ := s.registry.Finish(id, func(ss *Session) {
		ss.TransferredSize = transferred
		ss.Status, ss.Error = terminalFor(err)
	})
	return final, err
}

// dial connects from a local address on the peer's /24 when there is one.
func (s *Sender) dial(ctx context.Context, to Peer) (net.Conn, error) {
	d := net.Dialer{Timeout: s.cfg.ConnectTimeout}

	if ip := net.ParseIP(to.Address); ip != nil && s.interfaces != nil {
		if ifaces, err := s.interfaces(); err == nil {
			if local := LocalAddrFor(ifaces, ip); local != nil {
				d.LocalAddr = &net.TCPAddr{IP: local}
			}
		}
	}

	conn, err := d.DialContext(ctx, "tcp4", to.TCPAddr())
	if err != nil && d.LocalAddr != nil && ctx.Err() == nil {
		s.log.WithErr(err).Debug("bound dial failed, using default route")
		d.LocalAddr = nil
		conn, err = d.DialContext(ctx, "tcp4", to.TCPAddr())
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", ErrCancelled, ctx.Err())
		}
		return nil, fmt.Errorf("%w: connect %s: %v", ErrPeerGone, to.TCPAddr(), err)
	}

	tuneConn(conn)
	return conn, nil
}

func tuneConn(conn net.Conn) {
	tcp, ok := conn.(*net.TCPConn)
	if !ok {
		return
	}
	tcp.SetNoDelay(true)
	tcp.SetWriteBuffer(socketBufferSize)
	tcp.SetReadBuffer(socketBufferSize)
}

// stream writes the framed payload of one session.
type stream struct {
	s     *Sender
	id    string
	w     *bufio.Writer
	buf   []byte
	speed *SpeedMeter

	transferred int64
	lastEmitted int64
	completed   int64
}

func (st *stream) run(items []Item, total int64) error {
	header := StreamHeader{Elements: int64(len(items)), TotalSize: total}
	if err := st.write(header.AppendTo(nil)); err != nil {
		return err
	}

	for _, item := range items {
		st.s.registry.Update(st.id, func(ss *Session) {
			ss.CurrentFileName = item.Name
		})

		eh := ElementHeader{Name: item.WireName(), Size: item.WireSize()}
		if err := st.write(eh.AppendTo(nil)); err != nil {
			return err
		}

		var err error
		switch item.Type {
		case ItemFile:
			err = st.file(item)
		case ItemText:
			err = st.text(item)
		}
		if err != nil {
			return err
		}

		if err := st.flush(); err != nil {
			return err
		}

		st.completed++
		st.emit()
	}

	return st.flush()
}

func (st *stream) file(item Item) error {
	f, err := os.Open(item.Path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	defer f.Close()

	remaining := item.Size
	for remaining > 0 {
		chunk := st.buf
		if int64(len(chunk)) > remaining {
			chunk = chunk[:remaining]
		}

		n, err := io.ReadFull(f, chunk)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return fmt.Errorf("%w: %s shrank while sending", ErrIO, item.Path)
			}
			return fmt.Errorf("%w: %v", ErrIO, err)
		}

		if err := st.write(chunk[:n]); err != nil {
			return err
		}
		if err := st.flush(); err != nil {
			return err
		}

		remaining -= int64(n)
		st.transferred += int64(n)
		if st.transferred-st.lastEmitted >= st.s.cfg.ProgressInterval {
			st.emit()
		}
	}

	return nil
}

func (st *stream) text(item Item) error {
	if err := st.write([]byte(item.Text)); err != nil {
		return err
	}
	st.transferred += int64(len(item.Text))
	return nil
}

func (st *stream) write(p []byte) error {
	if _, err := st.w.Write(p); err != nil {
		return fmt.Errorf("%w: %v", ErrPeerGone, err)
	}
	return nil
}

func (st *stream) flush() error {
	if err := st.w.Flush(); err != nil {
		return fmt.Errorf("%w: %v", ErrPeerGone, err)
	}
	return nil
}

func (st *stream) emit() {
	speed := st.speed.Sample(st.transferred, st.s.now())
	st.lastEmitted = st.transferred

	transferred, completed := st.transferred, st.completed
	st.s.registry.Update(st.id, func(ss *Session) {
		ss.TransferredSize = transferred
		ss.CompletedFiles = completed
		ss.CurrentSpeed = speed
	})
}
