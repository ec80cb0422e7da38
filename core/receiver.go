package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/Dyastin-0/zipline/logger"
)

// maxTextSize bounds a text element, which is held in memory.
const maxTextSize = 16 * 1024 * 1024

type ReceiverConfig struct {
	// Root is the default save root used when a connection carries no
	// per-session override.
	Root             string
	BufferSize       int
	ProgressInterval int64
}

// Inbound is what is known about a connection before its first byte: the
// transfer id and save root agreed during the handshake, if any.
type Inbound struct {
	TransferID string
	Peer       Peer
	SaveRoot   string
}

type Receiver struct {
	cfg      ReceiverConfig
	registry *Registry
	log      logger.Logger
	now      func() time.Time

	mu   sync.RWMutex
	root string
}

func NewReceiver(cfg ReceiverConfig, registry *Registry, log logger.Logger) *Receiver {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultBufferSize
	}
	if cfg.ProgressInterval <= 0 {
		cfg.ProgressInterval = DefaultProgressInterval
	}
	if log == nil {
		log = logger.Nop()
	}

	return &Receiver{
		cfg:      cfg,
		registry: registry,
		log:      log.WithStr("component", "receiver"),
		now:      time.Now,
		root:     cfg.Root,
	}
}

// SetRoot changes the default save root for connections accepted later.
func (r *Receiver) SetRoot(root string) {
	r.mu.Lock()
	r.root = root
	r.mu.Unlock()
}

func (r *Receiver) Root() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.root
}

// Listen binds the transfer port on all IPv4 interfaces.
func Listen(ctx context.Context, port uint16) (net.Listener, error) {
	var lc net.ListenConfig

	ln, err := lc.Listen(ctx, "tcp4", ":"+strconv.Itoa(int(port)))
	if err != nil {
		return nil, &BindError{Port: int(port), Proto: "tcp", Err: err}
	}
	return ln, nil
}

// Serve accepts connections until ctx is done. claim supplies the
// handshake context for each remote address.
func (r *Receiver) Serve(ctx context.Context, ln net.Listener, claim func(remote net.Addr) Inbound) error {
	r.log.WithStr("addr", ln.Addr().String()).Info("listening for transfers")

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}

			if errors.Is(err, net.ErrClosed) {
				return nil
			}

			r.log.WithErr(err).Warn("accept failed")
			continue
		}

		wg.Add(1)
		go func(conn net.Conn) {
			defer wg.Done()
			defer conn.Close()

			tuneConn(conn)

			in := Inbound{}
			if claim != nil {
				in = claim(conn.RemoteAddr())
			}

			if _, err := r.Receive(ctx, conn, in); err != nil {
				r.log.WithErr(err).WithStr("from", conn.RemoteAddr().String()).Warn("receive failed")
			}
		}(conn)
	}
}

// Receive runs one inbound transfer to completion. The session is created
// once the stream header arrives; a connection that closes earlier leaves
// no session behind.
func (r *Receiver) Receive(ctx context.Context, conn net.Conn, in Inbound) (Session, error) {
	root := in.SaveRoot
	if root == "" {
		root = r.Root()
	}

	h := &receiveHandler{
		r:     r,
		in:    in,
		paths: newPathMap(root),
		speed: NewSpeedMeter(),
	}
	parser := NewFrameParser(h)

	stop := context.AfterFunc(ctx, func() {
		conn.Close()
	})
	defer stop()

	buf := make([]byte, r.cfg.BufferSize)

	for {
		n, readErr := conn.Read(buf)
		if n > 0 {
			if _, err := parser.Feed(buf[:n]); err != nil {
				return h.fail(err)
			}
		}

		if parser.Done() {
			return h.complete()
		}

		if readErr == nil {
			continue
		}

		if ctx.Err() != nil {
			return h.fail(fmt.Errorf("%w: %v", ErrCancelled, ctx.Err()))
		}
		if errors.Is(readErr, io.EOF) {
			if !h.started {
				return h.fail(ErrUnexpectedEOF)
			}
			return h.fail(fmt.Errorf("%w: %d of %d element(s) missing", ErrUnexpectedEOF, parser.Remaining(), parser.Elements()))
		}
		return h.fail(fmt.Errorf("%w: %v", ErrPeerGone, readErr))
	}
}

// receiveHandler writes the elements of one session as the parser yields
// them. It is owned by a single receive task.
type receiveHandler struct {
	r     *Receiver
	in    Inbound
	paths *pathMap
	speed *SpeedMeter

	id          string
	started     bool
	total       int64
	transferred int64
	lastEmitted int64

	file     *os.File
	filePath string
	text     []byte
	item     Item
}

func (h *receiveHandler) OnStreamHeader(elements, totalSize int64) error {
	now := h.r.now()

	id := h.in.TransferID
	if id == "" {
		id = NewSessionID()
	}

	s := h.r.registry.Begin(Session{
		ID:                    id,
		Peer:                  h.in.Peer,
		Direction:             DirectionReceiving,
		Status:                StatusInProgress,
		TotalFiles:            elements,
		TotalSize:             totalSize,
		SaveRoot:              h.paths.root,
		StartedAt:             now,
		DataTransferStartedAt: now,
	})

	h.id = s.ID
	h.started = true
	h.total = totalSize
	h.speed.Sample(0, now)

	h.r.log.WithStr("session", h.id).
		WithInt64("elements", elements).
		WithInt64("bytes", totalSize).
		Info("receiving")

	if h.paths.root == "" {
		return ErrNoDownloadDir
	}
	return nil
}

func (h *receiveHandler) OnElement(name string, size int64) error {
	if size > 0 && h.transferred+size > h.total {
		return fmt.Errorf("%w: %s needs %d bytes, %d left", ErrSizeOverflow, name, size, h.total-h.transferred)
	}

	switch {
	case name == TextSentinel && size >= 0:
		if size > maxTextSize {
			return fmt.Errorf("%w: text element of %d bytes", ErrProtocol, size)
		}
		h.text = make([]byte, 0, size)
		h.item = Item{Type: ItemText, Name: "text", Size: size, Status: StatusInProgress}

	case size == FolderSize:
		dir, err := h.paths.Folder(name)
		if err != nil {
			return err
		}
		h.item = Item{Type: ItemFolder, Name: name, Size: FolderSize, Path: dir, Status: StatusInProgress}

	default:
		f, p, err := h.paths.CreateFile(name)
		if err != nil {
			return err
		}
		h.file = f
		h.filePath = p
		h.item = Item{Type: ItemFile, Name: name, Size: size, Path: p, Status: StatusInProgress}
	}

	h.r.registry.Update(h.id, func(s *Session) {
		s.CurrentFileName = h.item.Name
	})
	return nil
}

func (h *receiveHandler) OnElementData(p []byte) error {
	if h.file != nil {
		if _, err := h.file.Write(p); err != nil {
			return fmt.Errorf("%w: %v", ErrIO, err)
		}
	} else {
		h.text = append(h.text, p...)
	}

	h.transferred += int64(len(p))
	if h.transferred-h.lastEmitted >= h.r.cfg.ProgressInterval {
		h.emit(false)
	}
	return nil
}

func (h *receiveHandler) OnElementEnd() error {
	if h.file != nil {
		err := h.file.Close()
		h.file = nil
		if err != nil {
			return fmt.Errorf("%w: %v", ErrIO, err)
		}
	}

	if h.item.Type == ItemText {
		if !utf8.Valid(h.text) {
			return ErrInvalidUTF8
		}
		h.item.Text = string(h.text)
		h.text = nil

		h.r.registry.TextReceived(TextEvent{SessionID: h.id, Peer: h.in.Peer, Text: h.item.Text})
	}

	h.item.Status = StatusCompleted
	item := h.item
	h.item = Item{}

	h.r.registry.Update(h.id, func(s *Session) {
		s.Items = append(s.Items, item)
		s.CompletedFiles++
	})
	h.emit(true)
	return nil
}

func (h *receiveHandler) emit(boundary bool) {
	now := h.r.now()
	speed := h.speed.Sample(h.transferred, now)
	h.lastEmitted = h.transferred

	h.r.registry.Update(h.id, func(s *Session) {
		s.TransferredSize = h.transferred
		s.CurrentSpeed = speed
		if boundary {
			s.CurrentFileName = ""
		}
	})
}

func (h *receiveHandler) complete() (Session, error) {
	s, _ := h.r.registry.Finish(h.id, func(s *Session) {
		s.Status = StatusCompleted
		s.CurrentFileName = ""
	})

	h.r.log.WithStr("session", h.id).
		WithInt64("bytes", s.TransferredSize).
		WithInt64("files", s.CompletedFiles).
		Info("transfer received")
	return s, nil
}

// fail releases the open element, removing its partial file, and records
// the session as failed or cancelled with the bytes received so far.
func (h *receiveHandler) fail(err error) (Session, error) {
	if h.file != nil {
		h.file.Close()
		os.Remove(h.filePath)
		h.file = nil
	}

	if !h.started {
		return Session{}, err
	}

	transferred := h.transferred
	s, _ := h.r.registry.Finish(h.id, func(s *Session) {
		s.TransferredSize = transferred
		s.Status, s.Error = terminalFor(err)
	})

	h.r.log.WithStr("session", h.id).WithErr(err).Warn("transfer failed")
	return s, err
}
