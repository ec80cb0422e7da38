package core

import (
	"bytes"
	"context"
	"errors"
	"hash/fnv"
	"image"
	"image/color"
	"image/png"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/Dyastin-0/zipline/logger"
)

const avatarSize = 64

// AvatarServer serves our avatar PNG to peers on listen_port + 1.
type AvatarServer struct {
	path      string
	signature string
	log       logger.Logger

	png []byte
	ln  net.Listener
	srv *http.Server
}

// NewAvatarServer serves the PNG at path, or a generated square colored
// from the signature when path is empty or unreadable.
func NewAvatarServer(path, signature string, log logger.Logger) *AvatarServer {
	if log == nil {
		log = logger.Nop()
	}

	a := &AvatarServer{path: path, signature: signature, log: log.WithStr("component", "avatar")}
	a.png = a.load()
	a.srv = &http.Server{
		Handler:           a.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return a
}

func (a *AvatarServer) load() []byte {
	if a.path != "" {
		data, err := os.ReadFile(a.path)
		if err == nil {
			return data
		}
		a.log.WithErr(err).Warn("failed to read avatar, using generated one")
	}

	data, err := generatedAvatar(a.signature)
	if err != nil {
		a.log.WithErr(err).Warn("failed to generate avatar")
	}
	return data
}

func generatedAvatar(signature string) ([]byte, error) {
	h := fnv.New32a()
	h.Write([]byte(StripAdapter(signature)))
	sum := h.Sum32()

	fill := color.RGBA{R: uint8(sum >> 16), G: uint8(sum >> 8), B: uint8(sum), A: 0xff}

	img := image.NewRGBA(image.Rect(0, 0, avatarSize, avatarSize))
	for y := range avatarSize {
		for x := range avatarSize {
			img.Set(x, y, fill)
		}
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (a *AvatarServer) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			http.NotFound(w, r)
			return
		}
		if r.URL.Path != "/" && r.URL.Path != "/avatar" {
			http.NotFound(w, r)
			return
		}
		if len(a.png) == 0 {
			http.NotFound(w, r)
			return
		}

		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Content-Length", strconv.Itoa(len(a.png)))
		w.WriteHeader(http.StatusOK)

		if r.Method == http.MethodGet {
			w.Write(a.png)
		}
	})
}

// Listen binds port. A port held by someone else disables the server
// instead of failing the engine.
func (a *AvatarServer) Listen(ctx context.Context, port uint16) error {
	ln, err := Listen(ctx, port)
	if err != nil {
		return err
	}
	a.ln = ln
	return nil
}

func (a *AvatarServer) Addr() net.Addr {
	if a.ln == nil {
		return nil
	}
	return a.ln.Addr()
}

func (a *AvatarServer) Serve(ctx context.Context) error {
	if a.ln == nil {
		return nil
	}

	go func() {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		a.srv.Shutdown(shutdownCtx)
	}()

	err := a.srv.Serve(a.ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
