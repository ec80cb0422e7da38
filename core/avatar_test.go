package core

import (
	"bytes"
	"context"
	"image/png"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAvatarHandler(t *testing.T) {
	srv := httptest.NewServer(NewAvatarServer("", ourSignature, nil).Handler())
	defer srv.Close()

	tests := []struct {
		name       string
		method     string
		path       string
		wantStatus int
		wantBody   bool
	}{
		{name: "get avatar", method: http.MethodGet, path: "/avatar", wantStatus: http.StatusOK, wantBody: true},
		{name: "get root", method: http.MethodGet, path: "/", wantStatus: http.StatusOK, wantBody: true},
		{name: "head", method: http.MethodHead, path: "/avatar", wantStatus: http.StatusOK},
		{name: "other path", method: http.MethodGet, path: "/favicon.ico", wantStatus: http.StatusNotFound},
		{name: "post", method: http.MethodPost, path: "/avatar", wantStatus: http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := http.NewRequestWithContext(t.Context(), tt.method, srv.URL+tt.path, nil)
			require.NoError(t, err)

			resp, err := http.DefaultClient.Do(req)
			require.NoError(t, err)
			defer resp.Body.Close()

			assert.Equal(t, tt.wantStatus, resp.StatusCode)

			body, err := io.ReadAll(resp.Body)
			require.NoError(t, err)

			if !tt.wantBody {
				if tt.wantStatus == http.StatusOK {
					assert.Empty(t, body)
					assert.Equal(t, "image/png", resp.Header.Get("Content-Type"))
				}
				return
			}

			assert.Equal(t, "image/png", resp.Header.Get("Content-Type"))
			assert.Equal(t, strconv.Itoa(len(body)), resp.Header.Get("Content-Length"))

			img, err := png.Decode(bytes.NewReader(body))
			require.NoError(t, err)
			assert.Equal(t, avatarSize, img.Bounds().Dx())
		})
	}
}

func TestAvatarFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "me.png")
	require.NoError(t, os.WriteFile(path, []byte("not really a png"), 0644))

	a := NewAvatarServer(path, ourSignature, nil)
	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/avatar", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "not really a png", rec.Body.String())
}

func TestAvatarMissingFileFallsBack(t *testing.T) {
	a := NewAvatarServer(filepath.Join(t.TempDir(), "missing.png"), ourSignature, nil)

	generated, err := generatedAvatar(ourSignature)
	require.NoError(t, err)
	assert.Equal(t, generated, a.png)
}

func TestGeneratedAvatarIgnoresAdapter(t *testing.T) {
	plain, err := generatedAvatar(ourSignature)
	require.NoError(t, err)

	tagged, err := generatedAvatar(WithAdapter(ourSignature, "wlan0", TypeWiFi))
	require.NoError(t, err)
	assert.Equal(t, plain, tagged)

	other, err := generatedAvatar(theirSignature)
	require.NoError(t, err)
	assert.NotEqual(t, plain, other)
}

func TestAvatarServe(t *testing.T) {
	a := NewAvatarServer("", ourSignature, nil)
	require.NoError(t, a.Listen(t.Context(), 0))

	ctx, cancel := context.WithCancel(t.Context())
	served := make(chan error, 1)
	go func() {
		served <- a.Serve(ctx)
	}()

	port := a.Addr().(*net.TCPAddr).Port
	resp, err := http.Get("http://127.0.0.1:" + strconv.Itoa(port) + "/avatar")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	require.NoError(t, <-served)
}
