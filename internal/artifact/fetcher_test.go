package artifact

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pngBytes(t *testing.T, width, height int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for x := 0; x < width; x++ {
		for y := 0; y < height; y++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestFromBase64(t *testing.T) {
	data := pngBytes(t, 512, 512)
	encoded := base64.StdEncoding.EncodeToString(data)

	img, err := NewFetcher().FromBase64(encoded)
	require.NoError(t, err)

	assert.Equal(t, data, img.Data)
	assert.Equal(t, 512, img.Width)
	assert.Equal(t, 512, img.Height)
	assert.Equal(t, "png", img.Format)
	assert.Equal(t, "image/png", img.ContentType())

	// Hash is computed from the decoded bytes, never taken on trust.
	sum := sha256.Sum256(data)
	assert.Equal(t, hex.EncodeToString(sum[:]), img.ContentHash)
}

func TestFromBase64RejectsInvalidEncoding(t *testing.T) {
	_, err := NewFetcher().FromBase64("not-base64!!!")
	assert.Error(t, err)
}

func TestFromBase64RejectsNonImageBytes(t *testing.T) {
	encoded := base64.StdEncoding.EncodeToString([]byte("just some text"))
	_, err := NewFetcher().FromBase64(encoded)
	assert.Error(t, err)
}

func TestFromURL(t *testing.T) {
	data := pngBytes(t, 64, 48)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(data)
	}))
	defer server.Close()

	img, err := NewFetcher().FromURL(context.Background(), server.URL)
	require.NoError(t, err)

	assert.Equal(t, 64, img.Width)
	assert.Equal(t, 48, img.Height)
	assert.Equal(t, "png", img.Format)
	assert.Equal(t, int64(len(data)), int64(len(img.Data)))
}

func TestFromURLRejectsErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	_, err := NewFetcher().FromURL(context.Background(), server.URL)
	assert.Error(t, err)
}
