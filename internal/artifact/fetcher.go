package artifact

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/disintegration/imaging"
)

// Download timeout is longer than the dispatch timeout; generated images can
// be large.
const DownloadTimeout = 60 * time.Second

const maxImageBytes = 50 << 20 // 50MB

// Image is a fetched and verified generation result: bytes plus metadata
// derived from the bytes themselves, never trusted from the callback.
type Image struct {
	Data        []byte
	ContentHash string
	Width       int
	Height      int
	Format      string
}

// Fetcher turns a callback image descriptor (URL or inline base64) into
// verified image bytes.
type Fetcher struct {
	httpClient *http.Client
}

func NewFetcher() *Fetcher {
	return &Fetcher{
		httpClient: &http.Client{Timeout: DownloadTimeout},
	}
}

// FromURL downloads image bytes and probes them.
func (f *Fetcher) FromURL(ctx context.Context, url string) (*Image, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build download request: %w", err)
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to download image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("image download returned HTTP %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read image body: %w", err)
	}
	if len(data) > maxImageBytes {
		return nil, fmt.Errorf("image exceeds %d byte limit", maxImageBytes)
	}

	return probe(data)
}

// FromBase64 decodes inline image data and probes it.
func (f *Fetcher) FromBase64(encoded string) (*Image, error) {
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to decode inline image data: %w", err)
	}
	if len(data) > maxImageBytes {
		return nil, fmt.Errorf("image exceeds %d byte limit", maxImageBytes)
	}
	return probe(data)
}

// probe decodes the image to verify it is a real image and to derive
// dimensions, and hashes the actual bytes.
func probe(data []byte) (*Image, error) {
	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}

	format := sniffFormat(data)
	sum := sha256.Sum256(data)
	bounds := img.Bounds()

	return &Image{
		Data:        data,
		ContentHash: hex.EncodeToString(sum[:]),
		Width:       bounds.Dx(),
		Height:      bounds.Dy(),
		Format:      format,
	}, nil
}

func sniffFormat(data []byte) string {
	contentType := http.DetectContentType(data)
	switch {
	case strings.HasSuffix(contentType, "png"):
		return "png"
	case strings.HasSuffix(contentType, "jpeg"):
		return "jpeg"
	case strings.HasSuffix(contentType, "gif"):
		return "gif"
	case strings.HasSuffix(contentType, "webp"):
		return "webp"
	default:
		return "bin"
	}
}

// ContentType maps a sniffed format back to a MIME type for storage.
func (i *Image) ContentType() string {
	switch i.Format {
	case "png":
		return "image/png"
	case "jpeg":
		return "image/jpeg"
	case "gif":
		return "image/gif"
	case "webp":
		return "image/webp"
	default:
		return "application/octet-stream"
	}
}
