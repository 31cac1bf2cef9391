// Package media normalises uploaded review photos and persists them.
package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/google/uuid"
)

const (
	defaultMaxEdge  = 1600
	defaultMaxBytes = 10 << 20
	jpegQuality     = 85
	storedExtension = ".jpg"
	storedMediaType = "image/jpeg"
)

var (
	ErrUnsupportedImage = errors.New("media: unsupported image format")
	ErrPhotoTooLarge    = errors.New("media: photo exceeds size limit")
	ErrEmptyPhoto       = errors.New("media: photo is empty")
)

var supportedMediaTypes = map[string]struct{}{
	"image/jpeg": {},
	"image/png":  {},
	"image/gif":  {},
	"image/bmp":  {},
}

// Upload is a photo received from a visitor.
type Upload struct {
	FileName string
	Content  io.Reader
}

// StoredPhoto locates a persisted photo.
type StoredPhoto struct {
	URL      string
	Key      string
	FileName string
}

// Store persists normalised photos and removes them by URL.
type Store interface {
	Save(ctx context.Context, upload Upload) (StoredPhoto, error)
	Delete(ctx context.Context, fileURL string) error
}

// Normalizer bounds and re-encodes uploaded images as JPEG.
type Normalizer struct {
	MaxEdge  int
	MaxBytes int64
}

// Normalize reads at most MaxBytes, decodes the image with EXIF orientation
// applied, fits it into MaxEdge and re-encodes it.
func (n Normalizer) Normalize(content io.Reader) ([]byte, error) {
	maxBytes := n.MaxBytes
	if maxBytes <= 0 {
		maxBytes = defaultMaxBytes
	}
	maxEdge := n.MaxEdge
	if maxEdge <= 0 {
		maxEdge = defaultMaxEdge
	}

	raw, err := io.ReadAll(io.LimitReader(content, maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("media: read upload: %w", err)
	}
	if len(raw) == 0 {
		return nil, ErrEmptyPhoto
	}
	if int64(len(raw)) > maxBytes {
		return nil, ErrPhotoTooLarge
	}
	mediaType := http.DetectContentType(raw)
	if _, ok := supportedMediaTypes[mediaType]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedImage, mediaType)
	}

	img, err := imaging.Decode(bytes.NewReader(raw), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedImage, err)
	}
	bounds := img.Bounds()
	if bounds.Dx() > maxEdge || bounds.Dy() > maxEdge {
		img = imaging.Fit(img, maxEdge, maxEdge, imaging.Lanczos)
	}

	var buffer bytes.Buffer
	if err := imaging.Encode(&buffer, img, imaging.JPEG, imaging.JPEGQuality(jpegQuality)); err != nil {
		return nil, fmt.Errorf("media: encode: %w", err)
	}
	return buffer.Bytes(), nil
}

func newObjectName() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return id.String() + storedExtension, nil
}

func cleanFileName(name string) string {
	name = strings.TrimSpace(name)
	if index := strings.LastIndexAny(name, `/\`); index >= 0 {
		name = name[index+1:]
	}
	return name
}
