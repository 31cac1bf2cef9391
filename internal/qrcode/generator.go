// Package qrcode renders the QR artifacts that deep-link to public review pages.
package qrcode

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image/png"
	"net/url"
	"strings"

	"github.com/boombuler/barcode"
	"github.com/boombuler/barcode/qr"
)

const (
	defaultSize    = 300
	dataURLPrefix  = "data:image/png;base64,"
	reviewPathPart = "review"
)

var (
	ErrInvalidBaseURL = errors.New("qrcode: base url must be absolute")
	errMissingLogID   = errors.New("qrcode: log id is required")
)

// Generator encodes review links for logs as PNG data URLs.
type Generator struct {
	baseURL string
	size    int
}

// NewGenerator validates the public application URL used in review links.
func NewGenerator(baseURL string, size int) (*Generator, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	parsed, err := url.Parse(trimmed)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidBaseURL, baseURL)
	}
	if size <= 0 {
		size = defaultSize
	}
	return &Generator{baseURL: trimmed, size: size}, nil
}

// ReviewURL is the public page a visitor lands on after scanning.
func (g *Generator) ReviewURL(logID string) string {
	return g.baseURL + "/" + reviewPathPart + "/" + url.PathEscape(logID)
}

// Generate returns the data URL of a QR code encoding the review link for logID.
func (g *Generator) Generate(logID string) (string, error) {
	logID = strings.TrimSpace(logID)
	if logID == "" {
		return "", errMissingLogID
	}

	code, err := qr.Encode(g.ReviewURL(logID), qr.M, qr.Auto)
	if err != nil {
		return "", fmt.Errorf("qrcode: encode: %w", err)
	}
	scaled, err := barcode.Scale(code, g.size, g.size)
	if err != nil {
		return "", fmt.Errorf("qrcode: scale: %w", err)
	}

	var buffer bytes.Buffer
	if err := png.Encode(&buffer, scaled); err != nil {
		return "", fmt.Errorf("qrcode: png: %w", err)
	}
	return dataURLPrefix + base64.StdEncoding.EncodeToString(buffer.Bytes()), nil
}
