package vision

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"  // Register GIF decoder
	_ "image/jpeg" // Register JPEG decoder
	"image/png"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/gen2brain/go-fitz"
	"github.com/gen2brain/heic"
)

// maxDimension bounds the longest edge of a normalized page. Larger rasters
// are downscaled before being sent to the model.
const maxDimension = 2048

// RawDocument is an uploaded document as received from the caller: opaque
// bytes plus the declared media type.
type RawDocument struct {
	Data      []byte
	MediaType string
}

// NormalizedImage is one PNG-encoded raster page of a document, bounded to
// maxDimension on its longest edge.
type NormalizedImage struct {
	PNG  []byte
	Page int
}

// Normalize converts a raw document into one NormalizedImage per page. It is
// a pure transform: same input, same output, no side effects.
//
// It fails with ErrUnsupportedFormat when the media type is not recognized
// and ErrCorruptDocument when the bytes cannot be decoded. A zero-page PDF
// yields an empty slice; callers must treat that as an input error.
func Normalize(doc RawDocument) ([]NormalizedImage, error) {
	mediaType := canonicalMediaType(doc.MediaType)

	switch mediaType {
	case "application/pdf":
		return normalizePDF(doc.Data)
	case "image/png", "image/jpeg", "image/gif", "image/heic", "image/heif":
		frame, err := normalizeImage(doc.Data, mediaType)
		if err != nil {
			return nil, err
		}
		return []NormalizedImage{frame}, nil
	default:
		return nil, fmt.Errorf("media type %q: %w", doc.MediaType, ErrUnsupportedFormat)
	}
}

// canonicalMediaType lowercases and trims the declared media type, dropping
// any parameters (e.g. "image/jpeg; charset=binary"). HEIC uploads often
// arrive with vendor-flavored types, so the magic bytes win over the label.
func canonicalMediaType(mediaType string) string {
	mediaType = strings.ToLower(strings.TrimSpace(mediaType))
	if idx := strings.Index(mediaType, ";"); idx != -1 {
		mediaType = strings.TrimSpace(mediaType[:idx])
	}
	if strings.Contains(mediaType, "heic") || strings.Contains(mediaType, "heif") {
		return "image/heic"
	}
	return mediaType
}

// normalizePDF renders every page of a PDF to a bounded PNG, preserving
// page order.
func normalizePDF(data []byte) ([]NormalizedImage, error) {
	doc, err := fitz.NewFromMemory(data)
	if err != nil {
		return nil, fmt.Errorf("opening PDF: %w", ErrCorruptDocument)
	}
	defer doc.Close()

	pages := make([]NormalizedImage, 0, doc.NumPage())
	for page := 0; page < doc.NumPage(); page++ {
		img, err := doc.Image(page)
		if err != nil {
			return nil, fmt.Errorf("rendering PDF page %d: %w", page, ErrCorruptDocument)
		}
		pngData, err := encodeBounded(img)
		if err != nil {
			return nil, err
		}
		pages = append(pages, NormalizedImage{PNG: pngData, Page: page})
	}
	return pages, nil
}

// normalizeImage decodes a single raster image and re-encodes it as a
// bounded PNG.
func normalizeImage(data []byte, mediaType string) (NormalizedImage, error) {
	var img image.Image
	var err error

	// HEIC/HEIF (common on iPhones) is not supported by Go's standard image
	// package, so it gets its own decoder.
	if mediaType == "image/heic" || isHEICData(data) {
		img, err = heic.Decode(bytes.NewReader(data))
	} else {
		img, _, err = image.Decode(bytes.NewReader(data))
	}
	if err != nil {
		return NormalizedImage{}, fmt.Errorf("decoding %s: %w", mediaType, ErrCorruptDocument)
	}

	pngData, err := encodeBounded(img)
	if err != nil {
		return NormalizedImage{}, err
	}
	return NormalizedImage{PNG: pngData, Page: 0}, nil
}

// encodeBounded downscales an image to fit within maxDimension and encodes
// it as PNG.
func encodeBounded(img image.Image) ([]byte, error) {
	bounds := img.Bounds()
	if bounds.Dx() > maxDimension || bounds.Dy() > maxDimension {
		img = imaging.Fit(img, maxDimension, maxDimension, imaging.Lanczos)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encoding PNG: %w", err)
	}
	return buf.Bytes(), nil
}

// isHEICData checks for the HEIC/HEIF ftyp box signature.
func isHEICData(data []byte) bool {
	if len(data) < 12 || string(data[4:8]) != "ftyp" {
		return false
	}
	brand := string(data[8:12])
	return brand == "heic" || brand == "heif" || brand == "mif1" || brand == "msf1"
}
