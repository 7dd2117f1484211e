package metadata

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"net/http"

	"github.com/nfnt/resize"
)

// ScaleArtwork shrinks imageData so its longest edge is at most maxSize,
// keeping the aspect ratio. Images already within bounds are returned
// unchanged, as is everything when maxSize is not positive.
func ScaleArtwork(imageData []byte, maxSize int) ([]byte, string, error) {
	mimeType := DetectMIME(imageData)
	if maxSize <= 0 {
		return imageData, mimeType, nil
	}

	img, format, err := image.Decode(bytes.NewReader(imageData))
	if err != nil {
		return nil, "", fmt.Errorf("failed to decode image: %w", err)
	}

	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	if width <= maxSize && height <= maxSize {
		return imageData, mimeType, nil
	}

	var resized image.Image
	if width > height {
		resized = resize.Resize(uint(maxSize), 0, img, resize.Lanczos3)
	} else {
		resized = resize.Resize(0, uint(maxSize), img, resize.Lanczos3)
	}

	var buf bytes.Buffer
	switch format {
	case "png":
		err = png.Encode(&buf, resized)
		mimeType = "image/png"
	default:
		err = jpeg.Encode(&buf, resized, &jpeg.Options{Quality: 90})
		mimeType = "image/jpeg"
	}
	if err != nil {
		return nil, "", fmt.Errorf("failed to encode resized image: %w", err)
	}

	return buf.Bytes(), mimeType, nil
}

// DetectMIME sniffs the image type, defaulting to JPEG.
func DetectMIME(data []byte) string {
	switch ct := http.DetectContentType(data); ct {
	case "image/png", "image/jpeg", "image/webp", "image/gif":
		return ct
	default:
		return "image/jpeg"
	}
}

// ArtworkExtension returns the file extension for an artwork MIME type.
func ArtworkExtension(mimeType string) string {
	switch mimeType {
	case "image/png":
		return "png"
	case "image/webp":
		return "webp"
	case "image/gif":
		return "gif"
	default:
		return "jpg"
	}
}
