package imageproc

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"strings"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/webp"
)

var ErrInvalidFormat = errors.New("invalid output format, please choose 'jpeg' or 'png'")

const jpegQuality = 95

// Normalize decodes data, applies EXIF orientation and re-encodes it in the
// requested format ("jpeg" or "png", any case). GIF sources are flattened to
// RGBA first so multi-frame files encode cleanly.
func Normalize(data []byte, format string) ([]byte, error) {
	name := strings.ToLower(strings.TrimSpace(format))
	out, err := parseFormat(name)
	if err != nil {
		return nil, err
	}

	_, srcFormat, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image config: %w", err)
	}

	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	if srcFormat == "gif" {
		img = imaging.Clone(img)
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, out, imaging.JPEGQuality(jpegQuality)); err != nil {
		return nil, fmt.Errorf("encode %s: %w", name, err)
	}
	return buf.Bytes(), nil
}

// ToJPEG re-encodes any decodable image as JPEG without touching orientation.
func ToJPEG(data []byte) ([]byte, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(jpegQuality)); err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeRGB decodes data into an opaque three channel bitmap. Alpha is
// dropped, not blended.
func DecodeRGB(data []byte) (*image.NRGBA, error) {
	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("cannot identify image file: %w", err)
	}

	rgb := imaging.Clone(img)
	for i := 3; i < len(rgb.Pix); i += 4 {
		rgb.Pix[i] = 0xff
	}
	return rgb, nil
}

func parseFormat(format string) (imaging.Format, error) {
	switch format {
	case "jpeg":
		return imaging.JPEG, nil
	case "png":
		return imaging.PNG, nil
	}
	return 0, ErrInvalidFormat
}
