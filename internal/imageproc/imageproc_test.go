package imageproc

import (
	"bytes"
	"image"
	"image/color"
	"image/gif"
	"image/jpeg"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	red  = color.NRGBA{R: 255, A: 255}
	blue = color.NRGBA{B: 255, A: 255}
)

func formatOf(t *testing.T, data []byte) string {
	t.Helper()
	_, format, err := image.DecodeConfig(bytes.NewReader(data))
	require.NoError(t, err)
	return format
}

func halves(w, h int, left, right color.Color) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if x < w/2 {
				img.Set(x, y, left)
			} else {
				img.Set(x, y, right)
			}
		}
	}
	return img
}

func encodeJPEG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, &jpeg.Options{Quality: 100}))
	return buf.Bytes()
}

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

// withOrientation splices a minimal big-endian EXIF APP1 segment carrying the
// orientation tag right after the JPEG SOI marker.
func withOrientation(jpg []byte, orientation uint16) []byte {
	tiff := []byte{
		'M', 'M', 0x00, 0x2A, 0x00, 0x00, 0x00, 0x08,
		0x00, 0x01,
		0x01, 0x12, 0x00, 0x03, 0x00, 0x00, 0x00, 0x01,
		byte(orientation >> 8), byte(orientation), 0x00, 0x00,
		0x00, 0x00, 0x00, 0x00,
	}
	payload := append([]byte("Exif\x00\x00"), tiff...)
	size := len(payload) + 2

	out := make([]byte, 0, len(jpg)+size+2)
	out = append(out, jpg[:2]...)
	out = append(out, 0xFF, 0xE1, byte(size>>8), byte(size))
	out = append(out, payload...)
	out = append(out, jpg[2:]...)
	return out
}

func animatedGIF(t *testing.T) []byte {
	t.Helper()
	palette := color.Palette{color.Transparent, red, blue}
	frames := make([]*image.Paletted, 0, 3)
	for i := 0; i < 3; i++ {
		frame := image.NewPaletted(image.Rect(0, 0, 10, 10), palette)
		for p := range frame.Pix {
			frame.Pix[p] = uint8(i % len(palette))
		}
		frames = append(frames, frame)
	}
	var buf bytes.Buffer
	require.NoError(t, gif.EncodeAll(&buf, &gif.GIF{
		Image: frames,
		Delay: []int{10, 10, 10},
	}))
	return buf.Bytes()
}

func TestNormalizeFormat(t *testing.T) {
	src := encodePNG(t, halves(8, 8, red, blue))

	testCases := []struct {
		scenario string
		format   string
		want     string
		invalid  bool
	}{
		{scenario: "lower png", format: "png", want: "png"},
		{scenario: "upper png", format: "PNG", want: "png"},
		{scenario: "mixed png", format: "Png", want: "png"},
		{scenario: "lower jpeg", format: "jpeg", want: "jpeg"},
		{scenario: "upper jpeg", format: "JPEG", want: "jpeg"},
		{scenario: "jpg alias is rejected", format: "jpg", invalid: true},
		{scenario: "gif is rejected", format: "gif", invalid: true},
		{scenario: "empty is rejected", format: "", invalid: true},
	}
	for _, testCase := range testCases {
		t.Run(testCase.scenario, func(t *testing.T) {
			out, err := Normalize(src, testCase.format)
			if testCase.invalid {
				assert.ErrorIs(t, err, ErrInvalidFormat)
				assert.Nil(t, out)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, testCase.want, formatOf(t, out))
		})
	}
}

func TestNormalizeInvalidFormatSkipsDecode(t *testing.T) {
	_, err := Normalize([]byte("not an image"), "bmp")
	assert.ErrorIs(t, err, ErrInvalidFormat)

	_, err = Normalize([]byte("not an image"), "png")
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrInvalidFormat)
}

func TestNormalizeDoesNotMutateInput(t *testing.T) {
	src := encodeJPEG(t, halves(16, 8, red, blue))
	orig := append([]byte(nil), src...)

	_, err := Normalize(src, "png")
	require.NoError(t, err)
	assert.Equal(t, orig, src)
}

func TestNormalizeAnimatedGIF(t *testing.T) {
	for _, format := range []string{"png", "jpeg"} {
		t.Run(format, func(t *testing.T) {
			out, err := Normalize(animatedGIF(t), format)
			require.NoError(t, err)

			img, decoded, err := image.Decode(bytes.NewReader(out))
			require.NoError(t, err)
			assert.Equal(t, format, decoded)
			assert.Equal(t, image.Rect(0, 0, 10, 10), img.Bounds())
		})
	}
}

func TestNormalizeAppliesExifOrientation(t *testing.T) {
	// Stored landscape, left half red. Orientation 6 means the display is the
	// stored image rotated 90° clockwise, so red ends up on top.
	src := withOrientation(encodeJPEG(t, halves(32, 16, red, blue)), 6)

	out, err := Normalize(src, "png")
	require.NoError(t, err)

	img, err := png.Decode(bytes.NewReader(out))
	require.NoError(t, err)
	assert.Equal(t, 16, img.Bounds().Dx())
	assert.Equal(t, 32, img.Bounds().Dy())

	top := color.NRGBAModel.Convert(img.At(8, 4)).(color.NRGBA)
	bottom := color.NRGBAModel.Convert(img.At(8, 28)).(color.NRGBA)
	assert.Greater(t, top.R, top.B)
	assert.Greater(t, bottom.B, bottom.R)
}

func TestToJPEGIgnoresOrientation(t *testing.T) {
	src := withOrientation(encodeJPEG(t, halves(32, 16, red, blue)), 6)

	out, err := ToJPEG(src)
	require.NoError(t, err)
	assert.Equal(t, "jpeg", formatOf(t, out))

	cfg, err := jpeg.DecodeConfig(bytes.NewReader(out))
	require.NoError(t, err)
	assert.Equal(t, 32, cfg.Width)
	assert.Equal(t, 16, cfg.Height)
}

func TestToJPEGFromPNGWithAlpha(t *testing.T) {
	src := encodePNG(t, halves(8, 8, color.NRGBA{G: 200, A: 128}, blue))

	out, err := ToJPEG(src)
	require.NoError(t, err)
	assert.Equal(t, "jpeg", formatOf(t, out))
}

func TestDecodeRGB(t *testing.T) {
	src := encodePNG(t, halves(4, 4, color.NRGBA{R: 10, G: 20, B: 30, A: 40}, blue))

	img, err := DecodeRGB(src)
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 4, 4), img.Bounds())
	for i := 3; i < len(img.Pix); i += 4 {
		assert.Equal(t, uint8(0xff), img.Pix[i])
	}
	assert.Equal(t, color.NRGBA{R: 10, G: 20, B: 30, A: 255}, img.NRGBAAt(0, 0))
}

func TestDecodeRGBCorrupt(t *testing.T) {
	full := encodeJPEG(t, halves(16, 16, red, blue))

	_, err := DecodeRGB(full[:20])
	assert.Error(t, err)

	_, err = DecodeRGB(nil)
	assert.Error(t, err)
}
