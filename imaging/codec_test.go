package imaging

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"hash/crc32"
	"image"
	"image/color"
	"image/gif"
	"image/png"
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func solid(w, h int, c color.Color) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	return img
}

func pngBase64(t *testing.T, img image.Image) string {
	t.Helper()
	s, err := EncodePNGBase64(img)
	require.NoError(t, err)
	return s
}

func TestDecodeBase64_PNGRoundTrip(t *testing.T) {
	src := solid(8, 6, color.NRGBA{R: 10, G: 20, B: 30, A: 255})

	got, err := DecodeBase64(pngBase64(t, src))
	require.NoError(t, err)

	assert.Equal(t, image.Rect(0, 0, 8, 6), got.Bounds())
	assert.Equal(t, color.NRGBA{R: 10, G: 20, B: 30, A: 255}, got.NRGBAAt(3, 3))
}

func TestDecodeBase64_Variants(t *testing.T) {
	src := solid(4, 4, color.NRGBA{R: 200, A: 255})
	plain := pngBase64(t, src)

	variants := map[string]string{
		"data url":       "data:image/png;base64," + plain,
		"no padding":     strings.TrimRight(plain, "="),
		"line wrapped":   plain[:10] + "\n" + plain[10:20] + "\r\n" + plain[20:],
		"surrounding ws": "  " + plain + "\n",
	}
	for name, in := range variants {
		t.Run(name, func(t *testing.T) {
			got, err := DecodeBase64(in)
			require.NoError(t, err)
			assert.Equal(t, 4, got.Bounds().Dx())
		})
	}
}

func TestDecodeBase64_JPEGAndGIF(t *testing.T) {
	src := solid(16, 16, color.NRGBA{R: 128, G: 128, B: 128, A: 255})

	jpg, err := EncodeJPEG(src, 90)
	require.NoError(t, err)
	got, err := DecodeBase64(base64.StdEncoding.EncodeToString(jpg))
	require.NoError(t, err)
	assert.Equal(t, 16, got.Bounds().Dx())

	pal := image.NewPaletted(image.Rect(0, 0, 3, 2), color.Palette{color.Black, color.White})
	var buf bytes.Buffer
	require.NoError(t, gif.Encode(&buf, pal, nil))
	got, err = DecodeBase64(base64.StdEncoding.EncodeToString(buf.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 3, 2), got.Bounds())
}

func TestDecodeBase64_Invalid(t *testing.T) {
	cases := map[string]string{
		"empty":         "",
		"blank":         "   ",
		"not base64":    "!!!not-base64!!!",
		"not an image":  base64.StdEncoding.EncodeToString([]byte("hello world")),
		"bad data url":  "data:image/png,abcd",
		"data url only": "data:image/png;base64",
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeBase64(in)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidImage)
		})
	}
}

func TestToRGB_DropsAlphaAndRebasesOrigin(t *testing.T) {
	src := image.NewNRGBA(image.Rect(5, 5, 7, 7))
	src.SetNRGBA(5, 5, color.NRGBA{R: 100, G: 50, B: 25, A: 128})

	got := ToRGB(src)

	assert.Equal(t, image.Rect(0, 0, 2, 2), got.Bounds())
	px := got.NRGBAAt(0, 0)
	assert.Equal(t, uint8(255), px.A)
	assert.InDelta(t, 100, int(px.R), 2)
	assert.InDelta(t, 50, int(px.G), 2)
	for i := 3; i < len(got.Pix); i += 4 {
		require.Equal(t, uint8(255), got.Pix[i])
	}
}

func TestEncodePNGBase64_NoPrefix(t *testing.T) {
	s := pngBase64(t, solid(2, 2, color.White))
	assert.False(t, strings.HasPrefix(s, "data:"))

	raw, err := base64.StdEncoding.DecodeString(s)
	require.NoError(t, err)
	_, err = png.Decode(bytes.NewReader(raw))
	assert.NoError(t, err)
}

func TestEncodeJPEG_QualityFallback(t *testing.T) {
	data, err := EncodeJPEG(solid(4, 4, color.Black), 0)
	require.NoError(t, err)
	assert.NotEmpty(t, data)
}

// forgedPNG 构造头部声明 w x h、但没有像素数据的 PNG
func forgedPNG(w, h uint32) []byte {
	var buf bytes.Buffer
	buf.WriteString("\x89PNG\r\n\x1a\n")
	chunk := func(typ string, data []byte) {
		var n [4]byte
		binary.BigEndian.PutUint32(n[:], uint32(len(data)))
		buf.Write(n[:])
		crc := crc32.NewIEEE()
		crc.Write([]byte(typ))
		crc.Write(data)
		buf.WriteString(typ)
		buf.Write(data)
		binary.BigEndian.PutUint32(n[:], crc.Sum32())
		buf.Write(n[:])
	}
	ihdr := make([]byte, 13)
	binary.BigEndian.PutUint32(ihdr[0:], w)
	binary.BigEndian.PutUint32(ihdr[4:], h)
	ihdr[8] = 8 // bit depth
	ihdr[9] = 6 // RGBA
	chunk("IHDR", ihdr)
	chunk("IDAT", nil)
	chunk("IEND", nil)
	return buf.Bytes()
}

func TestDecodeBase64_RejectsOversizedHeader(t *testing.T) {
	payload := base64.StdEncoding.EncodeToString(forgedPNG(20000, 20000))

	var before, after runtime.MemStats
	runtime.ReadMemStats(&before)
	_, err := DecodeBase64(payload)
	runtime.ReadMemStats(&after)

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidImage)
	assert.Contains(t, err.Error(), "20000x20000")
	assert.Less(t, after.TotalAlloc-before.TotalAlloc, uint64(16<<20), "pixel buffer must not be allocated")
}

func TestDecodeBase64Limit(t *testing.T) {
	s := pngBase64(t, solid(8, 8, color.White))

	_, err := DecodeBase64Limit(s, 63)
	require.ErrorIs(t, err, ErrInvalidImage)

	got, err := DecodeBase64Limit(s, 64)
	require.NoError(t, err)
	assert.Equal(t, 8, got.Bounds().Dx())

	// 非正数使用默认上限
	_, err = DecodeBase64Limit(s, 0)
	require.NoError(t, err)
}
