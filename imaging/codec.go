package imaging

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"image/draw"
	"image/jpeg"
	"image/png"
	"strings"

	// 注册 GIF 解码器
	_ "image/gif"
)

// ErrInvalidImage 表示输入无法解码为图像
var ErrInvalidImage = errors.New("invalid image")

// =============================================================================
// 📥 解码
// =============================================================================

// DefaultMaxPixels 解码前允许的最大像素数（宽 x 高）。
// 解码器按头部声明的尺寸一次性分配像素缓冲，必须先检查头部。
const DefaultMaxPixels = 4096 * 4096

// DecodeBase64 解码 base64 图像（PNG/JPEG/GIF），兼容 data URL 前缀、
// 空白字符与缺失的填充，统一转换为不透明的 8 位 RGB 图像。
func DecodeBase64(s string) (*image.NRGBA, error) {
	return DecodeBase64Limit(s, DefaultMaxPixels)
}

// DecodeBase64Limit 同 DecodeBase64，头部声明的像素数超过 maxPixels 时拒绝，
// maxPixels <= 0 使用 DefaultMaxPixels
func DecodeBase64Limit(s string, maxPixels int) (*image.NRGBA, error) {
	raw, err := decodeBase64String(s)
	if err != nil {
		return nil, err
	}
	return DecodeLimit(raw, maxPixels)
}

// Decode 解码原始图像字节并转换为不透明 RGB
func Decode(raw []byte) (*image.NRGBA, error) {
	return DecodeLimit(raw, DefaultMaxPixels)
}

// DecodeLimit 先读取图像头部校验尺寸，再解码像素
func DecodeLimit(raw []byte, maxPixels int) (*image.NRGBA, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrInvalidImage)
	}
	if maxPixels <= 0 {
		maxPixels = DefaultMaxPixels
	}

	cfg, _, err := image.DecodeConfig(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("%w: zero-sized image", ErrInvalidImage)
	}
	if int64(cfg.Width)*int64(cfg.Height) > int64(maxPixels) {
		return nil, fmt.Errorf("%w: %dx%d exceeds the %d pixel limit", ErrInvalidImage, cfg.Width, cfg.Height, maxPixels)
	}

	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}
	b := img.Bounds()
	if b.Dx() == 0 || b.Dy() == 0 {
		return nil, fmt.Errorf("%w: zero-sized image", ErrInvalidImage)
	}
	return ToRGB(img), nil
}

func decodeBase64String(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("%w: empty payload", ErrInvalidImage)
	}
	if strings.HasPrefix(s, "data:") {
		comma := strings.IndexByte(s, ',')
		if comma < 0 || !strings.Contains(s[:comma], ";base64") {
			return nil, fmt.Errorf("%w: malformed data URL", ErrInvalidImage)
		}
		s = s[comma+1:]
	}
	s = strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\n', '\r', '\t':
			return -1
		}
		return r
	}, s)
	s = strings.TrimRight(s, "=")

	enc := base64.RawStdEncoding
	if strings.ContainsAny(s, "-_") {
		enc = base64.RawURLEncoding
	}
	raw, err := enc.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: bad base64: %v", ErrInvalidImage, err)
	}
	return raw, nil
}

// ToRGB 将任意颜色模型转换为原点在 (0,0) 的 NRGBA 并丢弃 alpha 通道，
// 颜色分量保持不变，所有像素不透明。
func ToRGB(img image.Image) *image.NRGBA {
	b := img.Bounds()
	dst := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
	for i := 3; i < len(dst.Pix); i += 4 {
		dst.Pix[i] = 0xff
	}
	return dst
}

// =============================================================================
// 📤 编码
// =============================================================================

// EncodePNG 编码为 PNG 字节
func EncodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	return buf.Bytes(), nil
}

// EncodePNGBase64 编码为不带 data URL 前缀的 base64 PNG
func EncodePNGBase64(img image.Image) (string, error) {
	data, err := EncodePNG(img)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// EncodeJPEG 编码为 JPEG 字节，quality 超出 [1,100] 时使用默认值
func EncodeJPEG(img image.Image, quality int) ([]byte, error) {
	if quality < 1 || quality > 100 {
		quality = jpeg.DefaultQuality
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}
