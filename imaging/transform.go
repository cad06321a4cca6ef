package imaging

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"math"

	"github.com/nfnt/resize"
)

// Resize 双三次插值缩放到 w x h，尺寸相同时直接返回原图
func Resize(img image.Image, w, h int) image.Image {
	b := img.Bounds()
	if b.Dx() == w && b.Dy() == h {
		return img
	}
	return resize.Resize(uint(w), uint(h), img, resize.Bicubic)
}

// ToGray 转换为 8 位灰度图，原点归零
func ToGray(img image.Image) *image.Gray {
	b := img.Bounds()
	dst := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
	return dst
}

// DepthToImage 将 w*h 行优先的深度值按 min-max 归一化到 [0,255] 灰度。
// 常量深度图输出全 0；NaN 与 Inf 视为最小值。
func DepthToImage(values []float32, w, h int) (*image.Gray, error) {
	if w <= 0 || h <= 0 || len(values) != w*h {
		return nil, fmt.Errorf("depth map has %d values, want %dx%d", len(values), w, h)
	}

	lo, hi := math.Inf(1), math.Inf(-1)
	for _, v := range values {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			continue
		}
		lo = math.Min(lo, f)
		hi = math.Max(hi, f)
	}

	dst := image.NewGray(image.Rect(0, 0, w, h))
	span := hi - lo
	if math.IsInf(lo, 1) || span <= 0 {
		return dst, nil
	}

	for i, v := range values {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			continue
		}
		dst.Pix[i] = uint8(math.Round((f - lo) / span * 255))
	}
	return dst, nil
}

// GrayToRGB 将单通道控制图扩展为三通道，与扩散管线的输入格式一致
func GrayToRGB(g *image.Gray) *image.NRGBA {
	b := g.Bounds()
	dst := image.NewNRGBA(b)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			v := g.GrayAt(x, y).Y
			dst.SetNRGBA(x, y, color.NRGBA{R: v, G: v, B: v, A: 255})
		}
	}
	return dst
}

// Digest 返回像素内容的 SHA-256 摘要，用作嵌入缓存键
func Digest(img *image.NRGBA) string {
	h := sha256.New()
	b := img.Bounds()
	var dims [8]byte
	binary.BigEndian.PutUint32(dims[:4], uint32(b.Dx()))
	binary.BigEndian.PutUint32(dims[4:], uint32(b.Dy()))
	h.Write(dims[:])
	for y := 0; y < b.Dy(); y++ {
		off := y * img.Stride
		h.Write(img.Pix[off : off+4*b.Dx()])
	}
	return hex.EncodeToString(h.Sum(nil))
}
