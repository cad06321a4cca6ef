// Package imaging 提供帧合成所需的图像编解码与像素变换：
// base64 解码、PNG/JPEG 编码、双三次缩放、深度图归一化与灰度转换。
package imaging
