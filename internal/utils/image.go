package utils

import (
	"fmt"
	"regexp"
)

// SupportedImageFormats 支持的图片格式映射
var SupportedImageFormats = map[string]string{
	"image/jpeg": "jpeg",
	"image/png":  "png",
	"image/gif":  "gif",
	"image/webp": "webp",
	"image/bmp":  "bmp",
}

// IsSupportedImageFormat 检查是否为支持的图片格式
func IsSupportedImageFormat(mediaType string) bool {
	_, ok := SupportedImageFormats[mediaType]
	return ok
}

// BuildDataURL 将 base64 图片数据拼接为 data URL
// base64 数据原样透传，不做解码重编码，避免破坏图片内容
func BuildDataURL(mediaType, base64Data string) string {
	return "data:" + mediaType + ";base64," + base64Data
}

var dataURLPattern = regexp.MustCompile(`^data:([^;,]+)(;base64)?,(.+)$`)

// ParseDataURL 解析 data URL，提取媒体类型和 base64 数据
// 格式: data:[<mediatype>][;base64],<data>
func ParseDataURL(dataURL string) (mediaType, base64Data string, err error) {
	matches := dataURLPattern.FindStringSubmatch(dataURL)
	if len(matches) != 4 {
		return "", "", fmt.Errorf("无效的 data URL 格式")
	}

	mediaType = matches[1]
	isBase64 := matches[2] == ";base64"
	data := matches[3]

	if !isBase64 {
		return "", "", fmt.Errorf("仅支持 base64 编码的 data URL")
	}

	return mediaType, data, nil
}
