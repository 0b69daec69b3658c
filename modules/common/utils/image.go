package utils

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	_ "image/jpeg" // JPEG 디코더 등록
	_ "image/png"  // PNG 디코더 등록
	"strings"

	_ "github.com/kolesa-team/go-webp/decoder" // WebP 디코더 등록
	"github.com/kolesa-team/go-webp/encoder"
	"github.com/kolesa-team/go-webp/webp"
)

// DecodeBase64Image - base64 문자열을 바이너리로 ("data:image/png;base64," prefix 허용)
func DecodeBase64Image(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "data:") {
		idx := strings.Index(s, ",")
		if idx < 0 {
			return nil, fmt.Errorf("malformed data url")
		}
		s = s[idx+1:]
	}
	if s == "" {
		return nil, fmt.Errorf("empty image data")
	}

	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		// 패딩 없는 인코딩도 허용
		if data, err = base64.RawStdEncoding.DecodeString(s); err != nil {
			return nil, fmt.Errorf("failed to decode base64 image: %w", err)
		}
	}
	return data, nil
}

// ConvertToWebP - PNG/JPEG 바이너리를 WebP로 변환. 변환된 이미지 크기도 반환
func ConvertToWebP(data []byte, quality float32) ([]byte, int, int, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, 0, 0, fmt.Errorf("failed to decode image: %w", err)
	}

	options, err := encoder.NewLossyEncoderOptions(encoder.PresetDefault, quality)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("failed to create WebP encoder options: %w", err)
	}

	var buf bytes.Buffer
	if err := webp.Encode(&buf, img, options); err != nil {
		return nil, 0, 0, fmt.Errorf("failed to encode WebP: %w", err)
	}

	bounds := img.Bounds()
	return buf.Bytes(), bounds.Dx(), bounds.Dy(), nil
}
