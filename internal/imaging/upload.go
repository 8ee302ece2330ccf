package imaging

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
)

// DataURL 校验上传的图片并转换为 data URL，保留原始字节
func DataURL(data []byte) (string, string, error) {
	_, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrImageDecodeFailed, err)
	}
	if format == "" {
		format = "jpeg"
	}
	return fmt.Sprintf("data:image/%s;base64,%s", format, base64.StdEncoding.EncodeToString(data)), format, nil
}
