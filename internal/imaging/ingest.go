// Package imaging 把 data URL、远程 URL 或本地路径转换为位图。
// 任何失败都退化为固定的灰色占位图，调用方总能拿到可用的图片。
package imaging

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"

	"vlm-gateway/internal/telemetry"
	"vlm-gateway/pkg/logger"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

var ErrImageDecodeFailed = errors.New("image decode failed")

const (
	PlaceholderSize = 512
	maxRemoteBytes  = 20 << 20
)

// PlaceholderColor 占位图的颜色 RGB(200,200,200)
var PlaceholderColor = color.RGBA{R: 200, G: 200, B: 200, A: 255}

// Decoded 请求范围内的位图，Placeholder 为 true 时是共享的占位图，不可修改
type Decoded struct {
	Image       image.Image
	Format      string
	Placeholder bool
}

func (d *Decoded) Width() int {
	return d.Image.Bounds().Dx()
}

func (d *Decoded) Height() int {
	return d.Image.Bounds().Dy()
}

var (
	placeholderOnce sync.Once
	placeholder     *Decoded
)

// Placeholder 返回 512x512 的灰色占位图
func Placeholder() *Decoded {
	placeholderOnce.Do(func() {
		img := image.NewRGBA(image.Rect(0, 0, PlaceholderSize, PlaceholderSize))
		draw.Draw(img, img.Bounds(), &image.Uniform{C: PlaceholderColor}, image.Point{}, draw.Src)
		placeholder = &Decoded{Image: img, Format: "placeholder", Placeholder: true}
	})
	return placeholder
}

type Ingester struct {
	client       *http.Client
	placeholders metric.Int64Counter
}

// NewIngester client 的超时即远程图片的下载超时
func NewIngester(client *http.Client) *Ingester {
	counter, err := telemetry.Meter().Int64Counter(
		"image.placeholder",
		metric.WithDescription("Images replaced by the placeholder"),
	)
	if err != nil {
		logger.Warnf("failed to create placeholder counter: %v", err)
	}
	return &Ingester{
		client:       client,
		placeholders: counter,
	}
}

// Ingest 从来源解码图片，失败时记录原因并返回占位图
func (in *Ingester) Ingest(ctx context.Context, source string) *Decoded {
	ctx, span := telemetry.Tracer().Start(ctx, "ingest_image")
	defer span.End()

	kind, decoded, err := in.decode(ctx, source)
	span.SetAttributes(attribute.String("image.source", kind))
	if err != nil {
		logger.Warnf("图片处理失败，使用占位图 (%s): %v", kind, err)
		span.RecordError(err)
		if in.placeholders != nil {
			in.placeholders.Add(ctx, 1, metric.WithAttributes(attribute.String("source", kind)))
		}
		return Placeholder()
	}

	logger.Debugf("图片解码成功 (%s): %s %dx%d", kind, decoded.Format, decoded.Width(), decoded.Height())
	return decoded
}

func (in *Ingester) decode(ctx context.Context, source string) (string, *Decoded, error) {
	switch {
	case strings.HasPrefix(source, "data:"):
		d, err := decodeDataURL(source)
		return "data_url", d, err
	case strings.HasPrefix(source, "http://"), strings.HasPrefix(source, "https://"):
		d, err := in.fetch(ctx, source)
		return "remote", d, err
	default:
		d, err := decodeFile(source)
		return "local", d, err
	}
}

func decodeDataURL(source string) (*Decoded, error) {
	payload := source
	if idx := strings.Index(source, "base64,"); idx >= 0 {
		payload = source[idx+len("base64,"):]
	} else if idx := strings.Index(source, ","); idx >= 0 {
		payload = source[idx+1:]
	}

	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		// 有些客户端省略填充
		if data, err = base64.RawStdEncoding.DecodeString(strings.TrimRight(payload, "=")); err != nil {
			return nil, fmt.Errorf("%w: base64: %v", ErrImageDecodeFailed, err)
		}
	}
	return decodeBytes(data)
}

func (in *Ingester) fetch(ctx context.Context, url string) (*Decoded, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create request: %v", ErrImageDecodeFailed, err)
	}

	resp, err := in.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to download image: %v", ErrImageDecodeFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: bad status code: %d", ErrImageDecodeFailed, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxRemoteBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", ErrImageDecodeFailed, err)
	}
	return decodeBytes(data)
}

func decodeFile(path string) (*Decoded, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: empty path", ErrImageDecodeFailed)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: 图片文件不存在或不可读: %v", ErrImageDecodeFailed, err)
	}
	return decodeBytes(data)
}

func decodeBytes(data []byte) (*Decoded, error) {
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrImageDecodeFailed, err)
	}
	return &Decoded{Image: img, Format: format}, nil
}
