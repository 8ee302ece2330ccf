// Package resolver 把请求的模型标识解析为可加载的模型目录，并持有进程内唯一的已加载模型。
package resolver

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"vlm-gateway/internal/engine"
	"vlm-gateway/internal/telemetry"
	"vlm-gateway/pkg/logger"

	"go.opentelemetry.io/otel/attribute"
)

// Handle 已加载的模型，创建后不再修改；请求持有快照指针
type Handle struct {
	ID        string
	Dir       string
	Model     engine.Model
	Processor engine.Processor
}

type Options struct {
	Root      string
	Suffix    string
	NestedDir string
}

type Resolver struct {
	engine engine.Engine
	opts   Options

	// loadMu 串行化解析和加载，避免并发的懒加载重复加载
	loadMu sync.Mutex

	mu      sync.RWMutex
	current *Handle
}

func New(eng engine.Engine, opts Options) *Resolver {
	if opts.Suffix == "" {
		opts.Suffix = "-mlx"
	}
	if opts.NestedDir == "" {
		opts.NestedDir = "mlx_models"
	}
	return &Resolver{
		engine: eng,
		opts:   opts,
	}
}

// Current 返回当前模型快照，未加载时为 nil
func (r *Resolver) Current() *Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current
}

// CurrentID 返回当前模型 ID，未加载时为空
func (r *Resolver) CurrentID() string {
	if h := r.Current(); h != nil {
		return h.ID
	}
	return ""
}

// Ensure 已有模型直接返回，否则解析并加载
func (r *Resolver) Ensure(ctx context.Context, requestedID string) (*Handle, error) {
	if h := r.Current(); h != nil {
		return h, nil
	}

	r.loadMu.Lock()
	defer r.loadMu.Unlock()

	// 等锁期间可能已被其他请求加载
	if h := r.Current(); h != nil {
		return h, nil
	}
	return r.resolveLocked(ctx, requestedID)
}

// Resolve 解析并加载模型，成功后替换当前模型
func (r *Resolver) Resolve(ctx context.Context, requestedID string) (*Handle, error) {
	r.loadMu.Lock()
	defer r.loadMu.Unlock()
	return r.resolveLocked(ctx, requestedID)
}

func (r *Resolver) resolveLocked(ctx context.Context, requestedID string) (*Handle, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "resolve_model")
	defer span.End()

	id, dir, err := r.Locate(requestedID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	span.SetAttributes(
		attribute.String("model.requested", requestedID),
		attribute.String("model.id", id),
	)

	abs, err := filepath.Abs(dir)
	if err != nil {
		abs = dir
	}
	logger.Infof("模型加载中: %s (%s)", id, abs)

	model, proc, err := r.engine.Load(ctx, abs)
	if err == nil && (model == nil || proc == nil) {
		err = errors.New("engine returned an incomplete model/processor pair")
	}
	if err != nil {
		loadErr := &ModelLoadError{Path: abs, Err: err}
		span.RecordError(loadErr)
		return nil, loadErr
	}

	h := &Handle{
		ID:        id,
		Dir:       abs,
		Model:     model,
		Processor: proc,
	}

	r.mu.Lock()
	previous := r.current
	r.current = h
	r.mu.Unlock()

	if previous != nil && previous.ID != h.ID {
		logger.Infof("模型已替换: %s -> %s", previous.ID, h.ID)
	} else {
		logger.Infof("模型加载完成: %s", h.ID)
	}
	return h, nil
}

// Locate 按固定顺序查找模型目录：
//  1. <root>/<id>，然后 <root>/<nested>/<id>
//  2. <root>/<nested> 下第一个带后缀的目录
//  3. <root> 下第一个带后缀的目录
func (r *Resolver) Locate(requestedID string) (string, string, error) {
	root := r.opts.Root
	if _, err := os.Stat(root); err != nil {
		return "", "", fmt.Errorf("%w: models root %s: %v", ErrModelNotFound, root, err)
	}
	nested := filepath.Join(root, r.opts.NestedDir)

	if requestedID != "" {
		if validID(requestedID) {
			for _, candidate := range []string{
				filepath.Join(root, requestedID),
				filepath.Join(nested, requestedID),
			} {
				if exists(candidate) {
					return requestedID, candidate, nil
				}
			}
		}
		logger.Warnf("指定的模型路径不存在: %s，查找替代模型", requestedID)
	}

	for _, dir := range []string{nested, root} {
		if id, ok := r.firstSuffixed(dir); ok {
			logger.Infof("找到替代模型: %s (%s)", id, dir)
			return id, filepath.Join(dir, id), nil
		}
	}

	if requestedID != "" {
		return "", "", fmt.Errorf("%w: %s", ErrModelNotFound, requestedID)
	}
	return "", "", fmt.Errorf("%w: no *%s directory under %s", ErrModelNotFound, r.opts.Suffix, root)
}

// os.ReadDir 按文件名排序返回
func (r *Resolver) firstSuffixed(dir string) (string, bool) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", false
	}
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasSuffix(name, r.opts.Suffix) {
			continue
		}
		if info, err := os.Stat(filepath.Join(dir, name)); err == nil && info.IsDir() {
			return name, true
		}
	}
	return "", false
}

// 模型 ID 只能是单级目录名
func validID(id string) bool {
	return id != "." && id != ".." && !strings.ContainsAny(id, `/\`)
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
