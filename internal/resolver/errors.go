package resolver

import (
	"errors"
	"fmt"
)

var (
	ErrModelNotFound   = errors.New("model not found")
	ErrModelLoadFailed = errors.New("model load failed")
)

// ModelLoadError 找到了候选目录但引擎加载失败
type ModelLoadError struct {
	Path string
	Err  error
}

func (e *ModelLoadError) Error() string {
	return fmt.Sprintf("%v: %s: %v", ErrModelLoadFailed, e.Path, e.Err)
}

func (e *ModelLoadError) Unwrap() []error {
	return []error{ErrModelLoadFailed, e.Err}
}
