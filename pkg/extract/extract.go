// Package extract 把上传的原始文件转换为纯文本。
// 每种文件类型（小写扩展名）绑定一个 Extractor，由 Registry 统一分发。
package extract

import (
	"context"
	"fmt"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"pai-docchat-go/internal/ragerr"
)

// Result 是一次提取的结果。
// Truncated 为 true 表示文件中途损坏，Text 只包含损坏之前成功解析的部分。
type Result struct {
	Text      string
	Truncated bool
}

// Extractor 从某一种文件格式中提取文本。
type Extractor interface {
	Extract(ctx context.Context, fileName string, data []byte) (Result, error)
}

// ExtractorFunc 让普通函数满足 Extractor 接口。
type ExtractorFunc func(ctx context.Context, fileName string, data []byte) (Result, error)

func (f ExtractorFunc) Extract(ctx context.Context, fileName string, data []byte) (Result, error) {
	return f(ctx, fileName, data)
}

// Registry 按文件类型分发到对应的 Extractor。
type Registry struct {
	mu         sync.RWMutex
	extractors map[string]Extractor
}

// NewRegistry 创建一个空的 Registry。
func NewRegistry() *Registry {
	return &Registry{extractors: make(map[string]Extractor)}
}

// Register 为一个或多个文件类型绑定 Extractor，类型不区分大小写，可带或不带前导点。
func (r *Registry) Register(e Extractor, fileTypes ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range fileTypes {
		r.extractors[normalizeType(t)] = e
	}
}

// Supported 返回已注册的文件类型（不带点，已排序）。
func (r *Registry) Supported() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.extractors))
	for t := range r.extractors {
		types = append(types, t)
	}
	slices.Sort(types)
	return types
}

// IsSupported 判断文件名对应的类型是否已注册。
func (r *Registry) IsSupported(fileName string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.extractors[FileType(fileName)]
	return ok
}

// Extract 根据文件名推断类型并提取文本。
// 未注册的类型返回 ErrUnsupportedFormat；0 字节的文件返回空文本。
func (r *Registry) Extract(ctx context.Context, fileName string, data []byte) (Result, error) {
	fileType := FileType(fileName)
	r.mu.RLock()
	e, ok := r.extractors[fileType]
	r.mu.RUnlock()
	if !ok {
		return Result{}, ragerr.New(ragerr.ErrUnsupportedFormat, "", "", fmt.Errorf("file type %q", fileType))
	}
	if len(data) == 0 {
		return Result{}, nil
	}
	res, err := e.Extract(ctx, fileName, data)
	if err != nil {
		return Result{}, err
	}
	return res, nil
}

// FileType 返回文件名的小写扩展名（不带点）。
func FileType(fileName string) string {
	return normalizeType(filepath.Ext(fileName))
}

func normalizeType(t string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(t), "."))
}

// corrupt 构造一个损坏文件错误。
func corrupt(format string, args ...any) error {
	return ragerr.New(ragerr.ErrCorruptDocument, "", "", fmt.Errorf(format, args...))
}
