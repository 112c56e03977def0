package extract

import (
	"bytes"
	"context"
	"unicode/utf8"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// PlainText 提取纯文本类文件。
// 带 UTF-16 BOM 的文件会被转码为 UTF-8；否则按 UTF-8 处理，无效字节留给 Cleaner 去除。
type PlainText struct{}

func (PlainText) Extract(_ context.Context, _ string, data []byte) (Result, error) {
	if hasUTF16BOM(data) {
		// BOMOverride 根据 BOM 选择大小端并去掉 BOM
		dec := unicode.BOMOverride(unicode.UTF8.NewDecoder())
		out, _, err := transform.Bytes(dec, data)
		if err != nil {
			return Result{}, corrupt("utf-16 decode: %v", err)
		}
		return Result{Text: string(out)}, nil
	}
	data = bytes.TrimPrefix(data, []byte{0xEF, 0xBB, 0xBF})
	if !utf8.Valid(data) && looksBinary(data) {
		return Result{}, corrupt("binary content in text file")
	}
	return Result{Text: string(data)}, nil
}

func hasUTF16BOM(data []byte) bool {
	return len(data) >= 2 && ((data[0] == 0xFF && data[1] == 0xFE) || (data[0] == 0xFE && data[1] == 0xFF))
}

// looksBinary 在前 8KB 内出现 NUL 字节时认为内容是二进制。
func looksBinary(data []byte) bool {
	if len(data) > 8192 {
		data = data[:8192]
	}
	return bytes.IndexByte(data, 0) >= 0
}
