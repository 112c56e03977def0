package extract

import (
	"bytes"
	"context"
	"errors"

	"pai-docchat-go/internal/ragerr"
	"pai-docchat-go/pkg/tika"
)

// TikaTypes 是交给 Tika 服务器处理的文件类型。
var TikaTypes = []string{"doc", "ppt", "pptx", "xls", "xlsx", "rtf", "odt"}

// Tika 把文件发送给 Apache Tika 服务器提取文本。
type Tika struct {
	Client *tika.Client
}

func (t Tika) Extract(ctx context.Context, fileName string, data []byte) (Result, error) {
	text, err := t.Client.ExtractText(ctx, bytes.NewReader(data), fileName)
	if err != nil {
		if errors.Is(err, tika.ErrUnprocessable) {
			return Result{}, ragerr.New(ragerr.ErrCorruptDocument, "", "", err)
		}
		return Result{}, err
	}
	return Result{Text: text}, nil
}

// NewDefaultRegistry 注册内置的提取器；tikaClient 为 nil 时不支持 Office 类格式。
func NewDefaultRegistry(tikaClient *tika.Client) *Registry {
	r := NewRegistry()
	r.Register(PlainText{}, "txt", "md", "markdown", "csv", "log")
	r.Register(PDF{}, "pdf")
	r.Register(DOCX{}, "docx")
	if tikaClient != nil {
		r.Register(Tika{Client: tikaClient}, TikaTypes...)
	}
	return r
}
