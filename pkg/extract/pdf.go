package extract

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/unidoc/unipdf/v3/common/license"
	"github.com/unidoc/unipdf/v3/extractor"
	"github.com/unidoc/unipdf/v3/model"

	"pai-docchat-go/pkg/log"
)

// PDF 使用 unipdf 逐页提取文本。
// 某一页解析失败时保留之前各页的文本，并标记 Truncated。
type PDF struct{}

// SetPDFLicense 设置 unipdf 的 metered license key，空字符串时跳过。
func SetPDFLicense(key string) error {
	if key == "" {
		return nil
	}
	return license.SetMeteredKey(key)
}

func (PDF) Extract(ctx context.Context, fileName string, data []byte) (res Result, err error) {
	// unipdf 在部分畸形文件上会 panic
	defer func() {
		if r := recover(); r != nil {
			res, err = Result{}, corrupt("%v", errPanic{r})
		}
	}()

	reader, err := model.NewPdfReader(bytes.NewReader(data))
	if err != nil {
		return Result{}, corrupt("open pdf: %v", err)
	}

	encrypted, err := reader.IsEncrypted()
	if err != nil {
		return Result{}, corrupt("inspect pdf: %v", err)
	}
	if encrypted {
		// 只尝试空密码，带密码的文件视为无法解析
		ok, err := reader.Decrypt([]byte(""))
		if err != nil || !ok {
			return Result{}, corrupt("pdf is password protected")
		}
	}

	numPages, err := reader.GetNumPages()
	if err != nil {
		return Result{}, corrupt("read page count: %v", err)
	}

	var sb strings.Builder
	for i := 1; i <= numPages; i++ {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		text, err := extractPage(reader, i)
		if err != nil {
			if i == 1 {
				return Result{}, corrupt("page %d: %v", i, err)
			}
			log.Warnf("[Extract] PDF '%s' 第 %d 页解析失败，保留前 %d 页: %v", fileName, i, i-1, err)
			return Result{Text: sb.String(), Truncated: true}, nil
		}
		sb.WriteString(text)
		sb.WriteString("\n\n")
	}
	return Result{Text: sb.String()}, nil
}

func extractPage(reader *model.PdfReader, i int) (text string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errPanic{r}
		}
	}()
	page, err := reader.GetPage(i)
	if err != nil {
		return "", err
	}
	ex, err := extractor.New(page)
	if err != nil {
		return "", err
	}
	return ex.ExtractText()
}

type errPanic struct{ v any }

func (e errPanic) Error() string { return fmt.Sprintf("pdf parser panic: %v", e.v) }
