package extract

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"io"
	"strings"

	"pai-docchat-go/pkg/log"
)

const wordMain = "http://schemas.openxmlformats.org/wordprocessingml/2006/main"

// DOCX 解析 word/document.xml。
// 使用流式 XML 解码，解码中途出错时保留之前得到的文本并标记 Truncated。
type DOCX struct{}

func (DOCX) Extract(ctx context.Context, fileName string, data []byte) (Result, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return Result{}, corrupt("open docx archive: %v", err)
	}

	var body *zip.File
	for _, f := range zr.File {
		if f.Name == "word/document.xml" {
			body = f
			break
		}
	}
	if body == nil {
		return Result{}, corrupt("word/document.xml not found")
	}

	rc, err := body.Open()
	if err != nil {
		return Result{}, corrupt("open document.xml: %v", err)
	}
	defer rc.Close()

	text, err := decodeDocumentXML(ctx, rc)
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		if strings.TrimSpace(text) == "" {
			return Result{}, corrupt("decode document.xml: %v", err)
		}
		log.Warnf("[Extract] DOCX '%s' 解析中断，保留已解析的 %d 字节: %v", fileName, len(text), err)
		return Result{Text: text, Truncated: true}, nil
	}
	return Result{Text: text}, nil
}

// decodeDocumentXML 逐个 token 读取正文。
// w:t 为文本，w:tab 为制表符，w:br/w:cr 为换行，段落结束输出换行。
// 出错时返回已读取的文本和错误。
func decodeDocumentXML(ctx context.Context, r io.Reader) (string, error) {
	dec := xml.NewDecoder(r)
	var sb strings.Builder
	inText := false
	for {
		if err := ctx.Err(); err != nil {
			return sb.String(), err
		}
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			return sb.String(), nil
		}
		if err != nil {
			return sb.String(), err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Space != wordMain {
				continue
			}
			switch t.Name.Local {
			case "t":
				inText = true
			case "tab":
				sb.WriteByte('\t')
			case "br", "cr":
				sb.WriteByte('\n')
			}
		case xml.EndElement:
			if t.Name.Space != wordMain {
				continue
			}
			switch t.Name.Local {
			case "t":
				inText = false
			case "p":
				sb.WriteByte('\n')
			}
		case xml.CharData:
			if inText {
				sb.Write(t)
			}
		}
	}
}
