package pipeline

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"

	"pai-docchat-go/pkg/log"
)

// 第一轮之后每轮只删除或合并字符，文本在有限轮内收敛。
const maxCleanPasses = 64

var (
	// exam-\nple → example，只合并小写字母开头的续行
	hyphenWrap    = regexp.MustCompile(`(\p{L})-\n(\p{Ll})`)
	spaceRun      = regexp.MustCompile(` {2,}`)
	blankLineRun  = regexp.MustCompile(`\n{3,}`)
	invisibleRune = strings.NewReplacer(
		"\u200b", "", // zero width space
		"\u200c", "", // zero width non-joiner
		"\u200d", "", // zero width joiner
		"\u2060", "", // word joiner
		"\ufeff", "", // BOM
		"\u00ad", "", // soft hyphen
	)
)

// Cleaner 把提取出的原始文本规整为适合分块的文本。
// Clean 是全函数且幂等：Clean(Clean(x)) == Clean(x)。
type Cleaner struct {
	denylist []*regexp.Regexp
}

// NewCleaner 使用一组样板行正则创建 Cleaner。
// 与某个正则完整匹配的行（去掉首尾空白后）会被删除；无法编译的正则记录日志后忽略。
func NewCleaner(boilerplatePatterns []string) *Cleaner {
	c := &Cleaner{}
	for _, p := range boilerplatePatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			log.Warnf("[Cleaner] 忽略无效的样板正则 %q: %v", p, err)
			continue
		}
		c.denylist = append(c.denylist, re)
	}
	return c
}

// Clean 反复执行一轮清洗直到文本不再变化。
func (c *Cleaner) Clean(text string) string {
	for i := 0; i < maxCleanPasses; i++ {
		next := c.pass(text)
		if next == text {
			return next
		}
		text = next
	}
	return text
}

func (c *Cleaner) pass(text string) string {
	text = strings.ToValidUTF8(text, "")
	text = norm.NFC.String(text)
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	text = invisibleRune.Replace(text)
	text = strings.Map(mapSpace, text)
	text = spaceRun.ReplaceAllString(text, " ")

	lines := strings.Split(text, "\n")
	kept := lines[:0]
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line != "" && c.isBoilerplate(line) {
			continue
		}
		kept = append(kept, line)
	}
	text = strings.Join(kept, "\n")

	text = hyphenWrap.ReplaceAllString(text, "$1$2")
	text = blankLineRun.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}

func (c *Cleaner) isBoilerplate(line string) bool {
	for _, re := range c.denylist {
		if loc := re.FindStringIndex(line); loc != nil && loc[0] == 0 && loc[1] == len(line) {
			return true
		}
	}
	return false
}

// mapSpace 把各种空白统一为空格，删除除换行外的控制字符。
func mapSpace(r rune) rune {
	switch {
	case r == '\n':
		return r
	case r == '\t', r == '\u00a0', r == '\u3000':
		return ' '
	case unicode.IsControl(r):
		return -1
	case unicode.IsSpace(r):
		return ' '
	}
	return r
}
