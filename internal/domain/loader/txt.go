package loader

import (
	"fmt"
	"os"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/simplifiedchinese"

	"github.com/matiasleandrokruk/ragd/internal/domain/knowledge"
)

// TextLoader loads .txt files, trying UTF-8, then GBK, then GB2312, then
// Latin-1, the first decode that succeeds wins.
type TextLoader struct{}

func (l *TextLoader) Supports(path string) bool { return extOf(path) == ".txt" }

func (l *TextLoader) Load(path string) ([]knowledge.Document, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, &knowledge.LoaderError{Path: path, Msg: fmt.Sprintf("read: %v", err)}
	}

	text, encUsed, ok := decodeText(raw)
	if !ok {
		return nil, &knowledge.LoaderError{Path: path, Msg: "could not decode as UTF-8, GBK, GB2312, or Latin-1"}
	}

	return []knowledge.Document{{
		Content:  text,
		Metadata: map[string]string{"source": path, "encoding": encUsed},
	}}, nil
}

// decodeText tries each encoding in priority order and returns the first
// successful decode.
func decodeText(raw []byte) (text, encUsed string, ok bool) {
	if utf8.Valid(raw) {
		return string(raw), "utf-8", true
	}
	if s, err := simplifiedchinese.GBK.NewDecoder().Bytes(raw); err == nil && utf8.Valid(s) {
		return string(s), "gbk", true
	}
	if s, err := simplifiedchinese.HZGB2312.NewDecoder().Bytes(raw); err == nil && utf8.Valid(s) {
		return string(s), "gb2312", true
	}
	if s, err := charmap.ISO8859_1.NewDecoder().Bytes(raw); err == nil {
		return string(s), "latin-1", true
	}
	return "", "", false
}
