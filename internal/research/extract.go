package research

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"
	"golang.org/x/net/html"
)

// maxExcerptLen caps the text sent to the research service per source.
const maxExcerptLen = 64 << 10 // 64KB

// ExtractText reduces a fetched source document to plain text based on its
// content type. HTML is stripped of markup and script/style bodies, PDFs go
// through the pdf reader, everything else is treated as already-plain text.
func ExtractText(contentType string, data []byte) (string, error) {
	switch {
	case strings.Contains(contentType, "text/html"):
		return extractHTML(data)
	case strings.Contains(contentType, "application/pdf"):
		return extractPDF(data)
	default:
		return truncate(string(data)), nil
	}
}

func extractHTML(data []byte) (string, error) {
	tokenizer := html.NewTokenizer(bytes.NewReader(data))

	var sb strings.Builder
	skipDepth := 0
	for {
		tt := tokenizer.Next()
		switch tt {
		case html.ErrorToken:
			if tokenizer.Err() == io.EOF {
				return truncate(collapseWhitespace(sb.String())), nil
			}
			return "", fmt.Errorf("parsing html: %w", tokenizer.Err())
		case html.StartTagToken:
			name, _ := tokenizer.TagName()
			if skipTag(string(name)) {
				skipDepth++
			}
		case html.EndTagToken:
			name, _ := tokenizer.TagName()
			if skipTag(string(name)) && skipDepth > 0 {
				skipDepth--
			}
		case html.TextToken:
			if skipDepth == 0 {
				sb.Write(tokenizer.Text())
				sb.WriteByte(' ')
			}
		}
	}
}

func skipTag(name string) bool {
	return name == "script" || name == "style" || name == "noscript"
}

func extractPDF(data []byte) (string, error) {
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("opening pdf: %w", err)
	}

	var sb strings.Builder
	for i := 1; i <= reader.NumPage(); i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			// A single broken page shouldn't sink the rest of the document.
			continue
		}
		sb.WriteString(text)
		sb.WriteByte('\n')
	}
	return truncate(sb.String()), nil
}

func collapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// truncate cuts s to maxExcerptLen bytes, backing off to a rune boundary so
// the excerpt never ends in a split multi-byte character.
func truncate(s string) string {
	if len(s) <= maxExcerptLen {
		return s
	}
	cut := maxExcerptLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
