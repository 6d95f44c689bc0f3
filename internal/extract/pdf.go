package extract

import (
	"io"
	"strings"

	"github.com/ledongthuc/pdf"
)

// PDF extracts plain text from every page, joining pages with a blank line.
func PDF(r io.ReaderAt, size int64) (text string, err error) {
	// The pdf reader panics on some malformed inputs.
	defer func() {
		if rec := recover(); rec != nil {
			text, err = "", newError("pdf", "", errMalformed(rec))
		}
	}()

	reader, err := pdf.NewReader(r, size)
	if err != nil {
		return "", newError("pdf", "", err)
	}

	pages := make([]string, 0, reader.NumPage())
	for i := 1; i <= reader.NumPage(); i++ {
		p := reader.Page(i)
		if p.V.IsNull() {
			continue
		}
		content, err := p.GetPlainText(nil)
		if err != nil {
			return "", newError("pdf", "", err)
		}
		if content = strings.TrimSpace(content); content != "" {
			pages = append(pages, content)
		}
	}
	return strings.Join(pages, "\n\n"), nil
}
