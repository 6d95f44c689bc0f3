package extract

import (
	"archive/zip"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"
)

const docxBody = "word/document.xml"

// docxDocument mirrors the parts of word/document.xml that carry text.
type docxDocument struct {
	Body struct {
		Paragraphs []docxParagraph `xml:"p"`
	} `xml:"body"`
}

type docxParagraph struct {
	Runs []struct {
		Text []struct {
			Content string `xml:",chardata"`
		} `xml:"t"`
	} `xml:"r"`
}

// DOCX extracts paragraph text from a Word document, joined with a blank line.
func DOCX(r io.ReaderAt, size int64) (string, error) {
	zr, err := zip.NewReader(r, size)
	if err != nil {
		return "", newError("docx", "", err)
	}

	for _, f := range zr.File {
		if f.Name != docxBody {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return "", newError("docx", "", err)
		}
		var doc docxDocument
		err = xml.NewDecoder(rc).Decode(&doc)
		rc.Close()
		if err != nil {
			return "", newError("docx", "", err)
		}

		paras := make([]string, 0, len(doc.Body.Paragraphs))
		for _, p := range doc.Body.Paragraphs {
			var b strings.Builder
			for _, run := range p.Runs {
				for _, t := range run.Text {
					b.WriteString(t.Content)
				}
			}
			if s := strings.TrimSpace(b.String()); s != "" {
				paras = append(paras, s)
			}
		}
		return strings.Join(paras, "\n\n"), nil
	}
	return "", newError("docx", "", errors.New("missing "+docxBody))
}

func errMalformed(v any) error {
	return fmt.Errorf("malformed document: %v", v)
}
