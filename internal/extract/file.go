package extract

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// SupportedExtensions lists the file extensions File can dispatch on.
var SupportedExtensions = []string{".txt", ".md", ".html", ".htm", ".pdf", ".docx"}

// Supported reports whether path has an extension File understands.
func Supported(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, e := range SupportedExtensions {
		if e == ext {
			return true
		}
	}
	return false
}

// File extracts text from the file at path based on its extension.
func File(path string) (string, error) {
	if !Supported(path) {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, filepath.Ext(path))
	}

	f, err := os.Open(path)
	if err != nil {
		return "", newError(formatOf(path), path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", newError(formatOf(path), path, err)
	}

	var text string
	switch strings.ToLower(filepath.Ext(path)) {
	case ".txt", ".md":
		text, err = Text(f)
	case ".html", ".htm":
		var doc Document
		doc, err = HTML(f)
		text = doc.Text
	case ".pdf":
		text, err = PDF(f, info.Size())
	case ".docx":
		text, err = DOCX(f, info.Size())
	}
	if err != nil {
		var ee *ExtractionError
		if errors.As(err, &ee) && ee.Source == "" {
			ee.Source = path
		}
		return "", err
	}
	return text, nil
}

func formatOf(path string) string {
	return strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
}
