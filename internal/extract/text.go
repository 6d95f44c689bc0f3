package extract

import (
	"io"
	"strings"
	"unicode/utf8"
)

// Text reads UTF-8 text and normalizes line endings to "\n".
func Text(r io.Reader) (string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", newError("text", "", err)
	}
	if !utf8.Valid(data) {
		data = []byte(strings.ToValidUTF8(string(data), "�"))
	}
	s := strings.ReplaceAll(string(data), "\r\n", "\n")
	return strings.ReplaceAll(s, "\r", "\n"), nil
}
