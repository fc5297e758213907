package library

import (
	"fmt"
	"strings"

	"golang.org/x/text/encoding/japanese"
	"golang.org/x/text/transform"
)

// Decode converts raw source bytes to UTF-8 text. Aozora-bunko archives
// traditionally ship as Shift_JIS, so that is supported alongside UTF-8.
func Decode(data []byte, encoding string) (string, error) {
	switch strings.ToLower(encoding) {
	case "", "utf-8", "utf8":
		return string(data), nil
	case "shift_jis", "shift-jis", "sjis":
		decoded, _, err := transform.Bytes(japanese.ShiftJIS.NewDecoder(), data)
		if err != nil {
			return "", fmt.Errorf("decode shift_jis: %w", err)
		}
		return string(decoded), nil
	default:
		return "", fmt.Errorf("unsupported source encoding %q", encoding)
	}
}
