// internal/hexcodec/hexcodec.go

// Package hexcodec converts between raw bytes and their hex text forms.
// All functions are pure.
package hexcodec

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"unicode"
)

var (
	// ErrInvalidHex is returned when cleaned input has non-hex characters
	ErrInvalidHex = errors.New("invalid hex character")
	// ErrOddLength is returned when cleaned input has an odd digit count
	ErrOddLength = errors.New("hex string length must be even")
	// ErrEmpty is returned by Validate for empty input
	ErrEmpty = errors.New("hex string is empty")
	// ErrNoDigits is returned by Validate when nothing is left after cleanup
	ErrNoDigits = errors.New("no hex digits found")
)

const (
	upperDigits = "0123456789ABCDEF"
	lowerDigits = "0123456789abcdef"
)

// FormatError describes malformed hex input
type FormatError struct {
	Input    string
	Position int
	Err      error
}

func (e *FormatError) Error() string {
	if e.Position >= 0 {
		return fmt.Sprintf("%v at position %d", e.Err, e.Position)
	}
	return e.Err.Error()
}

func (e *FormatError) Unwrap() error {
	return e.Err
}

// BytesToHex renders each byte as two hex digits joined by sep
func BytesToHex(data []byte, sep string, upper bool) string {
	if len(data) == 0 {
		return ""
	}

	digits := upperDigits
	if !upper {
		digits = lowerDigits
	}

	var sb strings.Builder
	sb.Grow(len(data)*2 + (len(data)-1)*len(sep))
	for i, b := range data {
		if i > 0 {
			sb.WriteString(sep)
		}
		sb.WriteByte(digits[b>>4])
		sb.WriteByte(digits[b&0x0F])
	}
	return sb.String()
}

// ByteToHex renders a single byte
func ByteToHex(b byte, upper bool) string {
	return BytesToHex([]byte{b}, "", upper)
}

// HexToBytes decodes text after removing whitespace and '-' separators.
// Character validation runs before the odd-length check; the reported
// position is a byte offset into text as given.
func HexToBytes(text string) ([]byte, error) {
	for i, r := range text {
		if isSeparator(r) {
			continue
		}
		if r > unicode.MaxASCII || !isHexDigit(byte(r)) {
			return nil, &FormatError{Input: text, Position: i, Err: ErrInvalidHex}
		}
	}

	cleaned := clean(text)

	if len(cleaned)%2 != 0 {
		return nil, &FormatError{Input: text, Position: -1, Err: ErrOddLength}
	}

	data, err := hex.DecodeString(cleaned)
	if err != nil {
		return nil, &FormatError{Input: text, Position: -1, Err: err}
	}
	return data, nil
}

// IsValidHex reports whether text is non-empty and made only of hex digits.
// Separators are not tolerated here.
func IsValidHex(text string) bool {
	if text == "" {
		return false
	}
	for i := 0; i < len(text); i++ {
		if !isHexDigit(text[i]) {
			return false
		}
	}
	return true
}

// ByteCount returns how many bytes HexToBytes would produce, rounding up.
// The input is not decoded, so the count is provisional.
func ByteCount(text string) int {
	return (len(clean(text)) + 1) / 2
}

// Validate checks input without decoding it
func Validate(text string) error {
	if text == "" {
		return &FormatError{Input: text, Position: -1, Err: ErrEmpty}
	}

	cleaned := clean(text)
	if cleaned == "" {
		return &FormatError{Input: text, Position: -1, Err: ErrNoDigits}
	}

	_, err := HexToBytes(text)
	return err
}

// FormatBytes renders bytes with sep, starting a new line every
// bytesPerLine bytes. A bytesPerLine of zero disables wrapping.
func FormatBytes(data []byte, sep string, bytesPerLine int, upper bool) string {
	if len(data) == 0 {
		return ""
	}
	if bytesPerLine <= 0 {
		return BytesToHex(data, sep, upper)
	}

	lines := make([]string, 0, (len(data)+bytesPerLine-1)/bytesPerLine)
	for start := 0; start < len(data); start += bytesPerLine {
		end := min(start+bytesPerLine, len(data))
		lines = append(lines, BytesToHex(data[start:end], sep, upper))
	}
	return strings.Join(lines, "\n")
}

// FormatHexString re-renders hex text with sep and line wrapping. Text that
// does not decode is returned unchanged.
func FormatHexString(text, sep string, bytesPerLine int, upper bool) string {
	if text == "" {
		return ""
	}
	data, err := HexToBytes(text)
	if err != nil {
		return text
	}
	return FormatBytes(data, sep, bytesPerLine, upper)
}

// StringToHex renders the UTF-8 bytes of s
func StringToHex(s string, sep string) string {
	return BytesToHex([]byte(s), sep, true)
}

// HexToString decodes text and interprets the bytes as UTF-8
func HexToString(text string) (string, error) {
	data, err := HexToBytes(text)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func clean(text string) string {
	return strings.Map(func(r rune) rune {
		if isSeparator(r) {
			return -1
		}
		return r
	}, text)
}

func isSeparator(r rune) bool {
	return r == '-' || unicode.IsSpace(r)
}

func isHexDigit(c byte) bool {
	return ('0' <= c && c <= '9') || ('a' <= c && c <= 'f') || ('A' <= c && c <= 'F')
}
