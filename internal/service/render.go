// internal/service/render.go
package service

import (
	"strings"

	"golang.org/x/text/encoding/unicode"

	"serial-terminal/internal/hexcodec"
)

// Render projects received chunks into display text. Each chunk is rendered
// on its own and followed by a newline; nothing is cached.
func Render(chunks [][]byte, hexMode, upper bool) string {
	var b strings.Builder
	for _, chunk := range chunks {
		if hexMode {
			b.WriteString(hexcodec.BytesToHex(chunk, " ", upper))
		} else {
			b.WriteString(decodeText(chunk))
		}
		b.WriteByte('\n')
	}
	return b.String()
}

// decodeText decodes UTF-8, replacing invalid sequences with U+FFFD
func decodeText(data []byte) string {
	decoded, err := unicode.UTF8.NewDecoder().Bytes(data)
	if err != nil {
		return strings.ToValidUTF8(string(data), "\uFFFD")
	}
	return string(decoded)
}

func totalBytes(chunks [][]byte) uint64 {
	var n uint64
	for _, chunk := range chunks {
		n += uint64(len(chunk))
	}
	return n
}
