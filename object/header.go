package object

import (
	"bytes"
	"fmt"
	"strings"
)

// HeaderField is one header line of a commit or tag object, in original
// wire order. Multi-line values (e.g. gpgsig) are stored with embedded
// "\n" separators and are re-indented by a single space on each
// continuation line when encoded, matching Git's own format.
type HeaderField struct {
	Key   string
	Value string
}

// splitHeaderAndMessage parses the "key value\n..." header block of a
// commit/tag up to the first blank line, honoring single-space-indented
// continuation lines, and returns the remaining bytes as the message body.
func splitHeaderAndMessage(payload []byte) ([]HeaderField, string, error) {
	var fields []HeaderField

	rest := payload
	for {
		if len(rest) == 0 {
			return nil, "", fmt.Errorf("%w: missing blank line before message", ErrMalformed)
		}
		if rest[0] == '\n' {
			rest = rest[1:]
			break
		}
		if rest[0] == ' ' {
			if len(fields) == 0 {
				return nil, "", fmt.Errorf("%w: continuation line with no preceding header", ErrMalformed)
			}
			nl := bytes.IndexByte(rest, '\n')
			var line []byte
			if nl == -1 {
				line, rest = rest[1:], nil
			} else {
				line, rest = rest[1:nl], rest[nl+1:]
			}
			fields[len(fields)-1].Value += "\n" + string(line)
			continue
		}

		nl := bytes.IndexByte(rest, '\n')
		if nl == -1 {
			return nil, "", fmt.Errorf("%w: unterminated header line", ErrMalformed)
		}
		line := rest[:nl]
		rest = rest[nl+1:]

		sp := bytes.IndexByte(line, ' ')
		if sp == -1 {
			return nil, "", fmt.Errorf("%w: header line missing value: %q", ErrMalformed, line)
		}
		fields = append(fields, HeaderField{Key: string(line[:sp]), Value: string(line[sp+1:])})
	}

	return fields, string(rest), nil
}

// encodeHeaderAndMessage is the inverse of splitHeaderAndMessage.
func encodeHeaderAndMessage(fields []HeaderField, message string) []byte {
	var buf bytes.Buffer
	for _, f := range fields {
		buf.WriteString(f.Key)
		buf.WriteByte(' ')
		lines := strings.Split(f.Value, "\n")
		buf.WriteString(lines[0])
		buf.WriteByte('\n')
		for _, cont := range lines[1:] {
			buf.WriteByte(' ')
			buf.WriteString(cont)
			buf.WriteByte('\n')
		}
	}
	buf.WriteByte('\n')
	buf.WriteString(message)
	return buf.Bytes()
}

func firstHeader(fields []HeaderField, key string) (string, bool) {
	for _, f := range fields {
		if f.Key == key {
			return f.Value, true
		}
	}
	return "", false
}

func countHeader(fields []HeaderField, key string) int {
	n := 0
	for _, f := range fields {
		if f.Key == key {
			n++
		}
	}
	return n
}
