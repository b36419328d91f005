package backend

import (
	"bufio"
	"io"
	"strings"
)

const maxSSELineSize = 64 * 1024

// newSSEScanner returns a bufio.Scanner configured for reading one SSE
// line at a time, with a large enough buffer for full chat-completion
// chunks.
func newSSEScanner(r io.Reader) *bufio.Scanner {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 4096), maxSSELineSize)
	return s
}

// parseSSEDataLine returns the payload of a "data: ..." line and true, or
// ("", false) for blank lines, comments, and any other SSE field.
func parseSSEDataLine(line string) (data string, ok bool) {
	if line == "" || line[0] == ':' {
		return "", false
	}
	key, value, found := strings.Cut(line, ":")
	if !found || key != "data" {
		return "", false
	}
	return strings.TrimPrefix(value, " "), true
}
