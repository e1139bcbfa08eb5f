package driver

import (
	"strings"

	"github.com/charmbracelet/x/ansi"
)

// decoder reassembles complete lines from the child's arbitrarily chunked
// output stream. Only the region up to the last newline is ever processed,
// so the decoded lines are independent of chunk boundaries; the trailing
// fragment is retained for the next chunk.
type decoder struct {
	partial []byte
}

// feed appends a raw chunk and returns the newly completed, normalized,
// non-empty lines.
func (d *decoder) feed(chunk []byte) []string {
	d.partial = append(d.partial, chunk...)

	idx := -1
	for i := len(d.partial) - 1; i >= 0; i-- {
		if d.partial[i] == '\n' {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil
	}

	complete := string(d.partial[:idx])
	rest := d.partial[idx+1:]
	d.partial = append(d.partial[:0:0], rest...)

	return splitLines(complete)
}

// flush returns any final unterminated line once the stream has ended.
func (d *decoder) flush() []string {
	if len(d.partial) == 0 {
		return nil
	}
	lines := splitLines(string(d.partial))
	d.partial = nil
	return lines
}

func splitLines(s string) []string {
	var lines []string
	for _, line := range strings.Split(s, "\n") {
		line = normalizeLine(line)
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

// normalizeLine strips ANSI escape sequences, carriage returns, and other
// control characters the child's TTY wrapper may emit.
func normalizeLine(line string) string {
	line = ansi.Strip(line)
	line = strings.ReplaceAll(line, "\r", "")
	line = strings.Map(func(r rune) rune {
		if r < 0x20 && r != '\t' {
			return -1
		}
		return r
	}, line)
	return strings.TrimSpace(line)
}
