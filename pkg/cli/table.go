package cli

import (
	"fmt"
	"io"
	"os"
	"strings"
)

const columnGap = 2

// Table buffers rows and prints them column-aligned. Columns are narrowed
// to fit the terminal, wrapping cells, but never below their header width.
// Empty tables produce no output.
type Table struct {
	w       io.Writer
	width   int
	headers []string
	prefix  string
	rows    [][]string
}

// NewTable creates a table on stdout with the given column headers.
func NewTable(headers ...string) *Table {
	return &Table{w: os.Stdout, width: TerminalWidth(), headers: headers}
}

// WithWriter redirects output. Width 0 disables fitting.
func (t *Table) WithWriter(w io.Writer, width int) *Table {
	t.w = w
	t.width = width
	return t
}

// WithPrefix sets a string prepended to each line (headers, divider, rows).
func (t *Table) WithPrefix(prefix string) *Table {
	t.prefix = prefix
	return t
}

// Row adds a row. Missing cells are blank.
func (t *Table) Row(values ...string) {
	row := make([]string, len(t.headers))
	copy(row, values)
	t.rows = append(t.rows, row)
}

// Flush prints the buffered rows.
func (t *Table) Flush() {
	if len(t.rows) == 0 {
		return
	}
	widths := make([]int, len(t.headers))
	for i, h := range t.headers {
		widths[i] = visualLen(h)
	}
	for _, row := range t.rows {
		for i, c := range row {
			if l := visualLen(c); l > widths[i] {
				widths[i] = l
			}
		}
	}
	if t.width > 0 {
		widths = capWidths(widths, t.headers, t.width, len(t.prefix))
	}

	dividers := make([]string, len(t.headers))
	for i, h := range t.headers {
		dividers[i] = strings.Repeat("-", len(h))
	}
	t.line(widths, t.headers)
	t.line(widths, dividers)
	for _, row := range t.rows {
		cells := make([][]string, len(row))
		height := 1
		for i, c := range row {
			cells[i] = wrapCell(c, widths[i])
			if len(cells[i]) > height {
				height = len(cells[i])
			}
		}
		for l := 0; l < height; l++ {
			line := make([]string, len(row))
			for i := range row {
				if l < len(cells[i]) {
					line[i] = cells[i][l]
				}
			}
			t.line(widths, line)
		}
	}
	t.rows = nil
}

func (t *Table) line(widths []int, cells []string) {
	var b strings.Builder
	b.WriteString(t.prefix)
	for i, c := range cells {
		b.WriteString(c)
		if i < len(cells)-1 {
			b.WriteString(strings.Repeat(" ", widths[i]-visualLen(c)+columnGap))
		}
	}
	fmt.Fprintln(t.w, strings.TrimRight(b.String(), " "))
}

// capWidths shrinks the widest reducible column until the row fits in
// termWidth. No column goes below its header's width.
func capWidths(widths []int, headers []string, termWidth, prefix int) []int {
	out := append([]int(nil), widths...)
	total := func() int {
		n := prefix + columnGap*(len(out)-1)
		for _, w := range out {
			n += w
		}
		return n
	}
	for total() > termWidth {
		widest := -1
		for i, w := range out {
			if w > visualLen(headers[i]) && (widest < 0 || w > out[widest]) {
				widest = i
			}
		}
		if widest < 0 {
			break
		}
		out[widest]--
	}
	return out
}

// wrapCell splits s into lines of at most width, breaking at spaces and
// hard-breaking words longer than width. Strings that fit are returned
// unchanged, escape sequences included.
func wrapCell(s string, width int) []string {
	if visualLen(s) <= width || width <= 0 {
		return []string{s}
	}
	var lines []string
	cur := ""
	for _, word := range strings.Fields(s) {
		for len(word) > width {
			if cur != "" {
				lines = append(lines, cur)
				cur = ""
			}
			lines = append(lines, word[:width])
			word = word[width:]
		}
		switch {
		case cur == "":
			cur = word
		case len(cur)+1+len(word) <= width:
			cur += " " + word
		default:
			lines = append(lines, cur)
			cur = word
		}
	}
	if cur != "" || len(lines) == 0 {
		lines = append(lines, cur)
	}
	return lines
}
