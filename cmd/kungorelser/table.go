package main

import (
	"io"
	"strings"

	"github.com/mattn/go-runewidth"
)

// table renders aligned columns. Widths are display widths, so Swedish
// letters and wide runes line up.
type table struct {
	header []string
	rows   [][]string
}

func newTable(header ...string) *table {
	return &table{header: header}
}

func (t *table) add(cells ...string) {
	t.rows = append(t.rows, cells)
}

func (t *table) write(w io.Writer) {
	widths := make([]int, len(t.header))
	for _, row := range append([][]string{t.header}, t.rows...) {
		for i := 0; i < len(row) && i < len(widths); i++ {
			if n := runewidth.StringWidth(row[i]); n > widths[i] {
				widths[i] = n
			}
		}
	}

	var sb strings.Builder
	line := func(row []string) {
		sb.Reset()
		for i := range widths {
			cell := ""
			if i < len(row) {
				cell = row[i]
			}
			if i == len(widths)-1 {
				sb.WriteString(cell)
				break
			}
			sb.WriteString(runewidth.FillRight(cell, widths[i]))
			sb.WriteString("  ")
		}
		io.WriteString(w, strings.TrimRight(sb.String(), " ")+"\n")
	}
	line(t.header)
	for _, row := range t.rows {
		line(row)
	}
}

// truncate shortens s to max display columns, ending in "…".
func truncate(s string, max int) string {
	return runewidth.Truncate(s, max, "…")
}
