package util

import (
	"fmt"
	"io"
	"strings"
)

// TableColumn represents a column in a table
type TableColumn struct {
	Header string
	Key    string // key to extract from data map
	Width  int    // calculated width
}

// RenderTable writes a table with dynamic column widths to w. Values may
// carry ANSI color codes.
func RenderTable(w io.Writer, columns []TableColumn, data []map[string]interface{}) {
	if len(data) == 0 {
		fmt.Fprintln(w, "No data to display")
		return
	}

	for i := range columns {
		columns[i].Width = len(columns[i].Header)
		for _, row := range data {
			if value, exists := row[columns[i].Key]; exists {
				if width := getDisplayWidth(fmt.Sprintf("%v", value)); width > columns[i].Width {
					columns[i].Width = width
				}
			}
		}
	}

	cells := make([]string, len(columns))
	for i, col := range columns {
		cells[i] = fmt.Sprintf("%-*s", col.Width, col.Header)
	}
	fmt.Fprintln(w, strings.TrimRight(strings.Join(cells, "  "), " "))

	for i, col := range columns {
		cells[i] = strings.Repeat("-", col.Width)
	}
	fmt.Fprintln(w, strings.Join(cells, "  "))

	for _, row := range data {
		for i, col := range columns {
			value := ""
			if v, exists := row[col.Key]; exists {
				value = fmt.Sprintf("%v", v)
			}
			cells[i] = padStringToWidth(value, col.Width)
		}
		fmt.Fprintln(w, strings.TrimRight(strings.Join(cells, "  "), " "))
	}
}

// removeANSICodes strips SGR escape sequences
func removeANSICodes(s string) string {
	for {
		start := strings.Index(s, "\033[")
		if start == -1 {
			return s
		}
		end := strings.Index(s[start:], "m")
		if end == -1 {
			return s
		}
		s = s[:start] + s[start+end+1:]
	}
}

func getDisplayWidth(s string) int {
	return len([]rune(removeANSICodes(s)))
}

func padStringToWidth(s string, width int) string {
	if w := getDisplayWidth(s); w < width {
		return s + strings.Repeat(" ", width-w)
	}
	return s
}
