package util

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderTable(t *testing.T) {
	var buf bytes.Buffer
	RenderTable(&buf, []TableColumn{
		{Header: "STREAM", Key: "stream"},
		{Header: "SAMPLES", Key: "samples"},
	}, []map[string]interface{}{
		{"stream": "video", "samples": 120},
		{"stream": "\033[31mmic\033[0m", "samples": 30},
	})

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	require.Len(t, lines, 4)
	assert.Equal(t, "STREAM  SAMPLES", lines[0])
	assert.Equal(t, "------  -------", lines[1])
	assert.Equal(t, "video   120", lines[2])
	assert.Equal(t, "\033[31mmic\033[0m     30", lines[3])
}

func TestRenderTable_Empty(t *testing.T) {
	var buf bytes.Buffer
	RenderTable(&buf, []TableColumn{{Header: "A", Key: "a"}}, nil)
	assert.Equal(t, "No data to display\n", buf.String())
}

func TestRemoveANSICodes(t *testing.T) {
	assert.Equal(t, "ok", removeANSICodes("\033[1;32mok\033[0m"))
	assert.Equal(t, "plain", removeANSICodes("plain"))
	assert.Equal(t, 3, getDisplayWidth("\033[33mé\033[0mab"))
}
