package runtime

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type logLine struct {
	vertex  string
	line    string
	isError bool
}

func collect(t *testing.T, response string) ([]logLine, error) {
	t.Helper()
	var lines []logLine
	err := streamBuildResponse(strings.NewReader(response), func(vertex, line string, isError bool) {
		lines = append(lines, logLine{vertex: vertex, line: line, isError: isError})
	})
	return lines, err
}

func TestStreamBuildResponsePlainLines(t *testing.T) {
	response := `{"stream":"Step 1/2 : FROM alpine\n"}
{"stream":"Step 2/2 : RUN true\n"}
{"stream":"\n"}
`
	lines, err := collect(t, response)
	require.NoError(t, err)
	require.Len(t, lines, 2)
	assert.Equal(t, "Step 1/2 : FROM alpine", lines[0].line)
	assert.False(t, lines[0].isError)
}

func TestStreamBuildResponseCachedVertex(t *testing.T) {
	response := `{"aux":{"id":"build deps","cached":true}}
`
	lines, err := collect(t, response)
	require.NoError(t, err)
	require.Len(t, lines, 1)
	assert.Equal(t, "build deps", lines[0].vertex)
	assert.Equal(t, "CACHED build deps", lines[0].line)
}

func TestStreamBuildResponseError(t *testing.T) {
	response := `{"stream":"Step 1/1 : RUN false\n"}
{"error":"The command '/bin/sh -c false' returned a non-zero code: 1","errorDetail":{"message":"non-zero code"}}
`
	lines, err := collect(t, response)
	require.Error(t, err)
	require.Len(t, lines, 2)
	assert.True(t, lines[1].isError)
	assert.Contains(t, lines[1].line, "non-zero code: 1")
}

func TestStreamBuildResponseUnparseableLinePassedThrough(t *testing.T) {
	lines, err := collect(t, "not json at all\n")
	require.NoError(t, err)
	require.Len(t, lines, 1)
	assert.Equal(t, "not json at all", lines[0].line)
	assert.False(t, lines[0].isError)
}
