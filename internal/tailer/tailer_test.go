package tailer

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeCSVRecord(t *testing.T, path string, fields ...string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	require.NoError(t, err)
	defer f.Close()
	line := ""
	for i, field := range fields {
		if i > 0 {
			line += ","
		}
		line += "\"" + field + "\""
	}
	_, err = f.WriteString(line + "\n")
	require.NoError(t, err)
}

func sampleRecord(tag string) []string {
	fields := make([]string, 22)
	for i := range fields {
		fields[i] = ""
	}
	fields[13] = tag // message column
	return fields
}

func TestValidateFilenameTemplate(t *testing.T) {
	assert.NoError(t, ValidateFilenameTemplate("postgresql-%Y-%m-%d_%H%M%S.csv"))
	assert.Error(t, ValidateFilenameTemplate("postgresql-%m-%Y-%d_%H%M%S.csv"))
	assert.Error(t, ValidateFilenameTemplate("postgresql.csv"))
}

func TestTailerRotation(t *testing.T) {
	dir := t.TempDir()
	first := filepath.Join(dir, "2024-01-01_10.csv")
	writeCSVRecord(t, first, sampleRecord("first-record")...)
	require.NoError(t, os.WriteFile(filepath.Join(dir, currentBuddyLog), []byte("log contents\n"), 0644))

	tl := New(dir, ".csv", nil)

	line, err := tl.Next()
	require.NoError(t, err)
	require.NotNil(t, line)
	assert.Equal(t, "first-record", line.Message)
	assert.Equal(t, "2024-01-01_10.csv", tl.CurrentName())

	// Nothing new yet: Next returns nil, nil.
	line, err = tl.Next()
	require.NoError(t, err)
	assert.Nil(t, line)

	second := filepath.Join(dir, "2024-01-01_11.csv")
	writeCSVRecord(t, second, sampleRecord("second-record")...)

	line, err = tl.Next()
	require.NoError(t, err)
	require.NotNil(t, line)
	assert.Equal(t, "second-record", line.Message)
	assert.Equal(t, "2024-01-01_11.csv", tl.CurrentName())

	_, err = os.Stat(filepath.Join(dir, "2024-01-01_10.log"))
	assert.NoError(t, err, "buddy log must be renamed to the retired CSV's base name")
}
