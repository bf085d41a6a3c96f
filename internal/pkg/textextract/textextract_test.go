package textextract

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractPlainText(t *testing.T) {
	out, err := Extract([]byte("hello world"), "notes.txt")
	require.NoError(t, err)
	assert.Equal(t, "hello world", out)

	out, err = Extract([]byte("# heading"), "README.md")
	require.NoError(t, err)
	assert.Equal(t, "# heading", out)
}

func TestExtractUnsupportedFormat(t *testing.T) {
	_, err := Extract([]byte{0x4d, 0x5a}, "tool.exe")
	var unsupported *UnsupportedFormatError
	require.ErrorAs(t, err, &unsupported)
	assert.Equal(t, ".exe", unsupported.Ext)
	assert.Contains(t, err.Error(), ".exe")
}

func TestExtractBrokenPDFReportsError(t *testing.T) {
	_, err := Extract([]byte("definitely not a pdf"), "report.pdf")
	assert.Error(t, err)
}

func TestSupportedExt(t *testing.T) {
	assert.True(t, SupportedExt("a.txt"))
	assert.True(t, SupportedExt("b.PDF"))
	assert.True(t, SupportedExt("c.docx"))
	assert.True(t, SupportedExt("d.md"))
	assert.False(t, SupportedExt("e.csv"))
	assert.False(t, SupportedExt("noext"))
}
