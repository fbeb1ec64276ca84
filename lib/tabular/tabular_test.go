package tabular

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rockenbf/oxen/lib/tree"
)

func writeTemp(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestIsTabular(t *testing.T) {
	assert.True(t, IsTabular("data.csv"))
	assert.True(t, IsTabular("data.TSV"))
	assert.True(t, IsTabular("events.jsonl"))
	assert.False(t, IsTabular("image.png"))
	assert.False(t, IsTabular("notes.txt"))
}

func TestDetectType(t *testing.T) {
	csvPath := writeTemp(t, "d.csv", "a,b\n1,2\n")
	dataType, mimeType, err := DetectType(csvPath)
	require.NoError(t, err)
	assert.Equal(t, tree.DataTypeTabular, dataType)
	assert.Equal(t, "text/csv", mimeType)

	textPath := writeTemp(t, "n.txt", "plain notes")
	dataType, _, err = DetectType(textPath)
	require.NoError(t, err)
	assert.Equal(t, tree.DataTypeText, dataType)
}

func TestHashRowsOrderSensitive(t *testing.T) {
	a := writeTemp(t, "a.csv", "h\n1\n2\n")
	b := writeTemp(t, "b.csv", "h\n2\n1\n")

	hashA, err := HashRows(a)
	require.NoError(t, err)
	hashB, err := HashRows(b)
	require.NoError(t, err)
	assert.NotEqual(t, hashA, hashB)
}

func TestHashRowsTrailingNewlineInvariant(t *testing.T) {
	a := writeTemp(t, "a.csv", "h\n1\n2\n")
	b := writeTemp(t, "b.csv", "h\n1\n2")

	hashA, err := HashRows(a)
	require.NoError(t, err)
	hashB, err := HashRows(b)
	require.NoError(t, err)
	assert.Equal(t, hashA, hashB)
}

func TestHashRowsDeterministic(t *testing.T) {
	a := writeTemp(t, "a.csv", "x,y\n1,2\n3,4\n")
	b := writeTemp(t, "b.csv", "x,y\n1,2\n3,4\n")

	hashA, err := HashRows(a)
	require.NoError(t, err)
	hashB, err := HashRows(b)
	require.NoError(t, err)
	assert.Equal(t, hashA, hashB)
}

func TestReadSchemaCSV(t *testing.T) {
	path := writeTemp(t, "d.csv", "name,age,city\nann,30,oslo\n")
	schema, err := ReadSchema(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"name", "age", "city"}, schema.Fields)
}

func TestReadSchemaTSV(t *testing.T) {
	path := writeTemp(t, "d.tsv", "name\tage\nann\t30\n")
	schema, err := ReadSchema(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"name", "age"}, schema.Fields)
}

func TestReadSchemaJSONL(t *testing.T) {
	path := writeTemp(t, "d.jsonl", `{"id":1,"label":"cat"}`+"\n")
	schema, err := ReadSchema(path)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"id", "label"}, schema.Fields)
}

func TestSummarize(t *testing.T) {
	path := writeTemp(t, "d.csv", "a,b\n1,2\n3,4\n5,6\n")
	summary, err := Summarize(path)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), summary.NumRows)
	assert.Equal(t, []string{"a", "b"}, summary.Schema.Fields)
	assert.Equal(t, uint64(16), summary.NumBytes)
}

func TestMetadataStable(t *testing.T) {
	path := writeTemp(t, "d.csv", "a,b\n1,2\n")
	dataA, hashA, err := Metadata(path)
	require.NoError(t, err)
	dataB, hashB, err := Metadata(path)
	require.NoError(t, err)
	assert.Equal(t, dataA, dataB)
	assert.Equal(t, hashA, hashB)
	assert.False(t, hashA.IsZero())
}
