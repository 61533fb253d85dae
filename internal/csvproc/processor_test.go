package csvproc

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProcessTwoRows(t *testing.T) {
	p := New(nil)

	rows, err := p.Process("name,value\nitem1,10\nitem2,20")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "item1", rows[0]["name"])
	assert.Equal(t, "10", rows[0]["value"])
	assert.Equal(t, "item2", rows[1]["name"])
	assert.Equal(t, "20", rows[1]["value"])
}

func TestProcessEnrichesRows(t *testing.T) {
	p := New(nil)
	p.now = func() time.Time { return time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC) }

	rows, err := p.Process("name,value\nitem1,10\n")
	require.NoError(t, err)
	assert.Equal(t, "2024-03-01T12:00:00Z", rows[0]["processed_at"])
}

func TestProcessHeaderOnly(t *testing.T) {
	p := New(nil)

	rows, err := p.Process("name,value\n")
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestProcessEmptyDocument(t *testing.T) {
	p := New(nil)

	_, err := p.Process("")
	assert.Error(t, err)
}

func TestProcessMissingRequiredColumn(t *testing.T) {
	p := New(nil)

	_, err := p.Process("name,amount\nitem1,10\n")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing required column: value")
}

func TestProcessCustomRequiredColumns(t *testing.T) {
	p := New([]string{"id"})

	rows, err := p.Process("id,extra\n1,x\n")
	require.NoError(t, err)
	assert.Equal(t, "1", rows[0]["id"])
}

func TestProcessRaggedRow(t *testing.T) {
	p := New(nil)

	_, err := p.Process("name,value\nitem1,10,extra\n")
	assert.Error(t, err)
}

func TestProcessTrimsHeaderWhitespace(t *testing.T) {
	p := New(nil)

	rows, err := p.Process("name, value\nitem1,10\n")
	require.NoError(t, err)
	assert.Equal(t, "10", rows[0]["value"])
}
