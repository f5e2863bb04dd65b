package export

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleDataset() Dataset {
	return Dataset{
		Title:   "Access events",
		Headers: []string{"Time", "Subject", "Status"},
		Rows: [][]string{
			{"2024-03-01T09:00:00Z", "sub-1", "SUCCESS"},
			{"2024-03-01T09:05:00Z", "", "NOT_FOUND"},
		},
	}
}

func TestCSVRender(t *testing.T) {
	out, err := NewCSVExporter().Render(sampleDataset())
	require.NoError(t, err)
	assert.Equal(t, "Time,Subject,Status\n2024-03-01T09:00:00Z,sub-1,SUCCESS\n2024-03-01T09:05:00Z,,NOT_FOUND\n", string(out))
}

func TestRenderRejectsRaggedRows(t *testing.T) {
	data := sampleDataset()
	data.Rows = append(data.Rows, []string{"only-one"})

	_, err := NewCSVExporter().Render(data)
	assert.Error(t, err)
	_, err = NewPDFExporter().Render(data)
	assert.Error(t, err)
	_, err = NewCSVExporter().Render(Dataset{})
	assert.Error(t, err)
}

func TestPDFRender(t *testing.T) {
	out, err := NewPDFExporter().Render(sampleDataset())
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(out, []byte("%PDF")))
}

func TestCSVRenderNeutralizesFormulas(t *testing.T) {
	data := Dataset{
		Headers: []string{"Location", "Agent"},
		Rows:    [][]string{{"=HYPERLINK(\"x\")", "@gate"}, {"north-gate", "-"}},
	}
	out, err := NewCSVExporter().Render(data)
	require.NoError(t, err)
	assert.Equal(t, "Location,Agent\n\"'=HYPERLINK(\"\"x\"\")\",'@gate\nnorth-gate,'-\n", string(out))
}
