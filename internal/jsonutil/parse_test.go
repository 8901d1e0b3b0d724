package jsonutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnfence(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"json fence", "```json\n{\"a\": 1}\n```", "{\"a\": 1}"},
		{"bare fence", "```\n{\"a\": 1}\n```", "{\"a\": 1}"},
		{"no fence", "{\"a\": 1}", "{\"a\": 1}"},
		{"multiline body", "```json\n{\n  \"a\": 1\n}\n```", "{\n  \"a\": 1\n}"},
		{"surrounding whitespace", "  ```json\n{}\n```  ", "{}"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Unfence(tt.in))
		})
	}
}

func TestExtract(t *testing.T) {
	got, err := Extract("Here is the script you asked for:\n{\"title\": \"x\"}\nHope that helps!")
	require.NoError(t, err)
	assert.Equal(t, "{\"title\": \"x\"}", got)

	got, err = Extract("scenes: [{\"id\": 1}, {\"id\": 2}] done")
	require.NoError(t, err)
	assert.Equal(t, "[{\"id\": 1}, {\"id\": 2}]", got)

	_, err = Extract("I could not produce any output, sorry.")
	assert.Error(t, err)

	_, err = Extract("{\"truncated\": ")
	assert.Error(t, err)
}

func TestDecode(t *testing.T) {
	type script struct {
		Title    string  `json:"title"`
		TotalSec float64 `json:"total_sec"`
	}

	got, err := Decode[script]("```json\n{\"title\": \"Ocean\", \"total_sec\": 30}\n```")
	require.NoError(t, err)
	assert.Equal(t, "Ocean", got.Title)
	assert.Equal(t, 30.0, got.TotalSec)

	// prose around the object is tolerated
	got, err = Decode[script]("Sure! {\"title\": \"Reef\"} Let me know.")
	require.NoError(t, err)
	assert.Equal(t, "Reef", got.Title)

	_, err = Decode[script]("{\"title\": unquoted}")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid JSON")
}
