package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseScoreboard(t *testing.T) {
	doc := []byte(`{
		"leagues": [{"slug": "nba"}],
		"events": [
			{"id": "401585183", "competitions": [{"id": "401585183", "venue": {}}]},
			{"id": "401585184", "competitions": [{"id": "99000001"}, {"id": "ignored"}]}
		]
	}`)

	sb, err := ParseScoreboard(doc)
	require.NoError(t, err)

	keys := sb.EventKeys()
	require.Len(t, keys, 2)
	assert.Equal(t, EventKey{EventID: "401585183", CompetitionID: "401585183"}, keys[0])
	assert.Equal(t, EventKey{EventID: "401585184", CompetitionID: "99000001"}, keys[1], "Only the first competition id counts")
}

func TestParseScoreboard_MissingFields(t *testing.T) {
	cases := map[string]string{
		"no events":           `{"day": {"date": "2024-01-15"}}`,
		"empty events":        `{"events": []}`,
		"event without id":    `{"events": [{"competitions": [{"id": "c1"}]}]}`,
		"no competitions":     `{"events": [{"id": "e1"}]}`,
		"empty competitions":  `{"events": [{"id": "e1", "competitions": []}]}`,
		"competition no id":   `{"events": [{"id": "e1", "competitions": [{"uid": "x"}]}]}`,
		"top level array":     `[{"id": "e1"}]`,
		"events not an array": `{"events": {"id": "e1"}}`,
	}

	for name, doc := range cases {
		sb, err := ParseScoreboard([]byte(doc))
		require.NoError(t, err, "%s should degrade, not fail", name)
		assert.Empty(t, sb.EventKeys(), "%s should yield no keys", name)
	}
}

func TestParseScoreboard_PartialShape(t *testing.T) {
	// A numeric id fails to decode for that event only
	doc := []byte(`{"events": [
		{"id": 123, "competitions": [{"id": "c1"}]},
		{"id": "e2", "competitions": [{"id": "c2"}]}
	]}`)

	sb, err := ParseScoreboard(doc)
	require.NoError(t, err)

	keys := sb.EventKeys()
	require.Len(t, keys, 1)
	assert.Equal(t, "e2", keys[0].EventID)
}

func TestParseScoreboard_Undecodable(t *testing.T) {
	_, err := ParseScoreboard([]byte(`{"events": [`))
	assert.Error(t, err)

	_, err = ParseScoreboard([]byte(``))
	assert.Error(t, err)
}

func TestEventKeyString(t *testing.T) {
	key := EventKey{EventID: "401585183", CompetitionID: "99000001"}
	assert.Equal(t, "401585183_99000001", key.String())
}
