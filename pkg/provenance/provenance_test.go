package provenance

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDocument_ProvJSONKeys(t *testing.T) {
	start := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	end := start.Add(2 * time.Second)

	g := NewGraph().
		AddEntity("entity:p", "prompt", map[string]any{"content_hash": "sha256:ab"}).
		AddActivity("activity:gen", start, end).
		AddAgent("agent:model", "prov:SoftwareAgent", "1.2.0").
		LinkGenerated("entity:p", "activity:gen").
		LinkAssociated("activity:gen", "agent:model")

	doc := g.Document()

	entities := doc["entity"].(map[string]any)
	body := entities["entity:p"].(map[string]any)
	assert.Equal(t, "prompt", body["prov:label"])
	assert.Equal(t, "sha256:ab", body["arbiter:content_hash"])

	activities := doc["activity"].(map[string]any)
	act := activities["activity:gen"].(map[string]any)
	assert.Equal(t, "2026-08-01T10:00:00Z", act["prov:startTime"])
	assert.Equal(t, "2026-08-01T10:00:02Z", act["prov:endTime"])

	agents := doc["agent"].(map[string]any)
	ag := agents["agent:model"].(map[string]any)
	assert.Equal(t, "prov:SoftwareAgent", ag["prov:type"])

	gen := doc["wasGeneratedBy"].(map[string]any)
	require.Len(t, gen, 1)
	rel := gen["_:wasGeneratedBy1"].(map[string]any)
	assert.Equal(t, "entity:p", rel["prov:entity"])
	assert.Equal(t, "activity:gen", rel["prov:activity"])
}

func TestDocument_OmitsEmptyRelations(t *testing.T) {
	doc := NewGraph().AddEntity("e", "x", nil).Document()
	assert.Contains(t, doc, "entity")
	assert.NotContains(t, doc, "used")
	assert.NotContains(t, doc, "wasDerivedFrom")
	assert.NotContains(t, doc, "wasAttributedTo")
}

func TestTrackGeneration_WritesDeterministicFilename(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(dir)
	require.NoError(t, err)

	start := time.Now().UTC()
	path, err := s.TrackGeneration("gen-1", "agent:model/x", "0.9",
		[]byte("prompt"), []byte("response"), start, start.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "prov_gen-1.json"), path)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(raw, &doc))
	assert.Contains(t, doc, "entity")
	assert.Contains(t, doc, "wasDerivedFrom")
	assert.Contains(t, doc, "wasAttributedTo")
}

func TestTrackToolExecution(t *testing.T) {
	s, err := NewStore(t.TempDir())
	require.NoError(t, err)

	start := time.Now().UTC()
	path, err := s.TrackToolExecution("exec-7", "calculator",
		[]byte(`{"a":1}`), []byte("2"), start, start.Add(50*time.Millisecond))
	require.NoError(t, err)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(raw, &doc))

	agents := doc["agent"].(map[string]any)
	assert.Contains(t, agents, "agent:tool/calculator")
	assert.Contains(t, doc, "used")
	assert.Contains(t, doc, "wasGeneratedBy")
}
