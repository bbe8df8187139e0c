package provenance

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/arbiterlabs/arbiter/pkg/canonical"
)

// Store writes provenance documents to the traces directory. A single mutex
// serializes writes; filenames are deterministic in the supplied identifiers
// so a re-run of the same ids overwrites rather than duplicates.
type Store struct {
	mu  sync.Mutex
	dir string
}

// NewStore prepares the provenance directory.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("provenance: create dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Write persists a graph as prov_<id>.json.
func (s *Store) Write(id string, g *Graph) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := json.MarshalIndent(g.Document(), "", "  ")
	if err != nil {
		return "", fmt.Errorf("provenance: marshal document: %w", err)
	}
	path := filepath.Join(s.dir, fmt.Sprintf("prov_%s.json", id))
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return "", fmt.Errorf("provenance: write document: %w", err)
	}
	return path, nil
}

// TrackGeneration assembles and persists the lineage of one model generation:
// prompt entity -> generation activity -> response entity, attributed to the
// generating agent.
func (s *Store) TrackGeneration(genID, agentID, agentVersion string, prompt, response []byte, start, end time.Time) (string, error) {
	promptID := "entity:prompt/" + genID
	responseID := "entity:response/" + genID
	activityID := "activity:generate/" + genID

	g := NewGraph().
		AddEntity(promptID, "prompt", map[string]any{
			"content_hash": canonical.SHA256Prefixed(prompt),
		}).
		AddEntity(responseID, "response", map[string]any{
			"content_hash": canonical.SHA256Prefixed(response),
		}).
		AddActivity(activityID, start, end).
		AddAgent(agentID, "prov:SoftwareAgent", agentVersion).
		LinkUsed(activityID, promptID).
		LinkGenerated(responseID, activityID).
		LinkAssociated(activityID, agentID).
		LinkAttributed(responseID, agentID).
		LinkDerived(responseID, promptID)

	return s.Write(genID, g)
}

// TrackToolExecution assembles and persists the lineage of one tool run:
// input entity -> tool activity -> output entity.
func (s *Store) TrackToolExecution(execID, toolName string, input, output []byte, start, end time.Time) (string, error) {
	inputID := "entity:input/" + execID
	outputID := "entity:output/" + execID
	activityID := "activity:tool/" + toolName + "/" + execID
	agentID := "agent:tool/" + toolName

	g := NewGraph().
		AddEntity(inputID, "tool_input", map[string]any{
			"content_hash": canonical.SHA256Prefixed(input),
		}).
		AddEntity(outputID, "tool_output", map[string]any{
			"content_hash": canonical.SHA256Prefixed(output),
		}).
		AddActivity(activityID, start, end).
		AddAgent(agentID, "prov:SoftwareAgent", "").
		LinkUsed(activityID, inputID).
		LinkGenerated(outputID, activityID).
		LinkAssociated(activityID, agentID).
		LinkDerived(outputID, inputID)

	return s.Write(execID, g)
}
