// Package decision produces and verifies Ed25519-signed decision records:
// immutable documents recording why an automated decision was made. A record
// whose canonical payload changes by one byte verifies as false.
package decision

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/arbiterlabs/arbiter/pkg/canonical"
)

// Signature wire prefixes.
const (
	SigPrefix  = "ed25519:"
	HashPrefix = "sha256:"
)

// Record is a signed decision document. The signature covers the RFC 8785
// canonical JSON of every other field.
type Record struct {
	ID               string         `json:"id"`
	Timestamp        string         `json:"timestamp"`
	Actor            string         `json:"actor"`
	TaskID           string         `json:"task_id"`
	PolicyVersion    string         `json:"policy_version"`
	ModelFingerprint string         `json:"model_fingerprint"`
	PromptHash       string         `json:"prompt_hash"`
	ReasoningMarkers []string       `json:"reasoning_markers,omitempty"`
	ToolsUsed        []string       `json:"tools_used,omitempty"`
	Alternatives     []string       `json:"alternatives,omitempty"`
	Decision         string         `json:"decision"`
	Constraints      map[string]any `json:"constraints,omitempty"`
	ExpectedRisk     []string       `json:"expected_risk,omitempty"`
	Signature        string         `json:"signature,omitempty"`
}

// NewID generates identifiers of the form DR-<YYYYMMDD>-<6-hex>.
func NewID(now time.Time) string {
	hexPart := strings.ReplaceAll(uuid.New().String(), "-", "")[:6]
	return fmt.Sprintf("DR-%s-%s", now.UTC().Format("20060102"), hexPart)
}

// CanonicalBytes returns the bytes that are signed: canonical JSON with the
// signature field omitted.
func (r *Record) CanonicalBytes() ([]byte, error) {
	// Round-trip through a generic map so the signature key can be dropped
	// without duplicating the struct.
	raw, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("decision: marshal record: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("decision: unmarshal record: %w", err)
	}
	delete(m, "signature")
	return canonical.Bytes(m)
}
