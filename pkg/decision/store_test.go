package decision

import (
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"github.com/arbiterlabs/arbiter/pkg/canonical"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := NewStore(filepath.Join(dir, "decisions"), filepath.Join(dir, "signatures"))
	require.NoError(t, err)
	return s
}

func TestCreate_IDFormat(t *testing.T) {
	s := newTestStore(t)
	rec, err := s.Create("planner", "task-1", "approve",
		canonical.SHA256Prefixed([]byte("prompt")))
	require.NoError(t, err)
	assert.Regexp(t, regexp.MustCompile(`^DR-\d{8}-[0-9a-f]{6}$`), rec.ID)
	assert.True(t, strings.HasPrefix(rec.Signature, SigPrefix))
}

func TestCreate_RejectsUnprefixedPromptHash(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Create("planner", "task-1", "approve", "deadbeef")
	assert.Error(t, err)
}

func TestKeyPairWrittenToDisk(t *testing.T) {
	dir := t.TempDir()
	_, err := NewStore(filepath.Join(dir, "decisions"), filepath.Join(dir, "sig"))
	require.NoError(t, err)

	priv, err := os.ReadFile(filepath.Join(dir, "sig", "private_key.pem"))
	require.NoError(t, err)
	assert.Contains(t, string(priv), "PRIVATE KEY")

	pub, err := os.ReadFile(filepath.Join(dir, "sig", "public_key.pem"))
	require.NoError(t, err)
	assert.Contains(t, string(pub), "PUBLIC KEY")
}

func TestSignatureRoundTrip(t *testing.T) {
	s := newTestStore(t)
	rec, err := s.Create("executor", "task-9", "approve",
		canonical.SHA256Prefixed([]byte("p")),
		WithPolicyVersion("v3"),
		WithToolsUsed("calculator"),
		WithConstraints(map[string]any{"max_cost": 5}),
	)
	require.NoError(t, err)

	loaded, err := s.Load(rec.ID)
	require.NoError(t, err)
	require.NotNil(t, loaded)

	ok, err := Verify(loaded, s.PublicKey())
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestVerify_DetectsSingleByteMutation(t *testing.T) {
	s := newTestStore(t)
	rec, err := s.Create("planner", "task-2", "approve",
		canonical.SHA256Prefixed([]byte("p")))
	require.NoError(t, err)

	rec.Decision = "deny"
	ok, err := Verify(rec, s.PublicKey())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVerify_TamperedFileFails(t *testing.T) {
	dir := t.TempDir()
	decisionsDir := filepath.Join(dir, "decisions")
	s, err := NewStore(decisionsDir, filepath.Join(dir, "sig"))
	require.NoError(t, err)

	rec, err := s.Create("planner", "task-3", "approve",
		canonical.SHA256Prefixed([]byte("p")))
	require.NoError(t, err)

	// Overwrite the file on disk flipping the decision.
	path := filepath.Join(decisionsDir, rec.ID+".json")
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var m map[string]any
	require.NoError(t, json.Unmarshal(raw, &m))
	m["decision"] = "deny"
	tampered, err := json.Marshal(m)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, tampered, 0o644))

	loaded, err := s.Load(rec.ID)
	require.NoError(t, err)
	ok, err := Verify(loaded, s.PublicKey())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLoad_Missing(t *testing.T) {
	s := newTestStore(t)
	rec, err := s.Load("DR-20260101-ffffff")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestVerify_MissingSignature(t *testing.T) {
	ok, err := Verify(&Record{}, nil)
	assert.ErrorIs(t, err, ErrSignatureInvalid)
	assert.False(t, ok)
}
