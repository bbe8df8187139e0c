package decision

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// ErrSignatureInvalid is returned when a record's signature does not match
// its canonical payload. The caller refuses trust and logs the rejection.
var ErrSignatureInvalid = fmt.Errorf("decision: signature invalid")

// Option mutates optional record fields during Create.
type Option func(*Record)

// WithPolicyVersion sets the policy version the decision was made under.
func WithPolicyVersion(v string) Option { return func(r *Record) { r.PolicyVersion = v } }

// WithModelFingerprint sets the model fingerprint.
func WithModelFingerprint(fp string) Option { return func(r *Record) { r.ModelFingerprint = fp } }

// WithReasoningMarkers sets reasoning markers.
func WithReasoningMarkers(m ...string) Option { return func(r *Record) { r.ReasoningMarkers = m } }

// WithToolsUsed sets the tools consulted for the decision.
func WithToolsUsed(tools ...string) Option { return func(r *Record) { r.ToolsUsed = tools } }

// WithAlternatives sets the alternatives considered.
func WithAlternatives(alts ...string) Option { return func(r *Record) { r.Alternatives = alts } }

// WithConstraints sets the constraints mapping.
func WithConstraints(c map[string]any) Option { return func(r *Record) { r.Constraints = c } }

// WithExpectedRisk sets the expected risk list.
func WithExpectedRisk(risks ...string) Option { return func(r *Record) { r.ExpectedRisk = risks } }

// Store holds one Ed25519 key pair per process instance and persists signed
// records as JSON files. A single mutex serializes writes to the directory.
type Store struct {
	mu           sync.Mutex
	decisionsDir string
	priv         ed25519.PrivateKey
	pub          ed25519.PublicKey
	clock        func() time.Time
}

// NewStore generates the key pair, writes the PEM pair to signaturesDir
// (private key unencrypted; pair this with a secrets backend in production)
// and prepares decisionsDir for record files.
func NewStore(decisionsDir, signaturesDir string) (*Store, error) {
	if err := os.MkdirAll(decisionsDir, 0o755); err != nil {
		return nil, fmt.Errorf("decision: create decisions dir: %w", err)
	}
	if err := os.MkdirAll(signaturesDir, 0o700); err != nil {
		return nil, fmt.Errorf("decision: create signatures dir: %w", err)
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("decision: key generation failed: %w", err)
	}

	s := &Store{decisionsDir: decisionsDir, priv: priv, pub: pub, clock: time.Now}
	if err := s.writeKeyPair(signaturesDir); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) writeKeyPair(dir string) error {
	privDER, err := x509.MarshalPKCS8PrivateKey(s.priv)
	if err != nil {
		return fmt.Errorf("decision: marshal private key: %w", err)
	}
	privPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privDER})
	if err := os.WriteFile(filepath.Join(dir, "private_key.pem"), privPEM, 0o600); err != nil {
		return fmt.Errorf("decision: write private key: %w", err)
	}

	pubDER, err := x509.MarshalPKIXPublicKey(s.pub)
	if err != nil {
		return fmt.Errorf("decision: marshal public key: %w", err)
	}
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})
	if err := os.WriteFile(filepath.Join(dir, "public_key.pem"), pubPEM, 0o644); err != nil {
		return fmt.Errorf("decision: write public key: %w", err)
	}
	return nil
}

// WithClock overrides the clock for tests.
func (s *Store) WithClock(clock func() time.Time) *Store {
	s.clock = clock
	return s
}

// PublicKey returns the store's verification key.
func (s *Store) PublicKey() ed25519.PublicKey {
	return s.pub
}

// Create builds, signs and persists a record. promptHash must carry the
// "sha256:" prefix; pass canonical.SHA256Prefixed output directly.
func (s *Store) Create(actor, taskID, decisionText, promptHash string, opts ...Option) (*Record, error) {
	if !strings.HasPrefix(promptHash, HashPrefix) {
		return nil, fmt.Errorf("decision: prompt hash must be %q prefixed", HashPrefix)
	}

	now := s.clock().UTC()
	rec := &Record{
		ID:         NewID(now),
		Timestamp:  now.Format(time.RFC3339Nano),
		Actor:      actor,
		TaskID:     taskID,
		PromptHash: promptHash,
		Decision:   decisionText,
	}
	for _, opt := range opts {
		opt(rec)
	}

	payload, err := rec.CanonicalBytes()
	if err != nil {
		return nil, err
	}
	sig := ed25519.Sign(s.priv, payload)
	rec.Signature = SigPrefix + hex.EncodeToString(sig)

	s.mu.Lock()
	defer s.mu.Unlock()
	raw, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("decision: marshal signed record: %w", err)
	}
	path := filepath.Join(s.decisionsDir, rec.ID+".json")
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return nil, fmt.Errorf("decision: write record: %w", err)
	}
	return rec, nil
}

// Load reads a record by id. Returns (nil, nil) when the record is absent.
func (s *Store) Load(id string) (*Record, error) {
	raw, err := os.ReadFile(filepath.Join(s.decisionsDir, id+".json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("decision: read record %s: %w", id, err)
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decision: parse record %s: %w", id, err)
	}
	return &rec, nil
}

// Verify re-canonicalizes the record without its signature and checks the
// Ed25519 signature against the given public key.
func Verify(rec *Record, pub ed25519.PublicKey) (bool, error) {
	if rec == nil || rec.Signature == "" {
		return false, fmt.Errorf("%w: missing signature", ErrSignatureInvalid)
	}
	if !strings.HasPrefix(rec.Signature, SigPrefix) {
		return false, fmt.Errorf("%w: unknown scheme", ErrSignatureInvalid)
	}
	sig, err := hex.DecodeString(strings.TrimPrefix(rec.Signature, SigPrefix))
	if err != nil {
		return false, fmt.Errorf("%w: malformed hex", ErrSignatureInvalid)
	}
	if len(sig) != ed25519.SignatureSize {
		return false, fmt.Errorf("%w: bad signature size", ErrSignatureInvalid)
	}

	payload, err := rec.CanonicalBytes()
	if err != nil {
		return false, err
	}
	return ed25519.Verify(pub, payload, sig), nil
}
