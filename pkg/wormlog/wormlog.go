// Package wormlog implements the append-only event log. The only legal
// mutation is byte-append followed by fsync; previously written content is
// never touched. Checkpoints anchor the log with a Merkle root over its
// lines, and finalization freezes a log file read-only with a signed-off
// digest of its contents.
package wormlog

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/arbiterlabs/arbiter/pkg/canonical"
	"github.com/arbiterlabs/arbiter/pkg/merkle"
)

// ErrIntegrityCheckFailed is returned when a rebuilt Merkle root does not
// match the expected one. Never auto-recovered; reported to the operator.
var ErrIntegrityCheckFailed = fmt.Errorf("wormlog: integrity check failed")

// Log is a single append-only JSONL stream with a digest sidecar directory.
// A single mutex serializes appends and checkpoint reads, so a checkpoint
// always observes a clean prefix of the log: an append that races with
// checkpoint creation is ordered entirely before or entirely after it.
type Log struct {
	mu         sync.Mutex
	stream     string
	path       string
	digestsDir string
	file       *os.File
}

// Checkpoint is the digest sidecar written next to the live log.
type Checkpoint struct {
	File       string `json:"file"`
	Timestamp  string `json:"timestamp"`
	RootHash   string `json:"root_hash"`   // SHA-256 over the whole file bytes
	MerkleRoot string `json:"merkle_root"` // Merkle root over the lines
	NumEntries int    `json:"num_entries"`
}

// Finalization records the terminal digest of a frozen log.
type Finalization struct {
	FinalizationID string         `json:"finalization_id"`
	File           string         `json:"file"`
	Algorithm      string         `json:"algorithm"`
	SHA256         string         `json:"sha256"`
	MerkleRoot     string         `json:"merkle_root"`
	NumEntries     int            `json:"num_entries"`
	FinalizedAt    string         `json:"finalized_at"`
	Compliance     map[string]any `json:"compliance,omitempty"`
}

// Open creates (or re-opens) the stream's live file in append-only mode and
// ensures the digest directory exists. Opening the file for writing in any
// non-append mode is a bug.
func Open(stream, dir, digestsDir string) (*Log, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("wormlog: create log dir: %w", err)
	}
	if err := os.MkdirAll(digestsDir, 0o755); err != nil {
		return nil, fmt.Errorf("wormlog: create digests dir: %w", err)
	}

	name := fmt.Sprintf("%s-%s.jsonl", stream, time.Now().UTC().Format("2006-01-02"))
	path := filepath.Join(dir, name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("wormlog: open %s: %w", path, err)
	}
	return &Log{stream: stream, path: path, digestsDir: digestsDir, file: f}, nil
}

// Path returns the live file path.
func (l *Log) Path() string {
	return l.path
}

// Append writes one line, newline-terminated, and syncs it to disk. The line
// must not itself contain a newline. Returns an error only on I/O failure.
func (l *Log) Append(line []byte) error {
	if bytes.ContainsRune(line, '\n') {
		return fmt.Errorf("wormlog: line contains newline")
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return fmt.Errorf("wormlog: log is closed")
	}
	if _, err := l.file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("wormlog: append: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("wormlog: fsync: %w", err)
	}
	return nil
}

// readLinesLocked reads every line of the live file. Caller holds l.mu.
func (l *Log) readLinesLocked() ([][]byte, []byte, error) {
	raw, err := os.ReadFile(l.path)
	if err != nil {
		return nil, nil, fmt.Errorf("wormlog: read %s: %w", l.path, err)
	}
	var lines [][]byte
	scanner := bufio.NewScanner(bytes.NewReader(raw))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := make([]byte, len(scanner.Bytes()))
		copy(line, scanner.Bytes())
		lines = append(lines, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, fmt.Errorf("wormlog: scan %s: %w", l.path, err)
	}
	return lines, raw, nil
}

// CreateCheckpoint rebuilds the Merkle tree over the current lines and writes
// the digest sidecar, both the rolling <stream>-checkpoint.json and a
// timestamped historical snapshot. Returns the Merkle root.
func (l *Log) CreateCheckpoint() (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	lines, raw, err := l.readLinesLocked()
	if err != nil {
		return "", err
	}
	tree := merkle.BuildLineTree(lines)

	cp := Checkpoint{
		File:       l.path,
		Timestamp:  time.Now().UTC().Format(time.RFC3339Nano),
		RootHash:   canonical.HashBytes(raw),
		MerkleRoot: tree.Root,
		NumEntries: len(lines),
	}
	payload, err := canonical.Bytes(cp)
	if err != nil {
		return "", err
	}

	latest := filepath.Join(l.digestsDir, l.stream+"-checkpoint.json")
	if err := os.WriteFile(latest, payload, 0o644); err != nil {
		return "", fmt.Errorf("wormlog: write checkpoint: %w", err)
	}
	historical := filepath.Join(l.digestsDir,
		fmt.Sprintf("%s-%s.json", l.stream, time.Now().UTC().Format("20060102T150405.000000000Z")))
	if err := os.WriteFile(historical, payload, 0o644); err != nil {
		return "", fmt.Errorf("wormlog: write checkpoint snapshot: %w", err)
	}
	return tree.Root, nil
}

// LastCheckpoint loads the rolling checkpoint sidecar, or nil if none exists.
func (l *Log) LastCheckpoint() (*Checkpoint, error) {
	raw, err := os.ReadFile(filepath.Join(l.digestsDir, l.stream+"-checkpoint.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("wormlog: read checkpoint: %w", err)
	}
	var cp Checkpoint
	if err := json.Unmarshal(raw, &cp); err != nil {
		return nil, fmt.Errorf("wormlog: parse checkpoint: %w", err)
	}
	return &cp, nil
}

// VerifyIntegrity rebuilds the tree from the live file and compares its root
// against expected, or against the last checkpoint when expected is empty.
func (l *Log) VerifyIntegrity(expected string) (bool, error) {
	if expected == "" {
		cp, err := l.LastCheckpoint()
		if err != nil {
			return false, err
		}
		if cp == nil {
			return false, fmt.Errorf("wormlog: no checkpoint to verify against")
		}
		expected = cp.MerkleRoot
	}

	l.mu.Lock()
	lines, _, err := l.readLinesLocked()
	l.mu.Unlock()
	if err != nil {
		return false, err
	}

	if merkle.BuildLineTree(lines).Root != expected {
		return false, ErrIntegrityCheckFailed
	}
	return true, nil
}

// Finalize computes the terminal digest of the log, writes the finalization
// record to the digest directory, and, when archiveDir is non-empty, copies
// the log there with write permissions revoked. Returns the finalization id.
func (l *Log) Finalize(archiveDir string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	lines, raw, err := l.readLinesLocked()
	if err != nil {
		return "", err
	}
	tree := merkle.BuildLineTree(lines)

	finalID := fmt.Sprintf("final-%s-%s", time.Now().UTC().Format("20060102"),
		strings.ReplaceAll(uuid.New().String(), "-", "")[:8])
	fin := Finalization{
		FinalizationID: finalID,
		File:           l.path,
		Algorithm:      "sha256-merkle-v1",
		SHA256:         canonical.HashBytes(raw),
		MerkleRoot:     tree.Root,
		NumEntries:     len(lines),
		FinalizedAt:    time.Now().UTC().Format(time.RFC3339Nano),
		Compliance: map[string]any{
			"retention": "worm",
			"stream":    l.stream,
		},
	}
	payload, err := canonical.Bytes(fin)
	if err != nil {
		return "", err
	}
	digestPath := filepath.Join(l.digestsDir, finalID+".json")
	if err := os.WriteFile(digestPath, payload, 0o644); err != nil {
		return "", fmt.Errorf("wormlog: write finalization digest: %w", err)
	}

	if archiveDir != "" {
		if err := os.MkdirAll(archiveDir, 0o755); err != nil {
			return "", fmt.Errorf("wormlog: create archive dir: %w", err)
		}
		dst := filepath.Join(archiveDir, fmt.Sprintf("%s-%s", finalID, filepath.Base(l.path)))
		if err := copyFile(l.path, dst); err != nil {
			return "", err
		}
		// Frozen: deny writes at the filesystem level.
		if err := os.Chmod(dst, 0o444); err != nil {
			return "", fmt.Errorf("wormlog: freeze archive: %w", err)
		}
	}
	return finalID, nil
}

// Close releases the underlying file handle. Appends after Close fail.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("wormlog: open source: %w", err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("wormlog: open archive target: %w", err)
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return fmt.Errorf("wormlog: archive copy: %w", err)
	}
	return out.Sync()
}
