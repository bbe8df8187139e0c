// Package merkle builds SHA-256 hash trees over append-only log lines. The
// root anchors checkpoint digests; inclusion proofs let an auditor show a
// single line belongs to a finalized log without replaying it.
package merkle

import (
	"crypto/sha256"
	"encoding/hex"
)

// Tree is a Merkle tree over an ordered sequence of log lines.
// Leaf i is SHA-256 of line i's bytes. An internal node hashes the
// concatenation of its children's hex digests; a level with an odd number of
// nodes duplicates its last node.
type Tree struct {
	LeafHashes []string   `json:"leaf_hashes"`
	Levels     [][]string `json:"levels"` // Levels[0] == LeafHashes, last level is the root
	Root       string     `json:"root"`
}

// BuildLineTree constructs the tree from raw line bytes. The tree is
// recomputed from scratch on every call; construction is deterministic for
// byte-identical input across runs, processes and machines.
func BuildLineTree(lines [][]byte) *Tree {
	if len(lines) == 0 {
		return &Tree{Root: ""}
	}

	leaves := make([]string, len(lines))
	for i, line := range lines {
		leaves[i] = sha256Hex(line)
	}

	t := &Tree{LeafHashes: leaves}
	level := leaves
	t.Levels = append(t.Levels, level)
	for len(level) > 1 {
		level = nextLevel(level)
		t.Levels = append(t.Levels, level)
	}
	t.Root = level[0]
	return t
}

func nextLevel(hashes []string) []string {
	if len(hashes)%2 != 0 {
		hashes = append(hashes, hashes[len(hashes)-1])
	}
	out := make([]string, len(hashes)/2)
	for i := 0; i < len(hashes); i += 2 {
		out[i/2] = nodeHash(hashes[i], hashes[i+1])
	}
	return out
}

func nodeHash(left, right string) string {
	return sha256Hex([]byte(left + right))
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
