package merkle

// InclusionProof shows that a single leaf belongs to a tree with a known root.
type InclusionProof struct {
	LeafIndex int         `json:"leaf_index"`
	LeafHash  string      `json:"leaf_hash"`
	Root      string      `json:"root"`
	Path      []ProofStep `json:"path"`
}

// ProofStep names the sibling hash and which side it sits on.
type ProofStep struct {
	Side        string `json:"side"` // "L" or "R"
	SiblingHash string `json:"sibling_hash"`
}

// Proof generates the inclusion proof for leaf index i, or nil if out of range.
func (t *Tree) Proof(i int) *InclusionProof {
	if i < 0 || i >= len(t.LeafHashes) {
		return nil
	}

	proof := &InclusionProof{
		LeafIndex: i,
		LeafHash:  t.LeafHashes[i],
		Root:      t.Root,
	}

	idx := i
	for _, level := range t.Levels[:len(t.Levels)-1] {
		// Odd levels duplicate their last node during construction.
		width := len(level)
		var sibling string
		var side string
		if idx%2 == 0 {
			side = "R"
			if idx+1 < width {
				sibling = level[idx+1]
			} else {
				sibling = level[idx] // duplicated last node
			}
		} else {
			side = "L"
			sibling = level[idx-1]
		}
		proof.Path = append(proof.Path, ProofStep{Side: side, SiblingHash: sibling})
		idx /= 2
	}
	return proof
}

// VerifyProof recomputes the root from a leaf hash and a proof path and
// compares it to the expected root.
func VerifyProof(proof *InclusionProof, expectedRoot string) bool {
	if proof == nil || expectedRoot == "" {
		return false
	}
	current := proof.LeafHash
	for _, step := range proof.Path {
		if step.Side == "L" {
			current = nodeHash(step.SiblingHash, current)
		} else {
			current = nodeHash(current, step.SiblingHash)
		}
	}
	return current == expectedRoot
}
