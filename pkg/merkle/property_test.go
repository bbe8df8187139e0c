//go:build property
// +build property

// Property-based tests for Merkle root determinism and proof soundness.
package merkle_test

import (
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/arbiterlabs/arbiter/pkg/merkle"
)

func toLines(in []string) [][]byte {
	out := make([][]byte, len(in))
	for i, s := range in {
		out[i] = []byte(s)
	}
	return out
}

// TestRootDeterminism: the same lines always produce the same root.
func TestRootDeterminism(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("identical input yields identical root", prop.ForAll(
		func(lines []string) bool {
			if len(lines) == 0 {
				return true
			}
			t1 := merkle.BuildLineTree(toLines(lines))
			t2 := merkle.BuildLineTree(toLines(lines))
			return t1.Root == t2.Root
		},
		gen.SliceOf(gen.AnyString()),
	))

	properties.TestingRun(t)
}

// TestAppendChangesRoot: appending any line to a non-empty log changes the
// root.
func TestAppendChangesRoot(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("append perturbs the root", prop.ForAll(
		func(lines []string, extra string) bool {
			if len(lines) == 0 {
				return true
			}
			before := merkle.BuildLineTree(toLines(lines))
			after := merkle.BuildLineTree(toLines(append(append([]string(nil), lines...), extra)))
			return before.Root != after.Root
		},
		gen.SliceOf(gen.AnyString()),
		gen.AnyString(),
	))

	properties.TestingRun(t)
}

// TestEveryProofVerifies: a proof generated for any leaf verifies against
// the root, and fails against a different leaf value.
func TestEveryProofVerifies(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("generated proofs verify", prop.ForAll(
		func(lines []string, pick int) bool {
			if len(lines) == 0 {
				return true
			}
			tree := merkle.BuildLineTree(toLines(lines))
			idx := pick % len(lines)
			if idx < 0 {
				idx = -idx
			}
			proof := tree.Proof(idx)
			if proof == nil {
				return false
			}
			if !merkle.VerifyProof(proof, tree.Root) {
				return false
			}
			tampered := *proof
			tampered.LeafHash = strings.Repeat("0", 64)
			return !merkle.VerifyProof(&tampered, tree.Root)
		},
		gen.SliceOf(gen.AnyString()),
		gen.Int(),
	))

	properties.TestingRun(t)
}
