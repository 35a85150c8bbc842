package merkle

import (
	"fmt"
	"strings"
)

type InclusionProof struct {
	LeafPath   string      `json:"leaf_path"`
	LeafHash   string      `json:"leaf_hash"`
	MerkleRoot string      `json:"merkle_root"`
	ProofPath  []ProofStep `json:"proof_path"`
}

type ProofStep struct {
	Side        string `json:"side"` // "L" or "R": the sibling's position
	SiblingHash string `json:"sibling_hash"`
}

// Proof returns the inclusion proof for the leaf at path.
func (t *MerkleTree) Proof(path string) (InclusionProof, error) {
	idx := -1
	for i, l := range t.Leaves {
		if l.Path == path {
			idx = i
			break
		}
	}
	if idx < 0 {
		return InclusionProof{}, fmt.Errorf("merkle: no leaf for path %q", path)
	}

	proof := InclusionProof{LeafPath: path, LeafHash: t.Leaves[idx].LeafHash, MerkleRoot: t.Root}
	for _, level := range t.Levels[:len(t.Levels)-1] {
		sibling := idx ^ 1
		if sibling >= len(level) {
			sibling = idx // duplicated last node
		}
		side := "R"
		if sibling < idx {
			side = "L"
		}
		proof.ProofPath = append(proof.ProofPath, ProofStep{Side: side, SiblingHash: level[sibling]})
		idx /= 2
	}
	return proof, nil
}

// VerifyInclusionProof verifies that a leaf is part of the Merkle tree.
// A non-empty expectedRoot must also match the proof's recorded root.
func VerifyInclusionProof(proof InclusionProof, expectedRoot string) bool {
	if expectedRoot != "" && proof.MerkleRoot != expectedRoot {
		return false
	}

	currentHash := proof.LeafHash
	for _, step := range proof.ProofPath {
		if step.Side == "L" {
			currentHash = NodeHash(step.SiblingHash, currentHash)
		} else {
			currentHash = NodeHash(currentHash, step.SiblingHash)
		}
	}
	return strings.EqualFold(currentHash, proof.MerkleRoot)
}
