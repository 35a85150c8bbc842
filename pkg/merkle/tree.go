// Package merkle builds binary Merkle trees over artifact scopes.
//
// leaf_hash = SHA256(path ":" norm_digest) and
// node_hash = SHA256(left_hex right_hex), both over the lowercase hex text.
// An odd level duplicates its last node before pairing.
package merkle

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
)

// EmptyRoot is the root of a tree with no leaves.
const EmptyRoot = "EMPTY"

type MerkleLeaf struct {
	Path       string `json:"path"`
	NormDigest string `json:"norm_digest"`
	LeafHash   string `json:"leaf_hash"`
}

type MerkleTree struct {
	Leaves []MerkleLeaf `json:"leaves"`
	Root   string       `json:"root"`
	Depth  int          `json:"tree_depth"`
	Levels [][]string   `json:"levels"` // Levels[0] holds leaf hashes, the last level the root
}

// LeafHash returns SHA256(path ":" normDigest) as hex.
func LeafHash(path, normDigest string) string {
	return sha256Hex(path + ":" + normDigest)
}

// NodeHash returns SHA256(left right) as hex.
func NodeHash(left, right string) string {
	return sha256Hex(left + right)
}

// BuildMerkleTree builds a tree over path->norm_digest, leaves in byte-wise
// path order.
func BuildMerkleTree(digests map[string]string) *MerkleTree {
	paths := make([]string, 0, len(digests))
	for p := range digests {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	leaves := make([]MerkleLeaf, len(paths))
	for i, p := range paths {
		leaves[i] = MerkleLeaf{Path: p, NormDigest: digests[p], LeafHash: LeafHash(p, digests[p])}
	}
	return BuildFromLeaves(leaves)
}

// BuildFromLeaves builds a tree over leaves in the order given.
func BuildFromLeaves(leaves []MerkleLeaf) *MerkleTree {
	if len(leaves) == 0 {
		return &MerkleTree{Root: EmptyRoot}
	}

	tree := &MerkleTree{Leaves: leaves}
	currentLevel := extractHashes(leaves)
	for len(currentLevel) > 1 {
		tree.Levels = append(tree.Levels, currentLevel)
		currentLevel = buildNextLevel(currentLevel)
	}
	tree.Levels = append(tree.Levels, currentLevel)
	tree.Root = currentLevel[0]

	// One leaf still counts as a depth-1 tree.
	tree.Depth = len(tree.Levels) - 1
	if tree.Depth == 0 {
		tree.Depth = 1
	}
	return tree
}

func extractHashes(leaves []MerkleLeaf) []string {
	hashes := make([]string, len(leaves))
	for i, l := range leaves {
		hashes[i] = l.LeafHash
	}
	return hashes
}

func buildNextLevel(hashes []string) []string {
	count := len(hashes)
	if count%2 != 0 {
		hashes = append(hashes[:count:count], hashes[count-1])
		count++
	}

	nextLevel := make([]string, count/2)
	for i := 0; i < count; i += 2 {
		nextLevel[i/2] = NodeHash(hashes[i], hashes[i+1])
	}
	return nextLevel
}

func sha256Hex(s string) string {
	h := sha256.Sum256([]byte(s))
	return hex.EncodeToString(h[:])
}
