package merkle

import (
	"context"
	"log/slog"

	"github.com/Mindburn-Labs/custody/pkg/canonicalize"
	"github.com/Mindburn-Labs/custody/pkg/conform"
)

// AnchorResult is the outcome of anchoring a file scope.
type AnchorResult struct {
	Tree              *MerkleTree    `json:"tree"`
	Status            conform.Status `json:"status"`
	Skipped           []string       `json:"skipped,omitempty"`
	ScopeManifestHash string         `json:"scope_manifest_hash"`
}

// Record renders the result as a status record.
func (r *AnchorResult) Record(stage string) conform.StatusRecord {
	var rec conform.StatusRecord
	switch {
	case r.Status == conform.StatusPartial:
		rec = conform.Partial(stage, conform.ReasonMissingFile, "anchor skipped missing scope files")
		rec = rec.WithDetail("skipped", r.Skipped)
	case len(r.Tree.Leaves) == 0:
		rec = conform.Pass(stage, "empty scope")
		rec.ReasonCode = conform.ReasonEmptyScope
	default:
		rec = conform.Pass(stage, "anchor computed")
	}
	return rec.
		WithDetail("merkle_root", r.Tree.Root).
		WithDetail("tree_depth", r.Tree.Depth).
		WithDetail("leaf_count", len(r.Tree.Leaves))
}

// Anchor builds a Merkle tree over scope under root. The anchor's own output
// document and any extra exclude paths are always left out. Missing literal
// scope entries are skipped and downgrade the status to PARTIAL; any other
// digest failure is returned.
func Anchor(ctx context.Context, root string, scope []string, output string, n *canonicalize.Normalizer, rc conform.RunContext, exclude ...string) (*AnchorResult, error) {
	if output != "" {
		exclude = append([]string{output}, exclude...)
	}
	resolved, err := canonicalize.ResolveScope(root, scope, exclude...)
	if err != nil {
		return nil, err
	}

	digests := make(map[string]string, len(resolved.Paths))
	for _, rel := range resolved.Paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		a, err := n.LoadArtifact(root, rel, rc)
		if err != nil {
			return nil, err
		}
		digests[rel] = a.SHA256Norm
	}

	res := &AnchorResult{
		Tree:              BuildMerkleTree(digests),
		Status:            conform.StatusPass,
		Skipped:           resolved.Missing,
		ScopeManifestHash: canonicalize.ScopeManifestHash(resolved.Paths),
	}
	if len(resolved.Missing) > 0 {
		res.Status = conform.StatusPartial
		slog.WarnContext(ctx, "merkle: anchor scope incomplete",
			"skipped", len(resolved.Missing), "first", resolved.Missing[0])
	}
	return res, nil
}
