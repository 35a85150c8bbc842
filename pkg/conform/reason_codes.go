package conform

// Reason codes are stable identifiers emitted in status records.
// They MUST NOT change between releases.
const (
	// --- Canonicalization ---
	ReasonMalformedInput               = "MALFORMED_INPUT"
	ReasonStructuralIntegrityViolation = "STRUCTURAL_INTEGRITY_VIOLATION"

	// --- Scope ---
	ReasonEmptyScope  = "EMPTY_SCOPE"
	ReasonMissingFile = "MISSING_FILE" // partial when reported by the anchor

	// --- Chain / anchor ---
	ReasonChainDivergence    = "CHAIN_DIVERGENCE" // first diverging index localizes the tamper point
	ReasonMerkleRootMismatch = "MERKLE_ROOT_MISMATCH"

	// --- Epoch binding ---
	ReasonCanonicalMismatch   = "CANONICAL_MISMATCH"
	ReasonNonConvergence      = "NON_CONVERGENCE" // fixpoint write hit the iteration cap
	ReasonPriorEpochInvalid   = "PRIOR_EPOCH_INVALID"
	ReasonReadOnlyViolation   = "READ_ONLY_VIOLATION"
	ReasonUpdateForbiddenCI   = "UPDATE_FORBIDDEN_IN_CI"
	ReasonEpochLocked         = "EPOCH_LOCKED" // another process owns the epoch
	ReasonLedgerLinkBroken    = "LEDGER_LINK_BROKEN"
	ReasonDocumentFormatDrift = "DOCUMENT_FORMAT_DRIFT"

	// --- Replay ---
	ReasonExecutionFailure    = "EXECUTION_FAILURE"
	ReasonDeterminismMismatch = "DETERMINISM_MISMATCH"
	ReasonTimeoutFailure      = "TIMEOUT_FAILURE"
	ReasonKillLockActive      = "KILL_LOCK_ACTIVE"

	// --- Caller policy / setup ---
	ReasonPolicyRejected = "POLICY_REJECTED"
	ReasonConfigInvalid  = "CONFIG_INVALID"
	ReasonInternal       = "INTERNAL_ERROR"
)

// AllReasonCodes returns the full set of normative reason codes.
func AllReasonCodes() []string {
	return []string{
		ReasonMalformedInput,
		ReasonStructuralIntegrityViolation,
		ReasonEmptyScope,
		ReasonMissingFile,
		ReasonChainDivergence,
		ReasonMerkleRootMismatch,
		ReasonCanonicalMismatch,
		ReasonNonConvergence,
		ReasonPriorEpochInvalid,
		ReasonReadOnlyViolation,
		ReasonUpdateForbiddenCI,
		ReasonEpochLocked,
		ReasonLedgerLinkBroken,
		ReasonDocumentFormatDrift,
		ReasonExecutionFailure,
		ReasonDeterminismMismatch,
		ReasonTimeoutFailure,
		ReasonKillLockActive,
		ReasonPolicyRejected,
		ReasonConfigInvalid,
		ReasonInternal,
	}
}

// remediations holds the default operator hint per reason code.
var remediations = map[string]string{
	ReasonMalformedInput:               "re-generate the artifact as UTF-8 text",
	ReasonStructuralIntegrityViolation: "a volatile-marker rule touched a semantic line; narrow the rule or the forbidden token set",
	ReasonEmptyScope:                   "declare at least one path in the scope if an empty chain is not intended",
	ReasonMissingFile:                  "restore the missing scope file or remove it from the scope",
	ReasonChainDivergence:              "inspect the artifact at the reported index; everything before it is intact",
	ReasonMerkleRootMismatch:           "re-run the anchor in update mode only if the content change is intended",
	ReasonCanonicalMismatch:            "closeout, verdict and recomputed fingerprints disagree; re-seal the epoch with update",
	ReasonNonConvergence:               "a sealed document embeds content that changes on every write; remove it from the structural set",
	ReasonPriorEpochInvalid:            "verify and re-seal the predecessor epoch first",
	ReasonReadOnlyViolation:            "verify mode mutated the evidence tree; find the writer outside the allow-list",
	ReasonUpdateForbiddenCI:            "run update locally and commit the regenerated evidence",
	ReasonEpochLocked:                  "another process holds the epoch lease; wait for it to finish",
	ReasonLedgerLinkBroken:             "the ledger prior link does not match the predecessor fingerprint; audit the ledger",
	ReasonDocumentFormatDrift:          "the rendered evidence document disagrees with its JSON record; regenerate with update",
	ReasonExecutionFailure:             "inspect the failing run's stderr and work root",
	ReasonDeterminismMismatch:          "runs succeeded but produced different fingerprints; look for unnormalized volatile content",
	ReasonTimeoutFailure:               "raise replay.timeout or find the hanging stage",
	ReasonKillLockActive:               "a replay kill lock is present; fix the cause and run a fully passing replay to clear it",
	ReasonPolicyRejected:               "the acceptance policy rejected this status",
	ReasonConfigInvalid:                "fix the configuration file reported in the message",
	ReasonInternal:                     "unexpected failure; re-run with --log-level=debug",
}

// Remediation returns the default remediation hint for a reason code.
func Remediation(code string) string {
	return remediations[code]
}
