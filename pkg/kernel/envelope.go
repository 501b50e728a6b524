package kernel

import "time"

// Envelope is the immutable-once-signed protocol message of spec.md §3.
// Payload is left as raw bytes (canonical JSON) here; pkg/crypto owns
// building, signing, and verifying envelopes, and pkg/kernel's Verb-specific
// payload structs (below) are what a handler unmarshals Payload into.
type Envelope struct {
	ID              string    `json:"id"`
	ThreadID        string    `json:"thread_id"`
	Kind            Verb      `json:"kind"`
	Lamport         uint64    `json:"lamport"`
	WallTime        time.Time `json:"wall_time"`
	SenderPublicKey []byte    `json:"sender_public_key"`
	PayloadHash     [32]byte  `json:"payload_hash"`
	Payload         []byte    `json:"payload"` // canonical JSON of the verb-specific struct
	PolicyEngineHash [32]byte `json:"policy_engine_hash"`
	Nonce           []byte    `json:"nonce"`
	Signature       []byte    `json:"signature"`
}

// NeedPayload opens an auction for a new task.
type NeedPayload struct {
	TaskID   string  `json:"task_id"`
	TaskType string  `json:"task_type"`
	Data     string  `json:"data"`
	Budget   int64   `json:"budget"`
	BidWindow time.Duration `json:"bid_window"`
}

// ProposePayload records a bid under an open auction.
type ProposePayload struct {
	NeedID      string          `json:"need_id"`
	ProposalID  string          `json:"proposal_id"`
	ProposerID  string          `json:"proposer_id"`
	Cost        int64           `json:"cost"`
	ETA         time.Duration   `json:"eta"`
	PlanPatch   []byte          `json:"plan_patch,omitempty"`
}

// ClaimPayload is emitted internally when an auction closes, and is what the
// winning worker acknowledges to start its lease.
type ClaimPayload struct {
	TaskID     string `json:"task_id"`
	ProposalID string `json:"proposal_id"`
	HolderID   string `json:"holder_id"`
	Epoch      int64  `json:"epoch"`
}

// CommitPayload points to the content-addressed artifact produced for a task.
type CommitPayload struct {
	TaskID        string            `json:"task_id"`
	CommitID      string            `json:"commit_id"`
	ArtifactHash  string            `json:"artifact_hash"` // hex sha256, CAS key
	ResourceClaims map[string]int64 `json:"resource_claims,omitempty"`
}

// AttestPayload is a verifier's vote on a COMMIT (result quorum).
type AttestPayload struct {
	TaskID      string `json:"task_id"`
	CommitID    string `json:"commit_id"`
	VerifierID  string `json:"verifier_id"`
	Approve     bool   `json:"approve"`
}

// AttestPlanPayload is a verifier's vote on a PROPOSE (plan quorum).
type AttestPlanPayload struct {
	NeedID     string `json:"need_id"`
	ProposalID string `json:"proposal_id"`
	VerifierID string `json:"verifier_id"`
	Approve    bool   `json:"approve"`
}

// DecidePayload records the consensus outcome for a need.
type DecidePayload struct {
	NeedID     string `json:"need_id"`
	ProposalID string `json:"proposal_id"`
	Epoch      int64  `json:"epoch"`
	KPlanUsed  int    `json:"k_plan_used"`
	DeciderID  string `json:"decider_id"`
}

// FinalizePayload marks a task FINAL and releases bounty escrow.
type FinalizePayload struct {
	TaskID   string `json:"task_id"`
	CommitID string `json:"commit_id"`
}

// YieldPayload / ReleasePayload give up a lease voluntarily or by scavenge.
type YieldPayload struct {
	TaskID   string `json:"task_id"`
	LeaseID  string `json:"lease_id"`
	HolderID string `json:"holder_id"`
}

type ReleasePayload struct {
	TaskID        string `json:"task_id"`
	LeaseID       string `json:"lease_id"`
	Reason        string `json:"reason"` // "yield" | "scavenge"
	MissedBeats   int    `json:"missed_beats,omitempty"`
}

// HeartbeatPayload renews a lease.
type HeartbeatPayload struct {
	TaskID   string `json:"task_id"`
	LeaseID  string `json:"lease_id"`
	HolderID string `json:"holder_id"`
}

// ChallengePayload disputes a COMMIT within the challenge window.
type ChallengePayload struct {
	ChallengeID  string    `json:"challenge_id"`
	TaskID       string    `json:"task_id"`
	CommitID     string    `json:"commit_id"`
	ChallengerID string    `json:"challenger_id"`
	ProofType    ProofType `json:"proof_type"`
	EvidenceHash string    `json:"evidence_hash"` // CAS key
	BondAmount   int64     `json:"bond_amount"`
}

// InvalidatePayload is emitted when a challenge is UPHELD.
type InvalidatePayload struct {
	ChallengeID string `json:"challenge_id"`
	TaskID      string `json:"task_id"`
	CommitID    string `json:"commit_id"`
}

// ReconcilePayload records the outcome of a partition-heal merge.
type ReconcilePayload struct {
	NewEpoch         int64              `json:"new_epoch"`
	OrphanedNeedIDs  []string           `json:"orphaned_need_ids"`
	ForeignCapsuleHashes map[string]string `json:"foreign_capsule_hashes,omitempty"`
}

// UpdatePlanPayload / CheckpointPayload carry raw plan op-log appends.
type UpdatePlanPayload struct {
	Ops []byte `json:"ops"` // canonical JSON array of plan.Op
}

type CheckpointPayload struct {
	Epoch      int64  `json:"epoch"`
	MerkleRoot string `json:"merkle_root"`
}
