// Package audit implements the append-only signed audit log of spec.md
// §4.3: one JSONL record per BUS.PUBLISH/BUS.DELIVER event, per thread.
// The log is the replay oracle — it is the only input the replay verifier
// (spec.md §8, P2) may read.
package audit

import (
	"bufio"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/canswarm/kernel/pkg/kernel"
)

// EventKind distinguishes a publish from a delivery of the same envelope.
type EventKind string

const (
	EventPublish EventKind = "BUS.PUBLISH"
	EventDeliver EventKind = "BUS.DELIVER"
)

// Record is one line of the audit log.
type Record struct {
	WallTimeNanos    int64            `json:"wall_time_ns"`
	ThreadID         string           `json:"thread_id"`
	Subject          string           `json:"subject"`
	Kind             EventKind        `json:"event_kind"`
	Envelope         *kernel.Envelope `json:"envelope"`
	PayloadHash      string           `json:"payload_hash"`
	PolicyEvalDigest string           `json:"policy_eval_digest"`
	SigningPublicKey string           `json:"signing_public_key"`
	RecordSignature  []byte           `json:"record_signature,omitempty"`
}

// recordSigningBlob is everything in Record except the signature itself.
func recordSigningBlob(r Record) ([]byte, error) {
	r.RecordSignature = nil
	return json.Marshal(r)
}

// Log is a single append-only file per thread. Writers are serialized
// inside the Log itself (spec.md §5: "Plan op-log writes are serialized
// inside a single owner"; the audit log follows the same rule since it
// is the ground truth every other component derives from).
type Log struct {
	mu   sync.Mutex
	file *os.File
	w    *bufio.Writer

	nodePriv ed25519.PrivateKey
	nodePub  ed25519.PublicKey
}

// Open opens (creating if necessary) the audit log file for a thread under
// dir, signing every record cover with nodeKey.
func Open(dir, threadID string, nodeKey ed25519.PrivateKey) (*Log, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir audit dir: %w", err)
	}
	path := filepath.Join(dir, threadID+".jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open audit log %s: %w", path, err)
	}
	pub, _ := nodeKey.Public().(ed25519.PublicKey)
	return &Log{file: f, w: bufio.NewWriter(f), nodePriv: nodeKey, nodePub: pub}, nil
}

// Append writes one record and flushes it (audit durability must not be
// deferred: a crash between append and flush would make the log lie about
// what this node claimed to have done). policyEvalDigest is the decision
// digest pkg/policy.Gate.Ingress returned for env, carried so replay can
// detect policy drift (spec.md §4.7, §4.3).
func (l *Log) Append(kind EventKind, subject string, env *kernel.Envelope, policyEvalDigest [32]byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec := Record{
		WallTimeNanos:    time.Now().UnixNano(),
		ThreadID:         env.ThreadID,
		Subject:          subject,
		Kind:             kind,
		Envelope:         env,
		PayloadHash:      fmt.Sprintf("%x", env.PayloadHash),
		PolicyEvalDigest: fmt.Sprintf("%x", policyEvalDigest),
		SigningPublicKey: fmt.Sprintf("%x", l.nodePub),
	}
	blob, err := recordSigningBlob(rec)
	if err != nil {
		return fmt.Errorf("marshal audit record: %w", err)
	}
	rec.RecordSignature = ed25519.Sign(l.nodePriv, blob)

	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal signed audit record: %w", err)
	}
	if _, err := l.w.Write(line); err != nil {
		return err
	}
	if err := l.w.WriteByte('\n'); err != nil {
		return err
	}
	if err := l.w.Flush(); err != nil {
		return err
	}
	return l.file.Sync()
}

// Close flushes and closes the underlying file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.w.Flush(); err != nil {
		return err
	}
	return l.file.Close()
}

// Reader replays a thread's audit log in file order, which is the total
// order replay iterates by (spec.md §4.3).
type Reader struct {
	dec *json.Decoder
}

// OpenReader opens the audit log file at path for sequential replay.
func OpenReader(path string) (*Reader, func() error, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open audit log for replay %s: %w", path, err)
	}
	return &Reader{dec: json.NewDecoder(bufio.NewReader(f))}, f.Close, nil
}

// Next returns the next record, or io.EOF when the log is exhausted.
func (r *Reader) Next() (*Record, error) {
	var rec Record
	if err := r.dec.Decode(&rec); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("decode audit record: %w", err)
	}
	return &rec, nil
}

// VerifyRecord checks that a record's signature cover verifies under the
// claimed signing public key. Used by the replay verifier before trusting
// a line.
func VerifyRecord(rec *Record) error {
	pub, err := hex.DecodeString(rec.SigningPublicKey)
	if err != nil {
		return fmt.Errorf("decode signing key: %w", err)
	}
	if len(pub) != ed25519.PublicKeySize {
		return fmt.Errorf("signing key wrong size: got %d want %d", len(pub), ed25519.PublicKeySize)
	}
	blob, err := recordSigningBlob(*rec)
	if err != nil {
		return err
	}
	if !ed25519.Verify(ed25519.PublicKey(pub), blob, rec.RecordSignature) {
		return fmt.Errorf("audit record signature invalid")
	}
	return nil
}

// Sha256Hex is a small convenience used by callers constructing Record
// fields outside Append (e.g. replay diagnostics).
func Sha256Hex(b []byte) string {
	h := sha256.Sum256(b)
	return fmt.Sprintf("%x", h)
}
