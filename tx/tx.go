// Package tx holds the data model shared by the submitter, cache, monitor, retry queue
// and replay consumer.
package tx

import (
	"time"

	sgo "github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
	"github.com/solpipe/delivery/errormsg"
)

type Status int

const (
	StatusPending Status = iota
	StatusConfirmed
	StatusFailed
	StatusExpired
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusConfirmed:
		return "confirmed"
	case StatusFailed:
		return "failed"
	case StatusExpired:
		return "expired"
	default:
		return "unknown"
	}
}

func (s Status) Terminal() bool {
	return s != StatusPending
}

// CanMoveTo enforces monotonic status: Pending may go anywhere, terminal states never change.
func (s Status) CanMoveTo(next Status) bool {
	if s == next {
		return false
	}
	return s == StatusPending
}

type AnchorKind int

const (
	AnchorBlockhash AnchorKind = iota
	AnchorNonce
)

// Anchor is what bounds the validity of a signed transaction.
type Anchor struct {
	Kind                 AnchorKind    `json:"kind"`
	Blockhash            sgo.Hash      `json:"blockhash"`
	LastValidBlockHeight uint64        `json:"last_valid_block_height"`
	NonceAccount         sgo.PublicKey `json:"nonce_account"`
	NonceValue           sgo.Hash      `json:"nonce_value"`
}

// RecentBlockhash is the value written into the transaction header.
func (a Anchor) RecentBlockhash() sgo.Hash {
	if a.Kind == AnchorNonce {
		return a.NonceValue
	}
	return a.Blockhash
}

// Handle identifies one submission.  Callers wait on the job, not the signature, since
// retries change the signature.
type Handle struct {
	Id        uuid.UUID     `json:"id"`
	JobId     sgo.PublicKey `json:"job"`
	Signature sgo.Signature `json:"signature"`
}

// Submitted is one attempt at getting a job's transaction committed.
type Submitted struct {
	Id          uuid.UUID
	Signature   sgo.Signature
	JobId       sgo.PublicKey
	Anchor      Anchor
	SubmittedAt time.Time
	// when the job's first attempt was made
	CreatedAt time.Time
	Status    Status
	// number of earlier attempts for this job
	RetryCount int
	// first signature of a replay chain
	Original   *sgo.Signature
	LastClass  errormsg.Class
	SendError  error
	ResolvedAt time.Time
	Message    Message
	// base64 wire transaction
	Encoded string
}

func (s Submitted) Handle() Handle {
	return Handle{Id: s.Id, JobId: s.JobId, Signature: s.Signature}
}

// Attempts counts submissions, including this one.
func (s Submitted) Attempts() int {
	return s.RetryCount + 1
}

// DurableMessage is a message anchored to a durable nonce so that it survives any number
// of blockhash windows.
type DurableMessage struct {
	Message      Message       `json:"message"`
	NonceAccount sgo.PublicKey `json:"nonce_account"`
	CreatedAt    time.Time     `json:"created_at"`
	RetryCount   int           `json:"retry_count"`
	// base64 transaction from the last durable submission, reusable while the nonce
	// value and instructions are unchanged
	Snapshot        string         `json:"snapshot,omitempty"`
	SnapshotNonce   sgo.Hash       `json:"snapshot_nonce"`
	InstructionHash sgo.Hash       `json:"instruction_hash"`
	Original        *sgo.Signature `json:"original,omitempty"`
}

func (dm DurableMessage) Age(now time.Time) time.Duration {
	return now.Sub(dm.CreatedAt)
}

func (dm DurableMessage) Expired(now time.Time, maxAge time.Duration) bool {
	return 0 < maxAge && maxAge <= dm.Age(now)
}

// SnapshotValid reports whether Snapshot may be sent again as-is.
func (dm DurableMessage) SnapshotValid(nonce sgo.Hash) bool {
	if len(dm.Snapshot) == 0 || !dm.SnapshotNonce.Equals(nonce) {
		return false
	}
	h, err := dm.Message.Hash()
	if err != nil {
		return false
	}
	return h.Equals(dm.InstructionHash)
}

// RetryEntry is owned by the retry queue.
type RetryEntry struct {
	Message       DurableMessage `json:"message"`
	Attempts      int            `json:"attempts"`
	NextAt        time.Time      `json:"next_at"`
	LastClass     errormsg.Class `json:"last_class"`
	LastSignature sgo.Signature  `json:"last_signature"`
	InFlight      bool           `json:"in_flight"`
}

func (e RetryEntry) JobId() sgo.PublicKey {
	return e.Message.Message.JobId
}

type Outcome int

const (
	OutcomeConfirmed Outcome = iota
	OutcomeFailedPermanently
)

func (o Outcome) String() string {
	if o == OutcomeConfirmed {
		return "confirmed"
	}
	return "failed_permanently"
}

// Resolution is the terminal result of a job.
type Resolution struct {
	JobId      sgo.PublicKey
	Signature  sgo.Signature
	Outcome    Outcome
	Attempts   int
	LastClass  errormsg.Class
	ResolvedAt time.Time
}

// Landed is returned by a replay that found the previous attempt already committed, so
// nothing was resubmitted.
type Landed struct {
	Signature sgo.Signature
}

func (l *Landed) Error() string {
	return "previous attempt " + l.Signature.String() + " already landed"
}

// Reporter receives every terminal resolution exactly once per job attempt chain.
type Reporter interface {
	Report(r Resolution)
}

type ReporterFunc func(r Resolution)

func (f ReporterFunc) Report(r Resolution) {
	f(r)
}
