package store

import (
	"slices"
	"time"
)

type Role uint32

const (
	RoleUser Role = iota
	RoleDeveloperFee
)

func (r Role) String() string {
	switch r {
	case RoleUser:
		return "user"
	case RoleDeveloperFee:
		return "developer-fee"
	default:
		return "unknown"
	}
}

// RegistrationState tracks a wallet through
// unregistered -> registering -> active -> disabled.
type RegistrationState uint32

const (
	Unregistered RegistrationState = iota
	Registering
	Active
	Disabled
)

func (s RegistrationState) String() string {
	switch s {
	case Unregistered:
		return "unregistered"
	case Registering:
		return "registering"
	case Active:
		return "active"
	case Disabled:
		return "disabled"
	default:
		return "unknown"
	}
}

// Challenge is the persisted snapshot of a challenge a wallet is assigned to.
type Challenge struct {
	ID               string
	Difficulty       string
	NoPreMine        string
	LatestSubmission string
	NoPreMineHour    string
	Rank             uint32
	ExpiresAt        int64
}

type Assignment struct {
	Active     bool
	Challenge  Challenge
	AssignedAt int64
	Attempts   uint64
}

type Wallet struct {
	Address    string
	PublicKey  []byte
	SigningKey []byte
	Signature  string

	Role        Role
	State       RegistrationState
	RegAttempts uint32

	Assignment Assignment
	Exhausted  []string

	Solved  uint64
	Pending uint64
	Swept   uint64

	CreatedAt    int64
	LastActivity int64
	LastError    string
}

func (w *Wallet) IsExhausted(challengeID string) bool {
	return slices.Contains(w.Exhausted, challengeID)
}

func (w *Wallet) AddExhausted(challengeID string) {
	if !w.IsExhausted(challengeID) {
		w.Exhausted = append(w.Exhausted, challengeID)
	}
}

// Unswept is the number of confirmed solutions not yet covered by a consolidation.
func (w *Wallet) Unswept() uint64 {
	if w.Swept >= w.Solved {
		return 0
	}
	return w.Solved - w.Swept
}

func (w *Wallet) Touch(now time.Time) {
	w.LastActivity = now.UnixNano()
}

type SubmissionStatus uint32

const (
	Found SubmissionStatus = iota
	Submitting
	Retrying
	Confirmed
	Rejected
)

func (s SubmissionStatus) String() string {
	switch s {
	case Found:
		return "found"
	case Submitting:
		return "submitting"
	case Retrying:
		return "retrying"
	case Confirmed:
		return "confirmed"
	case Rejected:
		return "rejected"
	default:
		return "unknown"
	}
}

func (s SubmissionStatus) Resolved() bool {
	return s == Confirmed || s == Rejected
}

// Error classes recorded on submission records.
const (
	ErrClassTransient = "transient"
	ErrClassRejected  = "rejected"
)

type Submission struct {
	Wallet      string
	ChallengeID string
	Nonce       string
	Hash        string
	Role        Role

	Status        SubmissionStatus
	Attempts      uint32
	LastErrClass  string
	LastError     string
	FoundAt       int64
	UpdatedAt     int64
	NextAttemptAt int64
}

func (s *Submission) Key() SubmissionKey {
	return SubmissionKey{Wallet: s.Wallet, ChallengeID: s.ChallengeID}
}

type SubmissionKey struct {
	Wallet      string
	ChallengeID string
}

func (k SubmissionKey) String() string {
	return k.Wallet + "/" + k.ChallengeID
}
