package storage

import (
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrUnavailable wraps every database I/O failure. Callers treat it as
	// retryable for reads and as fatal for the current turn on writes.
	ErrUnavailable = errors.New("store unavailable")

	// ErrBlacklisted is returned by writes against a blacklisted dialog.
	ErrBlacklisted = errors.New("dialog is blacklisted")
)

// DialogKey identifies one customer conversation. Channels with integer ids
// render them as decimal strings.
type DialogKey string

// Role is the author of a dialog message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one entry of a dialog history.
type Message struct {
	Role      Role
	Content   string
	CreatedAt time.Time
}

// BlacklistReason records why a dialog stopped being handled automatically.
type BlacklistReason string

const (
	ReasonBannedWord BlacklistReason = "banned-word"
	ReasonEscalated  BlacklistReason = "escalated"
	ReasonOther      BlacklistReason = "other"
)

// Reminder stages. Absent rows read as StageActive.
const (
	StageActive        = 0
	StageFirstReminded = 1
	StageFinalReminded = 2
)

// CatalogRow is one persisted snapshot entry with its per-field hashes.
type CatalogRow struct {
	ID              int64
	Name            string
	Description     string
	Price           string
	NameHash        string
	DescriptionHash string
	PriceHash       string
}

// CatalogSnapshot is the last successfully indexed catalog. Index holds the
// serialized vector index; it is nil when no index was ever built.
type CatalogSnapshot struct {
	Token   string
	Rows    []CatalogRow
	Index   []byte
	BuiltAt time.Time
}

type Job struct {
	ID          string
	Type        string
	PayloadJSON string
	Status      string // "pending", "running", "completed", "failed"
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}
