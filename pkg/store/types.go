package store

// Typed rows for every persisted entity. All timestamps are unix
// milliseconds (BIGINT in both SQL dialects) so window math, lock TTLs and
// retry scheduling never round-trip through timezone parsing.

// User is an account with a prepaid balance. Email and phone are stored
// hashed + masked; the plaintext never reaches the store.
type User struct {
	ID              string
	WalletAddress   string // lowercased, unique
	EmailHash       string // unique when set
	EmailMasked     string
	PhoneHash       string // unique when set
	PhoneMasked     string
	Handle          string // case-folded unique
	Discoverable    bool
	Balance         int64 // invariant: >= 0 after any committed transition
	HandleChangedAt int64
	CreatedAt       int64
	UpdatedAt       int64
}

// PricingProfile is the per-user price sheet (1:1 with User).
type PricingProfile struct {
	UserID            string
	DefaultPrice      int64
	FirstContactPrice int64
	ReturnDiscountBps int64 // 0..10000
	AcceptsAll        bool
}

// Message statuses. Transitions are monotonic toward delivered/failed.
const (
	MessageStatusPaid      = "paid"
	MessageStatusDelivered = "delivered"
	MessageStatusFailed    = "failed"
)

// Message is a paid message. ID is globally unique.
type Message struct {
	ID          string
	SenderID    string
	RecipientID string
	Ciphertext  []byte // opaque to the core
	ContentHash string
	Price       int64
	Status      string
	TxHash      string
	CreatedAt   int64
}

// InboxMessage is a Message joined with the sender's wallet for inbox reads.
type InboxMessage struct {
	Message
	SenderWallet string
}

// Delivery job statuses.
const (
	JobStatusPending    = "pending"
	JobStatusProcessing = "processing"
	JobStatusDone       = "done"
	JobStatusFailed     = "failed"
)

// DeadLetterPrefix marks a terminally failed job's error text.
const DeadLetterPrefix = "max_retries_reached:"

// DeliveryJob is one fan-out delivery of a message to a channel
// destination. Unique on (MessageID, Channel, Destination).
type DeliveryJob struct {
	ID            string
	MessageID     string
	UserID        string // recipient
	Channel       string
	Destination   string
	Payload       []byte
	Status        string
	Attempts      int
	MaxAttempts   int
	NextAttemptAt int64
	LockedBy      string
	LockedUntil   int64
	ErrorText     string
	CreatedAt     int64
	UpdatedAt     int64
}

// DeliveryJobStats aggregates job counts per status plus the dead-letter
// subset of failed.
type DeliveryJobStats struct {
	Pending    int64
	Processing int64
	Done       int64
	Failed     int64
	DeadLetter int64
}

// ChainEvent is an immutable decoded MessagePaid log. Unique on
// (ChainKey, TxHash, LogIndex).
type ChainEvent struct {
	ChainKey    string
	TxHash      string
	LogIndex    uint
	Payer       string // wallet, lowercased
	Recipient   string // wallet, lowercased
	Amount      string // raw token amount as decimal string
	Fee         string
	ContentHash string
	Nonce       string
	Channel     string
	BlockNumber uint64
	BlockHash   string
	ObservedAt  int64
}

// ChannelConnection statuses.
const (
	ChannelStatusConnected    = "connected"
	ChannelStatusDisconnected = "disconnected"
)

// ChannelConnection binds a user to an external notification channel.
// Unique on (UserID, Channel).
type ChannelConnection struct {
	UserID            string
	Channel           string
	ExternalHandle    string
	SecretRef         string // opaque reference, never plaintext
	ConsentVersion    string
	ConsentAcceptedAt int64
	Status            string
	CreatedAt         int64
	UpdatedAt         int64
}

// IdentityBinding links an external identity subject to a wallet.
// Unique on (Method, Provider, Subject); wallet unique across non-revoked rows.
type IdentityBinding struct {
	Method        string
	Provider      string
	Subject       string
	WalletAddress string
	Revoked       bool
	CreatedAt     int64
}

// Abuse key types.
const (
	AbuseKeySender    = "sender"
	AbuseKeyRecipient = "recipient"
	AbuseKeyIP        = "ip"
	AbuseKeyDevice    = "device"
)

// AbuseKey identifies one counter/block dimension instance.
type AbuseKey struct {
	Type  string
	Value string // hashed identifier
}

// AbuseBlock denies sends from an identifier until BlockedUntil.
type AbuseBlock struct {
	Key          AbuseKey
	BlockedUntil int64
	Reason       string
	Metadata     map[string]any
}

// AbuseEvent is an append-only record of a block decision.
type AbuseEvent struct {
	ID       string
	Keys     []AbuseKey
	Reason   string
	Score    int64
	Metadata map[string]any
	At       int64
}

// AuditEntry is one append-only audit row.
type AuditEntry struct {
	ID        string
	UserID    string
	EventType string
	Metadata  []byte // JSON
	At        int64
}

// VaultBlob, VaultAuditLog, CustodialWallet and PasskeyCredential are
// storage-only; their behaviors live outside this service.

type VaultBlob struct {
	Key       string
	Value     []byte
	UpdatedAt int64
}

type VaultAuditLog struct {
	ID     string
	Actor  string
	Action string
	Detail string
	At     int64
}

type CustodialWallet struct {
	UserID        string
	WalletAddress string
	KeyRef        string
	CreatedAt     int64
}

type PasskeyCredential struct {
	UserID       string
	CredentialID string
	PublicKey    []byte
	SignCount    uint32
	CreatedAt    int64
}
