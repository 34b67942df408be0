package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// FileStore is the JSON-on-disk fallback backend. It mirrors the SQL
// schema as named arrays in one file and guards all access with an
// exclusive in-process mutex. It offers no cross-process concurrency;
// Open only selects it when the embedded backend is unavailable.
type FileStore struct {
	mu    sync.Mutex
	path  string
	data  *fileData
	clock func() time.Time
}

type fileData struct {
	Users              []User              `json:"users"`
	PricingProfiles    []PricingProfile    `json:"pricing_profiles"`
	Messages           []Message           `json:"messages"`
	MessageIdempotency map[string]string   `json:"message_idempotency"` // senderID|key -> messageID
	DeliveryJobs       []DeliveryJob       `json:"delivery_jobs"`
	ChainEvents        []ChainEvent        `json:"chain_events"`
	Checkpoints        map[string]uint64   `json:"chain_event_checkpoints"`
	Channels           []ChannelConnection `json:"channel_connections"`
	IdentityBindings   []IdentityBinding   `json:"identity_bindings"`
	AbuseCounters      map[string]int64    `json:"abuse_counters"` // type|value|window -> count
	AbuseBlocks        []AbuseBlock        `json:"abuse_blocks"`
	AbuseEvents        []AbuseEvent        `json:"abuse_events"`
	AuditLog           []AuditEntry        `json:"audit_log"`
	VaultBlobs         []VaultBlob         `json:"vault_blobs"`
	VaultAudit         []VaultAuditLog     `json:"vault_audit_log"`
	CustodialWallets   []CustodialWallet   `json:"custodial_wallets"`
	Passkeys           []PasskeyCredential `json:"passkey_credentials"`
}

func newFileData() *fileData {
	return &fileData{
		MessageIdempotency: make(map[string]string),
		Checkpoints:        make(map[string]uint64),
		AbuseCounters:      make(map[string]int64),
	}
}

// OpenFileStore opens (or creates) the JSON store at path.
func OpenFileStore(path string) (*FileStore, error) {
	fs := &FileStore{path: path, data: newFileData(), clock: time.Now}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fs, nil
		}
		return nil, fmt.Errorf("read file store: %w", err)
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, fs.data); err != nil {
			return nil, fmt.Errorf("parse file store: %w", err)
		}
	}
	if fs.data.MessageIdempotency == nil {
		fs.data.MessageIdempotency = make(map[string]string)
	}
	if fs.data.Checkpoints == nil {
		fs.data.Checkpoints = make(map[string]uint64)
	}
	if fs.data.AbuseCounters == nil {
		fs.data.AbuseCounters = make(map[string]int64)
	}
	return fs, nil
}

// WithClock overrides the clock for tests.
func (f *FileStore) WithClock(clock func() time.Time) *FileStore {
	f.clock = clock
	return f
}

func (f *FileStore) Mode() Mode                    { return ModeFile }
func (f *FileStore) Ping(context.Context) error    { return nil }
func (f *FileStore) Close() error                  { return nil }
func (f *FileStore) nowMs() int64                  { return f.clock().UnixMilli() }

// persist writes atomically via rename. Callers hold the mutex.
func (f *FileStore) persist() error {
	raw, err := json.Marshal(f.data)
	if err != nil {
		return fmt.Errorf("marshal file store: %w", err)
	}
	tmp := f.path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("write file store: %w", err)
	}
	return os.Rename(tmp, f.path)
}

func (f *FileStore) CreateUser(_ context.Context, u *User) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	wallet := strings.ToLower(u.WalletAddress)
	for i := range f.data.Users {
		e := &f.data.Users[i]
		if e.ID == u.ID || e.WalletAddress == wallet ||
			(u.Handle != "" && e.Handle == strings.ToLower(u.Handle)) ||
			(u.EmailHash != "" && e.EmailHash == u.EmailHash) ||
			(u.PhoneHash != "" && e.PhoneHash == u.PhoneHash) {
			return fmt.Errorf("insert user: unique violation")
		}
	}
	now := f.nowMs()
	c := *u
	c.WalletAddress = wallet
	c.Handle = strings.ToLower(u.Handle)
	if c.CreatedAt == 0 {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	f.data.Users = append(f.data.Users, c)
	return f.persist()
}

func (f *FileStore) findUser(pred func(*User) bool) (*User, error) {
	for i := range f.data.Users {
		if pred(&f.data.Users[i]) {
			c := f.data.Users[i]
			return &c, nil
		}
	}
	return nil, ErrNotFound
}

func (f *FileStore) GetUser(_ context.Context, id string) (*User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.findUser(func(u *User) bool { return u.ID == id })
}

func (f *FileStore) GetUserByWallet(_ context.Context, wallet string) (*User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	w := strings.ToLower(wallet)
	return f.findUser(func(u *User) bool { return u.WalletAddress == w })
}

func (f *FileStore) GetUserByHandle(_ context.Context, handle string) (*User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	h := strings.ToLower(handle)
	return f.findUser(func(u *User) bool { return u.Handle == h })
}

func (f *FileStore) GetUserByPhoneHash(_ context.Context, phoneHash string) (*User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.findUser(func(u *User) bool { return u.PhoneHash != "" && u.PhoneHash == phoneHash })
}

func (f *FileStore) CreditBalance(_ context.Context, userID string, amount int64, now int64) error {
	if amount < 0 {
		return fmt.Errorf("credit amount must be non-negative")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.data.Users {
		if f.data.Users[i].ID == userID {
			f.data.Users[i].Balance += amount
			f.data.Users[i].UpdatedAt = now
			return f.persist()
		}
	}
	return ErrNotFound
}

func (f *FileStore) UpdateHandle(_ context.Context, userID, handle string, cooldownMs int64, now int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	h := strings.ToLower(handle)
	for i := range f.data.Users {
		if f.data.Users[i].Handle == h && f.data.Users[i].ID != userID {
			return fmt.Errorf("handle taken")
		}
	}
	for i := range f.data.Users {
		if f.data.Users[i].ID == userID {
			if f.data.Users[i].HandleChangedAt > now-cooldownMs {
				return ErrHandleCooldown
			}
			f.data.Users[i].Handle = h
			f.data.Users[i].HandleChangedAt = now
			f.data.Users[i].UpdatedAt = now
			return f.persist()
		}
	}
	return ErrNotFound
}

func (f *FileStore) GetPricingProfile(_ context.Context, userID string) (*PricingProfile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.data.PricingProfiles {
		if f.data.PricingProfiles[i].UserID == userID {
			c := f.data.PricingProfiles[i]
			return &c, nil
		}
	}
	return &PricingProfile{UserID: userID, AcceptsAll: true}, nil
}

func (f *FileStore) SetPricingProfile(_ context.Context, p *PricingProfile) error {
	if p.ReturnDiscountBps < 0 || p.ReturnDiscountBps > 10000 {
		return fmt.Errorf("return_discount_bps out of range: %d", p.ReturnDiscountBps)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.data.PricingProfiles {
		if f.data.PricingProfiles[i].UserID == p.UserID {
			f.data.PricingProfiles[i] = *p
			return f.persist()
		}
	}
	f.data.PricingProfiles = append(f.data.PricingProfiles, *p)
	return f.persist()
}

func (f *FileStore) GetMessage(_ context.Context, id string) (*Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.data.Messages {
		if f.data.Messages[i].ID == id {
			c := f.data.Messages[i]
			return &c, nil
		}
	}
	return nil, ErrNotFound
}

func (f *FileStore) HasNonFailedMessageBetween(_ context.Context, senderID, recipientID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.data.Messages {
		m := &f.data.Messages[i]
		if m.SenderID == senderID && m.RecipientID == recipientID && m.Status != MessageStatusFailed {
			return true, nil
		}
	}
	return false, nil
}

func (f *FileStore) ListInbox(_ context.Context, userID string, limit int) ([]InboxMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	wallets := make(map[string]string, len(f.data.Users))
	for i := range f.data.Users {
		wallets[f.data.Users[i].ID] = f.data.Users[i].WalletAddress
	}
	var out []InboxMessage
	for i := range f.data.Messages {
		m := f.data.Messages[i]
		if m.RecipientID == userID {
			out = append(out, InboxMessage{Message: m, SenderWallet: wallets[m.SenderID]})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt > out[j].CreatedAt })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func idemKey(senderID, key string) string { return senderID + "|" + key }

func (f *FileStore) GetMessageIdempotency(_ context.Context, senderID, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if id, ok := f.data.MessageIdempotency[idemKey(senderID, key)]; ok {
		return id, nil
	}
	return "", ErrNotFound
}

func (f *FileStore) DebitAndInsertMessage(_ context.Context, p DebitInsertParams) (*Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for i := range f.data.Messages {
		if f.data.Messages[i].ID == p.MessageID {
			return nil, ErrDuplicateMessageID
		}
	}
	if p.IdempotencyKey != "" {
		if _, ok := f.data.MessageIdempotency[idemKey(p.SenderID, p.IdempotencyKey)]; ok {
			return nil, ErrIdempotencyConflict
		}
	}

	var sender *User
	for i := range f.data.Users {
		if f.data.Users[i].ID == p.SenderID {
			sender = &f.data.Users[i]
			break
		}
	}
	if sender == nil {
		return nil, ErrNotFound
	}
	if sender.Balance < p.Price {
		return nil, ErrInsufficientBalance
	}

	sender.Balance -= p.Price
	sender.UpdatedAt = p.Now
	m := Message{
		ID:          p.MessageID,
		SenderID:    p.SenderID,
		RecipientID: p.RecipientID,
		Ciphertext:  p.Ciphertext,
		ContentHash: p.ContentHash,
		Price:       p.Price,
		Status:      MessageStatusPaid,
		CreatedAt:   p.Now,
	}
	f.data.Messages = append(f.data.Messages, m)
	if p.IdempotencyKey != "" {
		f.data.MessageIdempotency[idemKey(p.SenderID, p.IdempotencyKey)] = m.ID
	}
	if err := f.persist(); err != nil {
		return nil, err
	}
	c := m
	return &c, nil
}

func (f *FileStore) InsertMessage(_ context.Context, m *Message) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.data.Messages {
		if f.data.Messages[i].ID == m.ID {
			return false, nil
		}
	}
	c := *m
	f.data.Messages = append(f.data.Messages, c)
	return true, f.persist()
}

func (f *FileStore) UpsertChainMessage(_ context.Context, m *Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.data.Messages {
		if f.data.Messages[i].ID == m.ID {
			if f.data.Messages[i].Status != MessageStatusFailed {
				f.data.Messages[i].Status = MessageStatusDelivered
				f.data.Messages[i].TxHash = m.TxHash
			}
			return f.persist()
		}
	}
	c := *m
	c.Status = MessageStatusDelivered
	f.data.Messages = append(f.data.Messages, c)
	return f.persist()
}

func (f *FileStore) MarkMessageDelivered(_ context.Context, id, txHash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.data.Messages {
		if f.data.Messages[i].ID == id && f.data.Messages[i].Status != MessageStatusFailed {
			f.data.Messages[i].Status = MessageStatusDelivered
			f.data.Messages[i].TxHash = txHash
			return f.persist()
		}
	}
	return nil
}

func (f *FileStore) CreateMessageDeliveryJob(_ context.Context, job *DeliveryJob) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.data.DeliveryJobs {
		j := &f.data.DeliveryJobs[i]
		if j.MessageID == job.MessageID && j.Channel == job.Channel && j.Destination == job.Destination {
			return nil // keep existing
		}
	}
	c := *job
	if c.CreatedAt == 0 {
		c.CreatedAt = f.nowMs()
	}
	if c.Status == "" {
		c.Status = JobStatusPending
	}
	c.UpdatedAt = f.nowMs()
	f.data.DeliveryJobs = append(f.data.DeliveryJobs, c)
	return f.persist()
}

func (f *FileStore) ClaimDueDeliveryJobs(_ context.Context, workerID string, limit int, lockTTLMs int64, now int64) ([]DeliveryJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	due := make([]*DeliveryJob, 0)
	for i := range f.data.DeliveryJobs {
		j := &f.data.DeliveryJobs[i]
		if j.Status == JobStatusPending && j.NextAttemptAt <= now && (j.LockedUntil == 0 || j.LockedUntil <= now) {
			due = append(due, j)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].NextAttemptAt != due[j].NextAttemptAt {
			return due[i].NextAttemptAt < due[j].NextAttemptAt
		}
		return due[i].CreatedAt < due[j].CreatedAt
	})
	if len(due) > limit {
		due = due[:limit]
	}

	claimed := make([]DeliveryJob, 0, len(due))
	for _, j := range due {
		j.Status = JobStatusProcessing
		j.LockedBy = workerID
		j.LockedUntil = now + lockTTLMs
		j.Attempts++
		j.ErrorText = ""
		j.UpdatedAt = now
		claimed = append(claimed, *j)
	}
	if len(claimed) > 0 {
		if err := f.persist(); err != nil {
			return nil, err
		}
	}
	return claimed, nil
}

func (f *FileStore) updateJob(id string, fn func(*DeliveryJob)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.data.DeliveryJobs {
		if f.data.DeliveryJobs[i].ID == id {
			fn(&f.data.DeliveryJobs[i])
			return f.persist()
		}
	}
	return ErrNotFound
}

func (f *FileStore) CompleteDeliveryJob(_ context.Context, id string, now int64) error {
	return f.updateJob(id, func(j *DeliveryJob) {
		j.Status = JobStatusDone
		j.LockedBy = ""
		j.LockedUntil = 0
		j.ErrorText = ""
		j.UpdatedAt = now
	})
}

func (f *FileStore) RetryDeliveryJob(_ context.Context, id, reason string, nextAttemptAt int64, now int64) error {
	return f.updateJob(id, func(j *DeliveryJob) {
		j.Status = JobStatusPending
		j.LockedBy = ""
		j.LockedUntil = 0
		j.ErrorText = reason
		j.NextAttemptAt = nextAttemptAt
		j.UpdatedAt = now
	})
}

func (f *FileStore) DeadLetterDeliveryJob(_ context.Context, id, reason string, now int64) error {
	return f.updateJob(id, func(j *DeliveryJob) {
		j.Status = JobStatusFailed
		j.LockedBy = ""
		j.LockedUntil = 0
		j.ErrorText = DeadLetterPrefix + reason
		j.UpdatedAt = now
	})
}

// ListDeliveryJobs returns a copy of every job row, for diagnostics.
func (f *FileStore) ListDeliveryJobs(_ context.Context) []DeliveryJob {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]DeliveryJob, len(f.data.DeliveryJobs))
	copy(out, f.data.DeliveryJobs)
	return out
}

func (f *FileStore) GetDeliveryJobStats(_ context.Context) (*DeliveryJobStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	stats := &DeliveryJobStats{}
	for i := range f.data.DeliveryJobs {
		j := &f.data.DeliveryJobs[i]
		switch j.Status {
		case JobStatusPending:
			stats.Pending++
		case JobStatusProcessing:
			stats.Processing++
		case JobStatusDone:
			stats.Done++
		case JobStatusFailed:
			stats.Failed++
			if strings.HasPrefix(j.ErrorText, DeadLetterPrefix) {
				stats.DeadLetter++
			}
		}
	}
	return stats, nil
}

func (f *FileStore) InsertChainEvent(_ context.Context, ev *ChainEvent) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.data.ChainEvents {
		e := &f.data.ChainEvents[i]
		if e.ChainKey == ev.ChainKey && e.TxHash == ev.TxHash && e.LogIndex == ev.LogIndex {
			return false, nil
		}
	}
	c := *ev
	c.Payer = strings.ToLower(ev.Payer)
	c.Recipient = strings.ToLower(ev.Recipient)
	f.data.ChainEvents = append(f.data.ChainEvents, c)
	return true, f.persist()
}

func (f *FileStore) GetCheckpoint(_ context.Context, chainKey string) (uint64, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	block, ok := f.data.Checkpoints[chainKey]
	return block, ok, nil
}

func (f *FileStore) SaveCheckpoint(_ context.Context, chainKey string, block uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if existing, ok := f.data.Checkpoints[chainKey]; !ok || block > existing {
		f.data.Checkpoints[chainKey] = block
	}
	return f.persist()
}

func (f *FileStore) UpsertChannelConnection(_ context.Context, c *ChannelConnection) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := f.nowMs()
	cc := *c
	if cc.Status == "" {
		cc.Status = ChannelStatusConnected
	}
	cc.UpdatedAt = now
	for i := range f.data.Channels {
		e := &f.data.Channels[i]
		if e.UserID == c.UserID && e.Channel == c.Channel {
			cc.CreatedAt = e.CreatedAt
			*e = cc
			return f.persist()
		}
	}
	if cc.CreatedAt == 0 {
		cc.CreatedAt = now
	}
	f.data.Channels = append(f.data.Channels, cc)
	return f.persist()
}

func (f *FileStore) GetChannelConnection(_ context.Context, userID, channel string) (*ChannelConnection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.data.Channels {
		e := f.data.Channels[i]
		if e.UserID == userID && e.Channel == channel {
			return &e, nil
		}
	}
	return nil, ErrNotFound
}

func (f *FileStore) ListConnectedChannels(_ context.Context, userID string) ([]ChannelConnection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []ChannelConnection
	for i := range f.data.Channels {
		e := f.data.Channels[i]
		if e.UserID == userID && e.Status == ChannelStatusConnected {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *FileStore) DisconnectChannel(_ context.Context, userID, channel string, now int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.data.Channels {
		e := &f.data.Channels[i]
		if e.UserID == userID && e.Channel == channel {
			e.Status = ChannelStatusDisconnected
			e.UpdatedAt = now
			return f.persist()
		}
	}
	return ErrNotFound
}

func (f *FileStore) SaveIdentityBinding(_ context.Context, b *IdentityBinding) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	wallet := strings.ToLower(b.WalletAddress)
	for i := range f.data.IdentityBindings {
		e := &f.data.IdentityBindings[i]
		if e.WalletAddress == wallet && !e.Revoked &&
			(e.Method != b.Method || e.Provider != b.Provider || e.Subject != b.Subject) {
			return ErrIdentityWalletCollision
		}
	}
	for i := range f.data.IdentityBindings {
		e := &f.data.IdentityBindings[i]
		if e.Method == b.Method && e.Provider == b.Provider && e.Subject == b.Subject {
			e.WalletAddress = wallet
			e.Revoked = b.Revoked
			return f.persist()
		}
	}
	c := *b
	c.WalletAddress = wallet
	if c.CreatedAt == 0 {
		c.CreatedAt = f.nowMs()
	}
	f.data.IdentityBindings = append(f.data.IdentityBindings, c)
	return f.persist()
}

func counterKey(key AbuseKey, windowStart int64) string {
	return fmt.Sprintf("%s|%s|%d", key.Type, key.Value, windowStart)
}

func (f *FileStore) IncrementAbuseCounter(_ context.Context, key AbuseKey, windowStart int64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := counterKey(key, windowStart)
	f.data.AbuseCounters[k]++
	if err := f.persist(); err != nil {
		return 0, err
	}
	return f.data.AbuseCounters[k], nil
}

func (f *FileStore) GetActiveAbuseBlock(_ context.Context, keys []AbuseKey, now int64) (*AbuseBlock, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, key := range keys {
		for i := range f.data.AbuseBlocks {
			b := f.data.AbuseBlocks[i]
			if b.Key == key && b.BlockedUntil > now {
				return &b, nil
			}
		}
	}
	return nil, nil
}

func (f *FileStore) UpsertAbuseBlock(_ context.Context, b *AbuseBlock) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.data.AbuseBlocks {
		e := &f.data.AbuseBlocks[i]
		if e.Key == b.Key {
			if b.BlockedUntil > e.BlockedUntil {
				e.BlockedUntil = b.BlockedUntil
			}
			e.Reason = b.Reason
			e.Metadata = b.Metadata
			return f.persist()
		}
	}
	f.data.AbuseBlocks = append(f.data.AbuseBlocks, *b)
	return f.persist()
}

func (f *FileStore) InsertAbuseEvent(_ context.Context, ev *AbuseEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data.AbuseEvents = append(f.data.AbuseEvents, *ev)
	return f.persist()
}

func (f *FileStore) InsertAuditLog(_ context.Context, e *AuditEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data.AuditLog = append(f.data.AuditLog, *e)
	return f.persist()
}

func (f *FileStore) PutVaultBlob(_ context.Context, b *VaultBlob) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.data.VaultBlobs {
		if f.data.VaultBlobs[i].Key == b.Key {
			f.data.VaultBlobs[i] = *b
			return f.persist()
		}
	}
	f.data.VaultBlobs = append(f.data.VaultBlobs, *b)
	return f.persist()
}

func (f *FileStore) GetVaultBlob(_ context.Context, key string) (*VaultBlob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.data.VaultBlobs {
		if f.data.VaultBlobs[i].Key == key {
			c := f.data.VaultBlobs[i]
			return &c, nil
		}
	}
	return nil, ErrNotFound
}

func (f *FileStore) SaveCustodialWallet(_ context.Context, w *CustodialWallet) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.data.CustodialWallets {
		if f.data.CustodialWallets[i].UserID == w.UserID {
			return nil
		}
	}
	f.data.CustodialWallets = append(f.data.CustodialWallets, *w)
	return f.persist()
}

func (f *FileStore) SavePasskeyCredential(_ context.Context, c *PasskeyCredential) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.data.Passkeys {
		e := &f.data.Passkeys[i]
		if e.UserID == c.UserID && e.CredentialID == c.CredentialID {
			e.SignCount = c.SignCount
			return f.persist()
		}
	}
	f.data.Passkeys = append(f.data.Passkeys, *c)
	return f.persist()
}
