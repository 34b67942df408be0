package store

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/google/uuid"
)

// IngestReport summarizes a one-shot import run.
type IngestReport struct {
	Users    int `json:"users"`
	Messages int `json:"messages"`
	Skipped  int `json:"skipped"`
}

// Foreign export shapes. PII arrives in plaintext and is re-hashed with
// the local pepper before anything is written.
type exportFile struct {
	Users    []exportUser    `json:"users"`
	Messages []exportMessage `json:"messages"`
}

type exportUser struct {
	ID            string `json:"id"`
	WalletAddress string `json:"walletAddress"`
	Email         string `json:"email"`
	Phone         string `json:"phone"`
	Handle        string `json:"handle"`
	Discoverable  bool   `json:"discoverable"`
	Balance       int64  `json:"balance"`
	CreatedAt     int64  `json:"createdAt"`
}

type exportMessage struct {
	ID          string `json:"id"`
	SenderID    string `json:"senderId"`
	RecipientID string `json:"recipientId"`
	Ciphertext  []byte `json:"ciphertext"`
	ContentHash string `json:"contentHash"`
	Price       int64  `json:"price"`
	Status      string `json:"status"`
	TxHash      string `json:"txHash"`
	CreatedAt   int64  `json:"createdAt"`
}

// HashPII derives the stored identifier hash for an email or phone.
func HashPII(pepper, value string) string {
	mac := hmac.New(sha256.New, []byte(pepper))
	mac.Write([]byte(strings.ToLower(strings.TrimSpace(value))))
	return hex.EncodeToString(mac.Sum(nil))
}

// MaskEmail keeps the first character and the domain: a***@example.com.
func MaskEmail(email string) string {
	at := strings.IndexByte(email, '@')
	if at <= 0 {
		return "***"
	}
	return email[:1] + "***" + email[at:]
}

// MaskPhone keeps the last four digits.
func MaskPhone(phone string) string {
	if len(phone) <= 4 {
		return "****"
	}
	return "****" + phone[len(phone)-4:]
}

// Ingest imports a foreign JSON export into the current backend. Rows
// that already exist are skipped; the run is safe to repeat.
func Ingest(ctx context.Context, st Store, path, pepper string) (*IngestReport, error) {
	logger := slog.Default().With("component", "ingest")

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read export: %w", err)
	}
	var export exportFile
	if err := json.Unmarshal(raw, &export); err != nil {
		return nil, fmt.Errorf("parse export: %w", err)
	}

	report := &IngestReport{}
	for _, eu := range export.Users {
		if eu.WalletAddress == "" {
			report.Skipped++
			continue
		}
		if _, err := st.GetUserByWallet(ctx, eu.WalletAddress); err == nil {
			report.Skipped++
			continue
		}
		u := &User{
			ID:            eu.ID,
			WalletAddress: eu.WalletAddress,
			Handle:        eu.Handle,
			Discoverable:  eu.Discoverable,
			Balance:       eu.Balance,
			CreatedAt:     eu.CreatedAt,
		}
		if u.ID == "" {
			u.ID = uuid.NewString()
		}
		if eu.Email != "" {
			u.EmailHash = HashPII(pepper, eu.Email)
			u.EmailMasked = MaskEmail(eu.Email)
		}
		if eu.Phone != "" {
			u.PhoneHash = HashPII(pepper, eu.Phone)
			u.PhoneMasked = MaskPhone(eu.Phone)
		}
		if err := st.CreateUser(ctx, u); err != nil {
			logger.Warn("user import failed", "wallet", eu.WalletAddress, "err", err)
			report.Skipped++
			continue
		}
		report.Users++
	}

	for _, em := range export.Messages {
		if em.ID == "" || em.SenderID == "" || em.RecipientID == "" {
			report.Skipped++
			continue
		}
		status := em.Status
		switch status {
		case MessageStatusPaid, MessageStatusDelivered, MessageStatusFailed:
		default:
			status = MessageStatusDelivered
		}
		m := &Message{
			ID:          em.ID,
			SenderID:    em.SenderID,
			RecipientID: em.RecipientID,
			Ciphertext:  em.Ciphertext,
			ContentHash: em.ContentHash,
			Price:       em.Price,
			Status:      status,
			TxHash:      em.TxHash,
			CreatedAt:   em.CreatedAt,
		}
		inserted, err := st.InsertMessage(ctx, m)
		if err != nil {
			logger.Warn("message import failed", "message", em.ID, "err", err)
			report.Skipped++
			continue
		}
		if !inserted {
			report.Skipped++
			continue
		}
		report.Messages++
	}

	logger.Info("ingest complete", "users", report.Users, "messages", report.Messages, "skipped", report.Skipped)
	return report, nil
}
