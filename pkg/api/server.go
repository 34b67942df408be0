// Package api is the thin HTTP surface. Request decoding and the
// apperr-to-status mapping live here; all behavior stays in the core
// packages. Authentication is delegated to an upstream proxy that sets
// X-User-Id on verified requests.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sendvault/sendvault/pkg/apperr"
	"github.com/sendvault/sendvault/pkg/config"
	"github.com/sendvault/sendvault/pkg/launchgate"
	"github.com/sendvault/sendvault/pkg/locker"
	"github.com/sendvault/sendvault/pkg/obs"
	"github.com/sendvault/sendvault/pkg/send"
	"github.com/sendvault/sendvault/pkg/store"
)

const (
	userHeader      = "X-User-Id"
	deviceHeader    = "X-Device-Id"
	defaultInboxCap = 50
	maxInboxCap     = 200
)

// Readiness supplies the current launch-gate report.
type Readiness func(ctx context.Context) *launchgate.Report

// Server wires the handlers to the core packages.
type Server struct {
	store     store.Store
	orch      *send.Orchestrator
	limiter   locker.Limiter
	metrics   *obs.Metrics
	tracing   *obs.Tracing
	health    *obs.Health
	readiness Readiness
	cfg       *config.Config
	logger    *slog.Logger
	clock     func() time.Time
}

func NewServer(st store.Store, orch *send.Orchestrator, limiter locker.Limiter,
	metrics *obs.Metrics, tracing *obs.Tracing, health *obs.Health,
	readiness Readiness, cfg *config.Config) *Server {
	return &Server{
		store:     st,
		orch:      orch,
		limiter:   limiter,
		metrics:   metrics,
		tracing:   tracing,
		health:    health,
		readiness: readiness,
		cfg:       cfg,
		logger:    slog.Default().With("component", "api"),
		clock:     time.Now,
	}
}

// WithClock overrides the clock for tests.
func (s *Server) WithClock(clock func() time.Time) *Server {
	s.clock = clock
	return s
}

// Handler builds the route table. The send route rate-limits inside the
// orchestrator; the remaining /v1 routes go through the per-IP
// middleware so one abusive client cannot starve reads either.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	mux.Handle("POST /v1/messages", s.authed(s.handleSend))
	mux.Handle("GET /v1/inbox", s.rateLimited("/v1/inbox", s.authed(s.handleInbox)))
	mux.Handle("GET /v1/pricing", s.rateLimited("/v1/pricing", s.authed(s.handlePricingGet)))
	mux.Handle("PUT /v1/pricing", s.rateLimited("/v1/pricing", s.authed(s.handlePricingSet)))
	mux.Handle("POST /v1/channels", s.rateLimited("/v1/channels", s.authed(s.handleChannelConnect)))
	mux.Handle("GET /v1/channels", s.rateLimited("/v1/channels", s.authed(s.handleChannelList)))
	mux.Handle("GET /v1/channels/{channel}", s.rateLimited("/v1/channels", s.authed(s.handleChannelStatus)))
	mux.Handle("DELETE /v1/channels/{channel}", s.rateLimited("/v1/channels", s.authed(s.handleChannelDisconnect)))

	mux.HandleFunc("GET /metrics", s.handleMetrics)
	mux.HandleFunc("GET /snapshot", s.handleSnapshot)
	mux.HandleFunc("GET /alerts", s.handleAlerts)
	mux.HandleFunc("POST /alert-hook", s.handleAlertHook)
	mux.HandleFunc("GET /readiness", s.handleReadiness)
	mux.HandleFunc("GET /compliance", s.handleCompliance)

	return mux
}

type authedHandler func(w http.ResponseWriter, r *http.Request, userID string)

func (s *Server) authed(next authedHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := r.Header.Get(userHeader)
		if userID == "" {
			writeError(w, apperr.AuthRequired())
			return
		}
		next(w, r, userID)
	})
}

func (s *Server) rateLimited(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		decision, err := s.limiter.Allow(r.Context(), clientIP(r)+":"+route, s.cfg.RateLimitMax, s.cfg.RateLimitWindow)
		if err != nil {
			writeError(w, apperr.Internal(err))
			return
		}
		if !decision.OK {
			writeError(w, apperr.RateLimited(decision.RetryAfterMs))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientIP prefers the first X-Forwarded-For hop set by the ingress.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			fwd = fwd[:i]
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

type sendRequest struct {
	SenderID           string   `json:"senderId"`
	RecipientHandle    string   `json:"recipientHandle"`
	RecipientPhoneHash string   `json:"recipientPhoneHash"`
	RecipientWallet    string   `json:"recipientWallet"`
	Ciphertext         []byte   `json:"ciphertext"` // base64 on the wire
	IdempotencyKey     string   `json:"idempotencyKey"`
	Channels           []string `json:"channels"`
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request, userID string) {
	var body sendRequest
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if body.SenderID != "" && body.SenderID != userID {
		writeError(w, apperr.AuthMismatch())
		return
	}

	var hints []string
	if ua := r.Header.Get("User-Agent"); ua != "" {
		hints = []string{ua}
	}
	res, err := s.orch.Send(r.Context(), &send.Request{
		SenderID:           userID,
		RecipientHandle:    body.RecipientHandle,
		RecipientPhoneHash: body.RecipientPhoneHash,
		RecipientWallet:    body.RecipientWallet,
		Plaintext:          body.Ciphertext,
		IdempotencyKey:     body.IdempotencyKey,
		Channels:           body.Channels,
		ClientIP:           clientIP(r),
		DeviceID:           r.Header.Get(deviceHeader),
		UAHints:            hints,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type inboxEntry struct {
	MessageID    string `json:"messageId"`
	SenderWallet string `json:"senderWallet"`
	Ciphertext   []byte `json:"ciphertext"`
	ContentHash  string `json:"contentHash"`
	Price        int64  `json:"price"`
	Status       string `json:"status"`
	TxHash       string `json:"txHash,omitempty"`
	CreatedAt    int64  `json:"createdAt"`
}

func (s *Server) handleInbox(w http.ResponseWriter, r *http.Request, userID string) {
	limit := defaultInboxCap
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, apperr.Validation("limit must be a positive integer"))
			return
		}
		limit = min(n, maxInboxCap)
	}
	rows, err := s.store.ListInbox(r.Context(), userID, limit)
	if err != nil {
		writeError(w, apperr.Internal(err))
		return
	}
	out := make([]inboxEntry, 0, len(rows))
	for i := range rows {
		m := &rows[i]
		out = append(out, inboxEntry{
			MessageID:    m.ID,
			SenderWallet: m.SenderWallet,
			Ciphertext:   m.Ciphertext,
			ContentHash:  m.ContentHash,
			Price:        m.Price,
			Status:       m.Status,
			TxHash:       m.TxHash,
			CreatedAt:    m.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": out})
}

type pricingBody struct {
	DefaultPrice      int64 `json:"defaultPrice"`
	FirstContactPrice int64 `json:"firstContactPrice"`
	ReturnDiscountBps int64 `json:"returnDiscountBps"`
	AcceptsAll        bool  `json:"acceptsAll"`
}

func (s *Server) handlePricingGet(w http.ResponseWriter, r *http.Request, userID string) {
	p, err := s.store.GetPricingProfile(r.Context(), userID)
	if err != nil {
		writeError(w, apperr.Internal(err))
		return
	}
	writeJSON(w, http.StatusOK, pricingBody{
		DefaultPrice:      p.DefaultPrice,
		FirstContactPrice: p.FirstContactPrice,
		ReturnDiscountBps: p.ReturnDiscountBps,
		AcceptsAll:        p.AcceptsAll,
	})
}

func (s *Server) handlePricingSet(w http.ResponseWriter, r *http.Request, userID string) {
	var body pricingBody
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if body.DefaultPrice < 0 || body.FirstContactPrice < 0 {
		writeError(w, apperr.Validation("prices must be non-negative"))
		return
	}
	if body.ReturnDiscountBps < 0 || body.ReturnDiscountBps > 10_000 {
		writeError(w, apperr.Validation("returnDiscountBps must be within 0..10000"))
		return
	}
	err := s.store.SetPricingProfile(r.Context(), &store.PricingProfile{
		UserID:            userID,
		DefaultPrice:      body.DefaultPrice,
		FirstContactPrice: body.FirstContactPrice,
		ReturnDiscountBps: body.ReturnDiscountBps,
		AcceptsAll:        body.AcceptsAll,
	})
	if err != nil {
		writeError(w, apperr.Internal(err))
		return
	}
	writeJSON(w, http.StatusOK, body)
}

type channelBody struct {
	Channel         string `json:"channel"`
	ExternalHandle  string `json:"externalHandle"`
	SecretRef       string `json:"secretRef"`
	TermsVersion    string `json:"termsVersion"`
	TermsAcceptedAt int64  `json:"termsAcceptedAt"`
}

// secretRefValid accepts provider:identifier references only; raw
// secrets must never arrive here.
func secretRefValid(ref string) bool {
	if ref == "" {
		return true
	}
	i := strings.IndexByte(ref, ':')
	return i > 0 && i < len(ref)-1
}

func (s *Server) handleChannelConnect(w http.ResponseWriter, r *http.Request, userID string) {
	var body channelBody
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if body.Channel == "" || body.ExternalHandle == "" {
		writeError(w, apperr.Validation("channel and externalHandle are required"))
		return
	}
	if !secretRefValid(body.SecretRef) {
		writeError(w, apperr.InvalidSecretFormat())
		return
	}
	err := s.store.UpsertChannelConnection(r.Context(), &store.ChannelConnection{
		UserID:            userID,
		Channel:           body.Channel,
		ExternalHandle:    body.ExternalHandle,
		SecretRef:         body.SecretRef,
		ConsentVersion:    body.TermsVersion,
		ConsentAcceptedAt: body.TermsAcceptedAt,
		Status:            store.ChannelStatusConnected,
	})
	if err != nil {
		writeError(w, apperr.Internal(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": store.ChannelStatusConnected})
}

type channelStatus struct {
	Channel           string `json:"channel"`
	ExternalHandle    string `json:"externalHandle"`
	Status            string `json:"status"`
	ConsentVersion    string `json:"consentVersion,omitempty"`
	ConsentAcceptedAt int64  `json:"consentAcceptedAt,omitempty"`
}

func (s *Server) handleChannelList(w http.ResponseWriter, r *http.Request, userID string) {
	conns, err := s.store.ListConnectedChannels(r.Context(), userID)
	if err != nil {
		writeError(w, apperr.Internal(err))
		return
	}
	out := make([]channelStatus, 0, len(conns))
	for i := range conns {
		out = append(out, toChannelStatus(&conns[i]))
	}
	writeJSON(w, http.StatusOK, map[string]any{"channels": out})
}

func (s *Server) handleChannelStatus(w http.ResponseWriter, r *http.Request, userID string) {
	conn, err := s.store.GetChannelConnection(r.Context(), userID, r.PathValue("channel"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, apperr.NotFound("channel connection"))
			return
		}
		writeError(w, apperr.Internal(err))
		return
	}
	writeJSON(w, http.StatusOK, toChannelStatus(conn))
}

func toChannelStatus(c *store.ChannelConnection) channelStatus {
	return channelStatus{
		Channel:           c.Channel,
		ExternalHandle:    c.ExternalHandle,
		Status:            c.Status,
		ConsentVersion:    c.ConsentVersion,
		ConsentAcceptedAt: c.ConsentAcceptedAt,
	}
}

func (s *Server) handleChannelDisconnect(w http.ResponseWriter, r *http.Request, userID string) {
	err := s.store.DisconnectChannel(r.Context(), userID, r.PathValue("channel"), s.clock().UnixMilli())
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, apperr.NotFound("channel connection"))
			return
		}
		writeError(w, apperr.Internal(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": store.ChannelStatusDisconnected})
}

func (s *Server) metricsAuthorized(r *http.Request) bool {
	if s.cfg.MetricsToken == "" {
		return true
	}
	return r.Header.Get("Authorization") == "Bearer "+s.cfg.MetricsToken
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if !s.metricsAuthorized(r) {
		writeError(w, apperr.AuthRequired())
		return
	}
	if strings.Contains(r.Header.Get("Accept"), "application/json") {
		body, err := s.metrics.SnapshotJSON()
		if err != nil {
			writeError(w, apperr.Internal(err))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(body)
		return
	}
	text, err := s.metrics.RenderText()
	if err != nil {
		writeError(w, apperr.Internal(err))
		return
	}
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	_, _ = w.Write([]byte(text))
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	if !s.metricsAuthorized(r) {
		writeError(w, apperr.AuthRequired())
		return
	}
	metricsJSON, err := s.metrics.SnapshotJSON()
	if err != nil {
		writeError(w, apperr.Internal(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"at":      s.clock().UnixMilli(),
		"metrics": json.RawMessage(metricsJSON),
		"spans":   s.tracing.Ring.Snapshot(),
	})
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	snap, err := s.health.Snapshot(r.Context())
	if err != nil {
		writeError(w, apperr.Internal(err))
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// handleAlertHook accepts the same payload RunAlertLoop posts, so a
// node can be its own webhook target in single-instance setups.
func (s *Server) handleAlertHook(w http.ResponseWriter, r *http.Request) {
	var snap obs.HealthSnapshot
	if err := decodeJSON(r, &snap); err != nil {
		writeError(w, err)
		return
	}
	for _, a := range snap.Alerts {
		s.logger.Warn("alert received", "key", a.Key, "message", a.Message, "value", a.Value)
	}
	s.metrics.Add("alerts_received_total", float64(len(snap.Alerts)), nil)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	report := s.readiness(r.Context())
	status := http.StatusOK
	if !report.LaunchReady {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, report)
}

func (s *Server) handleCompliance(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"termsVersion":        s.cfg.LegalTOSVersion,
		"termsApprovedAt":     s.cfg.LegalTOSApprovedAt,
		"socialTermsRequired": s.cfg.RequireSocialTOSAccepted,
	})
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		return apperr.Validation("malformed JSON body").WithCause(err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

type errorBody struct {
	Error        string         `json:"error"`
	Message      string         `json:"message"`
	RetryAfterMs int64          `json:"retryAfterMs,omitempty"`
	Details      map[string]any `json:"details,omitempty"`
}

func writeError(w http.ResponseWriter, err error) {
	ae := apperr.From(err)
	if ae.RetryAfterMs > 0 {
		w.Header().Set("Retry-After", strconv.FormatInt((ae.RetryAfterMs+999)/1000, 10))
	}
	writeJSON(w, ae.HTTPStatus, errorBody{
		Error:        ae.Code,
		Message:      ae.Message,
		RetryAfterMs: ae.RetryAfterMs,
		Details:      ae.Details,
	})
}
