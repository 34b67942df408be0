// Package launchgate runs the boot-time readiness checks. Each check
// yields pass, warn or fail with a human message and evidence; the
// aggregate decides whether a gated boot may proceed.
package launchgate

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/sendvault/sendvault/pkg/config"
	"github.com/sendvault/sendvault/pkg/locker"
	"github.com/sendvault/sendvault/pkg/store"
)

// Status is one check outcome.
type Status string

const (
	StatusPass Status = "pass"
	StatusWarn Status = "warn"
	StatusFail Status = "fail"
)

// Check is one readiness verdict.
type Check struct {
	Key      string `json:"key"`
	Status   Status `json:"status"`
	Message  string `json:"message"`
	Evidence string `json:"evidence,omitempty"`
}

// Report aggregates all checks.
type Report struct {
	Checks      []Check `json:"checks"`
	LaunchReady bool    `json:"launchReady"`
}

// Blocking enumerates the messages that make the report not-ready,
// honoring blockOnWarn.
func (r *Report) Blocking(blockOnWarn bool) []string {
	var out []string
	for _, c := range r.Checks {
		if c.Status == StatusFail || (blockOnWarn && c.Status == StatusWarn) {
			out = append(out, c.Key+": "+c.Message)
		}
	}
	return out
}

// ProviderStatus is the readiness view of one notification provider.
type ProviderStatus struct {
	Name          string
	Authenticated bool
}

// minSecretLen is the floor for rotated secrets.
const minSecretLen = 24

// placeholderSecrets are values that indicate an unrotated secret.
var placeholderSecrets = map[string]bool{
	"changeme":    true,
	"change-me":   true,
	"dev":         true,
	"dev-secret":  true,
	"secret":      true,
	"placeholder": true,
}

// Gate evaluates the readiness checks against live dependencies.
type Gate struct {
	cfg       *config.Config
	store     store.Store
	backend   *locker.Backend
	providers []ProviderStatus
	logger    *slog.Logger
}

func New(cfg *config.Config, st store.Store, backend *locker.Backend, providers []ProviderStatus) *Gate {
	return &Gate{
		cfg:       cfg,
		store:     st,
		backend:   backend,
		providers: providers,
		logger:    slog.Default().With("component", "launchgate"),
	}
}

type checkFn func(ctx context.Context) Check

// Evaluate runs every registered check and aggregates the verdict.
// launchReady is fail==0, and additionally warn==0 under blockOnWarn.
func (g *Gate) Evaluate(ctx context.Context) *Report {
	fns := []checkFn{
		g.checkKeyRotation,
		g.checkPersistence,
		g.checkLockBackend,
		g.checkIndexer,
		g.checkProviders,
		g.checkIdentity,
		g.checkLegalTerms,
	}

	report := &Report{Checks: make([]Check, 0, len(fns))}
	fails, warns := 0, 0
	for _, fn := range fns {
		c := fn(ctx)
		switch c.Status {
		case StatusFail:
			fails++
			g.logger.Error("readiness check failed", "check", c.Key, "message", c.Message)
		case StatusWarn:
			warns++
			g.logger.Warn("readiness check warned", "check", c.Key, "message", c.Message)
		}
		report.Checks = append(report.Checks, c)
	}
	report.LaunchReady = fails == 0 && (!g.cfg.BlockOnWarn || warns == 0)
	return report
}

func secretWeak(v string) bool {
	return len(v) < minSecretLen || placeholderSecrets[strings.ToLower(v)]
}

func (g *Gate) checkKeyRotation(context.Context) Check {
	weak := make([]string, 0, 3)
	for name, v := range map[string]string{
		"session":       g.cfg.SessionSecret,
		"pii":           g.cfg.PIISecret,
		"smart_account": g.cfg.SmartAccountSecret,
	} {
		if secretWeak(v) {
			weak = append(weak, name)
		}
	}
	if len(weak) == 0 {
		return Check{Key: "key_rotation", Status: StatusPass, Message: "all secrets rotated"}
	}
	status := StatusWarn
	if g.cfg.Env == "production" {
		status = StatusFail
	}
	return Check{
		Key:      "key_rotation",
		Status:   status,
		Message:  fmt.Sprintf("%d secret(s) unset, short or placeholder (minimum %d chars)", len(weak), minSecretLen),
		Evidence: strings.Join(weak, ","),
	}
}

func (g *Gate) checkPersistence(ctx context.Context) Check {
	if g.cfg.StrictMode && g.cfg.Backend != config.BackendPostgres {
		return Check{
			Key:      "persistence",
			Status:   StatusFail,
			Message:  "strict mode requires the postgres backend",
			Evidence: string(g.cfg.Backend),
		}
	}
	if g.store == nil {
		return Check{Key: "persistence", Status: StatusFail, Message: "store not opened"}
	}
	if err := g.store.Ping(ctx); err != nil {
		return Check{Key: "persistence", Status: StatusFail, Message: "database unreachable", Evidence: err.Error()}
	}
	if g.store.Mode() == store.ModeFile {
		return Check{Key: "persistence", Status: StatusWarn, Message: "running on the file fallback store"}
	}
	return Check{Key: "persistence", Status: StatusPass, Message: "backend reachable", Evidence: string(g.store.Mode())}
}

func (g *Gate) checkLockBackend(ctx context.Context) Check {
	if !g.cfg.DistributedWorkers {
		return Check{Key: "lock_backend", Status: StatusPass, Message: "single-instance workers; no lock backend required"}
	}
	if g.backend == nil || !g.backend.Distributed() {
		return Check{Key: "lock_backend", Status: StatusFail, Message: "distributed workers require a cluster lock backend"}
	}
	if err := g.backend.Ping(ctx); err != nil {
		return Check{Key: "lock_backend", Status: StatusFail, Message: "lock backend liveness probe failed", Evidence: err.Error()}
	}
	return Check{Key: "lock_backend", Status: StatusPass, Message: "lock backend live"}
}

func (g *Gate) checkIndexer(context.Context) Check {
	if !g.cfg.IndexerEnabled {
		return Check{Key: "indexer", Status: StatusPass, Message: "indexer disabled"}
	}
	var missing []string
	if g.cfg.ChainRPCURL == "" {
		missing = append(missing, "CHAIN_RPC_URL")
	}
	if g.cfg.VaultAddress == "" {
		missing = append(missing, "VAULT_ADDRESS")
	}
	if len(missing) > 0 {
		return Check{
			Key:      "indexer",
			Status:   StatusFail,
			Message:  "indexer enabled without required chain configuration",
			Evidence: strings.Join(missing, ","),
		}
	}
	return Check{Key: "indexer", Status: StatusPass, Message: "chain configuration present"}
}

func (g *Gate) checkProviders(context.Context) Check {
	authed := 0
	for _, p := range g.providers {
		if p.Authenticated {
			authed++
		}
	}
	if authed > 0 {
		return Check{
			Key:     "notification_providers",
			Status:  StatusPass,
			Message: fmt.Sprintf("%d of %d provider(s) authenticated", authed, len(g.providers)),
		}
	}
	status := StatusWarn
	if g.cfg.StrictMode {
		status = StatusFail
	}
	return Check{Key: "notification_providers", Status: status, Message: "no authenticated notification provider"}
}

func (g *Gate) checkIdentity(context.Context) Check {
	if !g.cfg.IdentityStrict {
		return Check{Key: "identity", Status: StatusPass, Message: "permissive identity mode"}
	}
	if len(g.cfg.IdentityProviders) == 0 {
		return Check{Key: "identity", Status: StatusFail, Message: "strict identity mode requires at least one verification provider"}
	}
	return Check{
		Key:      "identity",
		Status:   StatusPass,
		Message:  "identity verification configured",
		Evidence: strings.Join(g.cfg.IdentityProviders, ","),
	}
}

func (g *Gate) checkLegalTerms(context.Context) Check {
	if g.cfg.LegalTOSVersion == "" {
		return Check{Key: "legal_terms", Status: StatusFail, Message: "no legal terms version configured"}
	}
	if g.cfg.RequireSocialTOSAccepted && g.cfg.LegalTOSApprovedAt <= 0 {
		return Check{
			Key:      "legal_terms",
			Status:   StatusWarn,
			Message:  "terms version has no approval timestamp",
			Evidence: g.cfg.LegalTOSVersion,
		}
	}
	return Check{Key: "legal_terms", Status: StatusPass, Message: "terms versioned", Evidence: g.cfg.LegalTOSVersion}
}
