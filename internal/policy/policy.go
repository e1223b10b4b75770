// Package policy implements the layered capability/lease/capsule decision
// engine of spec §4.D: an Evaluate(req) call that runs through signed
// capsules, immutable boot denies, timed/quota contracts, and lease
// checks, in that precedence, before defaulting to allow.
//
// The single-call Evaluate(Input) (Decision, error) shape is grounded on
// the Decide(ctx, Input) (Decision, error) method of the teacher's
// features/policy/basic/engine.go, generalized from tool-name
// allow/block filtering to the capability/capsule/contract evaluation
// spec §4.D requires. Capsule signature verification uses stdlib
// crypto/ed25519, matching the stdlib-crypto convention the pack shows
// in cuemby-warren/pkg/security/ca.go (no third-party crypto library
// appears anywhere in the retrieval pack).
package policy

import (
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/arw-hub/agenthub/internal/clock"
	"github.com/arw-hub/agenthub/internal/errs"
	"github.com/arw-hub/agenthub/internal/journal"
)

// Subject identifies the caller an Input is evaluated on behalf of.
type Subject struct {
	Role   string
	NodeID string
	Tags   []string
}

// EvalContext carries the ambient request context for an evaluation.
type EvalContext struct {
	Project string
	Posture string
	CorrID  string
}

// Input is the policy.Evaluate request (spec §4.D).
type Input struct {
	ActionKind string
	Subject    Subject
	Resource   string
	Context    EvalContext
	// Capabilities lists the capabilities the action declares it needs.
	// Capability presence drives the lease-check tier; an action
	// requiring no capability defaults to allow absent an explicit deny.
	Capabilities []string
}

// Decision is the result of a policy evaluation.
type Decision struct {
	Allow           bool
	DenyReasons     []string
	RequiredLeases  []string
	Obligations     []string
	ReasonCode      string
}

// LeaseChecker is the subset of the lease ledger the policy engine needs:
// whether an unexpired lease for (subject, capability[, scope]) exists.
// Defined here (rather than imported from internal/lease) so the lease
// package has no dependency on policy, matching spec §4.I's "direct reads
// of the global lease ledger are forbidden" separation-of-concerns idea
// applied one level up.
type LeaseChecker interface {
	Active(subject, capability, scope string) bool
}

// Recorder journals policy decisions. *bus.Bus satisfies this (its
// Publish appends to the journal, then fans out); internal/service wires
// the bus in so decisions are also visible to SSE subscribers.
type Recorder interface {
	Publish(rec journal.Record) (journal.Event, error)
}

// BootDeny is an immutable boot-time deny entry. Subject supports a
// trailing "*" wildcard (e.g. "guest-*").
type BootDeny struct {
	Subject string
}

func (d BootDeny) matches(subjectID string) bool {
	if strings.HasSuffix(d.Subject, "*") {
		return strings.HasPrefix(subjectID, strings.TrimSuffix(d.Subject, "*"))
	}
	return d.Subject == subjectID
}

// Contract is a timed/quota contract (spec §4.D tier 3).
type Contract struct {
	ID            string
	ValidFromMS   int64
	ValidToMS     int64 // 0 means no upper bound
	SubjectRole   string // empty matches any role
	QuotaLimit    int    // 0 means unlimited
	QuotaWindow   time.Duration
	AutoRenewSecs int64 // 0 disables auto-renew
	Capabilities  []string
	DenyAll       bool // a contract can itself be a deny rule, not just a quota
}

// Capsule is a signed policy overlay (spec §3 "Capsule").
type Capsule struct {
	Issuer    string
	ID        string
	Nonce     string
	ValidFrom time.Time
	ValidTo   time.Time // zero means no upper bound
	Patches   []CapsulePatch
	Signature []byte
}

// CapsulePatch is one effect a capsule applies: either an additional
// boot-style deny or an additional contract, layered ahead of everything
// else while the capsule is active.
type CapsulePatch struct {
	Deny     *BootDeny
	Contract *Contract
}

// signingPayload returns the bytes the capsule signature covers.
func (c Capsule) signingPayload() ([]byte, error) {
	type signed struct {
		Issuer    string         `json:"issuer"`
		ID        string         `json:"id"`
		Nonce     string         `json:"nonce"`
		ValidFrom time.Time      `json:"valid_from"`
		ValidTo   time.Time      `json:"valid_to"`
		Patches   []CapsulePatch `json:"patches"`
	}
	return json.Marshal(signed{c.Issuer, c.ID, c.Nonce, c.ValidFrom, c.ValidTo, c.Patches})
}

func (c Capsule) activeAt(now time.Time) bool {
	if !c.ValidFrom.IsZero() && now.Before(c.ValidFrom) {
		return false
	}
	if !c.ValidTo.IsZero() && !now.Before(c.ValidTo) {
		return false
	}
	return true
}

// quotaKey identifies a sliding-window counter.
type quotaKey struct {
	contractID string
	subjectID  string
}

// Engine is the layered policy evaluator.
type Engine struct {
	clock      clock.Clock
	trustStore map[string]ed25519.PublicKey
	recorder   Recorder
	leases     LeaseChecker

	mu        sync.Mutex
	bootDenies []BootDeny
	contracts  []Contract
	capsules   []Capsule
	quotaHits  map[quotaKey][]time.Time
}

// New constructs an Engine. trustStore maps capsule issuer -> ed25519
// public key; bootDenies and contracts are the server's configured boot
// state (loaded by cmd/arwd from gating.toml).
func New(c clock.Clock, leases LeaseChecker, recorder Recorder, trustStore map[string]ed25519.PublicKey, bootDenies []BootDeny, contracts []Contract) *Engine {
	return &Engine{
		clock:      c,
		trustStore: trustStore,
		recorder:   recorder,
		leases:     leases,
		bootDenies: bootDenies,
		contracts:  contracts,
		quotaHits:  make(map[quotaKey][]time.Time),
	}
}

// ApplyCapsule verifies capsule against the trust store and, if valid,
// makes it active. Capsules are applied atomically or not at all.
func (e *Engine) ApplyCapsule(capsule Capsule) error {
	pub, ok := e.trustStore[capsule.Issuer]
	if !ok {
		e.journalCapsule("policy.capsule.failed", capsule, "unknown-issuer")
		return errs.New(errs.CodeCapsuleRequired, 403, "unknown capsule issuer")
	}
	payload, err := capsule.signingPayload()
	if err != nil {
		e.journalCapsule("policy.capsule.failed", capsule, "malformed-payload")
		return errs.Wrap(errs.CodeCapsuleRequired, 403, err)
	}
	if !ed25519.Verify(pub, payload, capsule.Signature) {
		e.journalCapsule("policy.capsule.failed", capsule, "bad-signature")
		return errs.New(errs.CodeCapsuleRequired, 403, "capsule signature verification failed")
	}

	e.mu.Lock()
	e.capsules = append(e.capsules, capsule)
	e.mu.Unlock()

	e.journalCapsule("policy.capsule.applied", capsule, "")
	return nil
}

func (e *Engine) journalCapsule(kind string, capsule Capsule, reason string) {
	if e.recorder == nil {
		return
	}
	payload, _ := json.Marshal(map[string]any{
		"capsule_id": capsule.ID,
		"issuer":     capsule.Issuer,
		"reason":     reason,
	})
	_, _ = e.recorder.Publish(journal.Record{Kind: kind, Payload: payload})
}

// expireCapsules drops capsules whose valid_to has passed, emitting
// policy.capsule.expired for each.
func (e *Engine) expireCapsules(now time.Time) {
	e.mu.Lock()
	kept := e.capsules[:0]
	var expired []Capsule
	for _, c := range e.capsules {
		if !c.ValidTo.IsZero() && !now.Before(c.ValidTo) {
			expired = append(expired, c)
			continue
		}
		kept = append(kept, c)
	}
	e.capsules = kept
	e.mu.Unlock()

	for _, c := range expired {
		e.journalCapsule("policy.capsule.expired", c, "")
	}
}

// Evaluate runs req through the five precedence tiers of spec §4.D and
// journals the outcome as policy.decision or policy.deny.
func (e *Engine) Evaluate(req Input) (Decision, error) {
	now := e.clock.Now()
	e.expireCapsules(now)
	subjectID := req.Subject.Role + ":" + req.Subject.NodeID

	// Tier 1: signed, active capsules — immutable overlays, evaluated first.
	e.mu.Lock()
	capsules := append([]Capsule(nil), e.capsules...)
	bootDenies := append([]BootDeny(nil), e.bootDenies...)
	contracts := append([]Contract(nil), e.contracts...)
	e.mu.Unlock()

	for _, c := range capsules {
		if !c.activeAt(now) {
			continue
		}
		for _, p := range c.Patches {
			if p.Deny != nil {
				bootDenies = append([]BootDeny{*p.Deny}, bootDenies...)
			}
			if p.Contract != nil {
				contracts = append([]Contract{*p.Contract}, contracts...)
			}
		}
	}

	// Tier 2: immutable boot denies.
	for _, d := range bootDenies {
		if d.matches(subjectID) {
			return e.deny(req, "boot-deny"), nil
		}
	}

	// Tier 3: timed/quota contracts.
	for i := range contracts {
		c := &contracts[i]
		if c.SubjectRole != "" && c.SubjectRole != req.Subject.Role {
			continue
		}
		if c.ValidFromMS != 0 && now.UnixMilli() < c.ValidFromMS {
			continue
		}
		if c.ValidToMS != 0 && now.UnixMilli() >= c.ValidToMS {
			continue // contract expired; no renewal applies after the fact
		}
		if c.DenyAll {
			return e.deny(req, "contract-deny"), nil
		}
		if c.QuotaLimit > 0 {
			key := quotaKey{contractID: c.ID, subjectID: subjectID}
			if e.quotaExceeded(key, c.QuotaLimit, c.QuotaWindow, now) {
				d := e.deny(req, "quota-exhausted")
				d.ReasonCode = string(errs.CodeQuotaExhausted)
				return d, nil
			}
			if c.AutoRenewSecs > 0 {
				c.ValidToMS = (now.UnixMilli()) + c.AutoRenewSecs*1000
				// contracts is a per-call copy: store the renewal on the
				// engine's own contract so later evaluations see it.
				e.mu.Lock()
				for k := range e.contracts {
					if e.contracts[k].ID == c.ID {
						e.contracts[k].ValidToMS = c.ValidToMS
					}
				}
				e.mu.Unlock()
			}
		}
	}

	// Tier 4: lease check.
	var required []string
	if len(req.Capabilities) > 0 {
		for _, cap := range req.Capabilities {
			if e.leases == nil || !e.leases.Active(subjectID, cap, req.Resource) {
				d := e.deny(req, "lease-missing")
				d.RequiredLeases = req.Capabilities
				d.ReasonCode = string(errs.CodeLeaseMissing)
				return d, nil
			}
			required = append(required, cap)
		}
	}

	// Tier 5: default allow.
	decision := Decision{Allow: true, RequiredLeases: required}
	e.journalDecision(req, decision)
	return decision, nil
}

func (e *Engine) deny(req Input, reason string) Decision {
	d := Decision{Allow: false, DenyReasons: []string{reason}}
	if d.ReasonCode == "" {
		d.ReasonCode = reason
	}
	e.journalDecision(req, d)
	return d
}

func (e *Engine) quotaExceeded(key quotaKey, limit int, window time.Duration, now time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	hits := e.quotaHits[key]
	cutoff := now.Add(-window)
	kept := hits[:0]
	for _, t := range hits {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	if len(kept) >= limit {
		e.quotaHits[key] = kept
		return true
	}
	kept = append(kept, now)
	e.quotaHits[key] = kept
	return false
}

func (e *Engine) journalDecision(req Input, d Decision) {
	if e.recorder == nil {
		return
	}
	kind := "policy.decision"
	if !d.Allow {
		kind = "policy.deny"
	}
	payload, err := json.Marshal(map[string]any{
		"action_kind":     req.ActionKind,
		"allow":           d.Allow,
		"deny_reasons":    d.DenyReasons,
		"required_leases": d.RequiredLeases,
		"reason_code":     d.ReasonCode,
	})
	if err != nil {
		return
	}
	_, _ = e.recorder.Publish(journal.Record{
		Kind:    kind,
		Payload: payload,
		CorrID:  req.Context.CorrID,
		Project: req.Context.Project,
		Posture: req.Context.Posture,
	})
}

// Simulate runs Evaluate without side effects besides the journal entry
// itself (spec's POST /policy/simulate route reuses Evaluate directly;
// this wrapper exists for callers that want a descriptive error on a
// malformed request instead of a panic).
func (e *Engine) Simulate(req Input) (Decision, error) {
	if req.ActionKind == "" {
		return Decision{}, fmt.Errorf("policy: action_kind is required")
	}
	return e.Evaluate(req)
}
