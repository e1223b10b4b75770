// Package egress implements the egress guard of spec §4.F: per-project
// posture enforcement (off/public/allowlist/custom), IP-literal and DNS
// guards, host/protocol/port allowlisting, and the egress ledger.
//
// There is no close teacher analog for egress posture classification;
// every pack repo that touches networking (cuemby-warren/pkg/network,
// evalgo-org-eve) reaches for stdlib net/net/netip directly for exactly
// this kind of host/IP classification, so this package follows that
// convention rather than introducing an ungrounded networking library.
// Per-host request pacing uses golang.org/x/time/rate, which the teacher
// itself imports.
package egress

import (
	"encoding/json"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/arw-hub/agenthub/internal/clock"
	"github.com/arw-hub/agenthub/internal/errs"
	"github.com/arw-hub/agenthub/internal/journal"
)

// Posture controls how aggressively a project's outbound connections are
// gated (spec §3/§4.F).
type Posture string

const (
	PostureOff       Posture = "off"
	PosturePublic    Posture = "public"
	PostureAllowlist Posture = "allowlist"
	PostureCustom    Posture = "custom"
)

// Destination is the resolved target of an outbound connection.
type Destination struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Protocol string `json:"protocol"`
}

// Settings is one project's (or the server-wide default's) egress
// configuration.
type Settings struct {
	Posture          Posture
	AllowHosts       []string // allowlist posture host list; supports trailing "*"
	DenyIPLiterals   bool
	AllowedResolvers []string // non-empty: host names must resolve via the system resolver; the listed entries are not queried. Empty: no lookup
	AllowedProtocols []string
	AllowedPorts     []int
	CustomRule       func(Destination) (allow bool, reasonCode string) // posture=custom
}

func (s Settings) protocolAllowed(proto string) bool {
	if len(s.AllowedProtocols) == 0 {
		return true
	}
	for _, p := range s.AllowedProtocols {
		if strings.EqualFold(p, proto) {
			return true
		}
	}
	return false
}

func (s Settings) portAllowed(port int) bool {
	if len(s.AllowedPorts) == 0 {
		return true
	}
	for _, p := range s.AllowedPorts {
		if p == port {
			return true
		}
	}
	return false
}

func (s Settings) hostAllowed(host string) bool {
	for _, h := range s.AllowHosts {
		if strings.HasSuffix(h, "*") {
			if strings.HasPrefix(host, strings.TrimSuffix(h, "*")) {
				return true
			}
			continue
		}
		if strings.EqualFold(h, host) {
			return true
		}
	}
	return false
}

// Decision is the outcome of evaluating a destination.
type Decision struct {
	Allow      bool
	ReasonCode string
}

// LedgerRow is the durable egress record (spec §3 "Egress ledger row").
type LedgerRow struct {
	ID         string    `json:"id"`
	Time       time.Time `json:"time"`
	Decision   string    `json:"decision"`
	ReasonCode string    `json:"reason_code,omitempty"`
	Dest       Destination `json:"dest"`
	BytesIn    int64     `json:"bytes_in,omitempty"`
	BytesOut   int64     `json:"bytes_out,omitempty"`
	DurationMS int64     `json:"duration_ms,omitempty"`
	CorrID     string    `json:"corr_id,omitempty"`
	Project    string    `json:"project,omitempty"`
	Posture    string    `json:"posture"`
}

// LeaseChecker mirrors policy.LeaseChecker so internal/egress doesn't
// depend on internal/policy.
type LeaseChecker interface {
	Active(subject, capability, scope string) bool
}

// Recorder journals egress events and ledger rows.
type Recorder interface {
	Publish(rec journal.Record) (journal.Event, error)
	AppendWithState(rec journal.Record, bucket journal.StateBucket, stateKey string, stateValue []byte) (journal.Event, error)
}

// Guard enforces egress posture for every outbound connection an action
// opens.
type Guard struct {
	clock     clock.Clock
	recorder  Recorder
	leases    LeaseChecker
	defaults  Settings
	byProject map[string]Settings

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// New constructs a Guard with defaultSettings applied to any project
// without an override.
func New(c clock.Clock, recorder Recorder, leases LeaseChecker, defaultSettings Settings) *Guard {
	return &Guard{
		clock:     c,
		recorder:  recorder,
		leases:    leases,
		defaults:  defaultSettings,
		byProject: make(map[string]Settings),
		limiters:  make(map[string]*rate.Limiter),
	}
}

// SetProjectSettings overrides the egress settings for project.
func (g *Guard) SetProjectSettings(project string, s Settings) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.byProject[project] = s
}

func (g *Guard) settingsFor(project string) Settings {
	g.mu.Lock()
	defer g.mu.Unlock()
	if s, ok := g.byProject[project]; ok {
		return s
	}
	return g.defaults
}

// Resolve parses rawURL into a Destination (spec §4.F step 1).
func Resolve(rawURL string) (Destination, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return Destination{}, errs.Wrap(errs.CodeSchemaInvalid, 400, err)
	}
	host := u.Hostname()
	if host == "" {
		return Destination{}, errs.New(errs.CodeSchemaInvalid, 400, "missing host in destination URL")
	}
	port := 0
	if p := u.Port(); p != "" {
		port, err = strconv.Atoi(p)
		if err != nil {
			return Destination{}, errs.New(errs.CodeSchemaInvalid, 400, "invalid port")
		}
	} else {
		switch u.Scheme {
		case "https":
			port = 443
		default:
			port = 80
		}
	}
	return Destination{Host: host, Port: port, Protocol: u.Scheme}, nil
}

// redact returns a URL with userinfo and query stripped for logging
// (spec §4.F "egress.preview{url (redacted), ...}").
func redact(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "<unparseable>"
	}
	u.User = nil
	u.RawQuery = ""
	u.Fragment = ""
	return u.String()
}

// Evaluate runs dest through the block chain for project and, if a
// requiredCapability is non-empty, confirms an active lease (spec §4.F
// steps 2-3). It emits egress.preview and, on deny, egress.denied.
func (g *Guard) Evaluate(project, subject string, dest Destination, rawURL string, requiredCapability string) (Decision, error) {
	settings := g.settingsFor(project)

	d := g.evaluateChain(settings, dest)
	if d.Allow && requiredCapability != "" {
		if g.leases == nil || !g.leases.Active(subject, requiredCapability, dest.Host) {
			d = Decision{Allow: false, ReasonCode: string(errs.CodeLeaseMissing)}
		}
	}

	previewPayload, _ := json.Marshal(map[string]any{
		"url":      redact(rawURL),
		"dest":     dest,
		"decision": d.Allow,
	})
	_, _ = g.recorder.Publish(journal.Record{Kind: "egress.preview", Payload: previewPayload, Project: project, Posture: string(settings.Posture)})

	if !d.Allow {
		denyPayload, _ := json.Marshal(map[string]any{"reason_code": d.ReasonCode, "dest": dest})
		_, _ = g.recorder.Publish(journal.Record{Kind: "egress.denied", Payload: denyPayload, Project: project, Posture: string(settings.Posture)})
		return d, errs.New(errs.CodeDeniedByPosture, 403, "denied-by-posture: "+d.ReasonCode)
	}
	return d, nil
}

func (g *Guard) evaluateChain(s Settings, dest Destination) Decision {
	if s.Posture == PostureOff || s.Posture == "" {
		return Decision{Allow: false, ReasonCode: "posture-off"}
	}

	if s.DenyIPLiterals {
		if ip, err := netip.ParseAddr(dest.Host); err == nil && !ip.IsLoopback() {
			return Decision{Allow: false, ReasonCode: string(errs.CodeIPLiteralBlocked)}
		}
	}

	if _, err := netip.ParseAddr(dest.Host); err != nil {
		// dest.Host is a name, not a literal. With a non-empty resolver
		// list the name must resolve, but the lookup uses the system
		// resolver, not the listed resolvers. With an empty list no
		// lookup is made.
		if len(s.AllowedResolvers) > 0 {
			if _, err := net.LookupHost(dest.Host); err != nil {
				return Decision{Allow: false, ReasonCode: string(errs.CodeDNSGuard)}
			}
		}
	}

	switch s.Posture {
	case PosturePublic:
		if ip, err := netip.ParseAddr(dest.Host); err == nil && !ip.IsGlobalUnicast() {
			if !s.hostAllowed(dest.Host) {
				return Decision{Allow: false, ReasonCode: string(errs.CodeHostNotAllowed)}
			}
		}
	case PostureAllowlist:
		if !s.hostAllowed(dest.Host) {
			return Decision{Allow: false, ReasonCode: string(errs.CodeHostNotAllowed)}
		}
	case PostureCustom:
		if s.CustomRule != nil {
			if allow, reason := s.CustomRule(dest); !allow {
				return Decision{Allow: false, ReasonCode: reason}
			}
		}
	}

	if !s.protocolAllowed(dest.Protocol) {
		return Decision{Allow: false, ReasonCode: "protocol-not-allowed"}
	}
	if !s.portAllowed(dest.Port) {
		return Decision{Allow: false, ReasonCode: "port-not-allowed"}
	}
	return Decision{Allow: true}
}

// RecordTransfer appends the egress.ledger row once a proxied connection
// completes (spec §4.F: "append an egress.ledger row with byte counts
// and duration").
func (g *Guard) RecordTransfer(project, corrID string, dest Destination, bytesIn, bytesOut int64, duration time.Duration) error {
	settings := g.settingsFor(project)
	row := LedgerRow{
		ID:         fmt.Sprintf("%s:%d", dest.Host, g.clock.Now().UnixNano()),
		Time:       g.clock.Now(),
		Decision:   "allow",
		Dest:       dest,
		BytesIn:    bytesIn,
		BytesOut:   bytesOut,
		DurationMS: duration.Milliseconds(),
		CorrID:     corrID,
		Project:    project,
		Posture:    string(settings.Posture),
	}
	payload, err := json.Marshal(row)
	if err != nil {
		return errs.Wrap(errs.CodeJournalWriteFail, 500, err)
	}
	_, err = g.recorder.AppendWithState(journal.Record{Kind: "egress.ledger", Payload: payload, CorrID: corrID, Project: project, Posture: row.Posture}, journal.StateEgress, row.ID, payload)
	return err
}

// Limiter returns (creating if absent) a per-host token-bucket limiter.
// The built-in net.http.get tool does not call it.
func (g *Guard) Limiter(host string, ratePerSec float64, burst int) *rate.Limiter {
	g.mu.Lock()
	defer g.mu.Unlock()
	l, ok := g.limiters[host]
	if !ok {
		l = rate.NewLimiter(rate.Limit(ratePerSec), burst)
		g.limiters[host] = l
	}
	return l
}
