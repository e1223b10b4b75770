// Command arwd runs the Agent Hub daemon: the action, event, policy,
// lease, and content-addressed-store planes plus its HTTP/SSE surface,
// all wired out of internal/service.
//
// # Configuration
//
// Environment variables (spec §6 "CLI/process surface"):
//
//	ARW_PORT                  - HTTP listen port (default: "8080")
//	ARW_BIND                  - HTTP listen address (default: "0.0.0.0")
//	ARW_STATE_DIR             - durable state directory (default: "./arw-state")
//	ARW_ADMIN_TOKEN           - bearer token required for admin-only routes (optional)
//	ARW_DEBUG                 - "1" disables all auth, for local development
//	ARW_PERF_PRESET           - not read by arwd; queue size and concurrency come only from the two variables below
//	ARW_ACTIONS_QUEUE_MAX     - max pending actions before queue-overflow (default: 1000)
//	ARW_HTTP_MAX_CONC         - max concurrent tool dispatches (default: 8)
//	ARW_EGRESS_PROXY_ENABLE   - "0" sets the default egress posture to "off" (every destination denied); any other value keeps "public"
//	ARW_EGRESS_LEDGER_ENABLE  - not read by arwd
//	ARW_EVENTS_SSE_MODE       - "envelope" (default) or "ce-structured"
//
// Exit codes: 0 clean shutdown, 1 config error, 2 journal corruption, 3 port in use.
package main

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/arw-hub/agenthub/internal/egress"
	"github.com/arw-hub/agenthub/internal/errs"
	"github.com/arw-hub/agenthub/internal/httpapi"
	"github.com/arw-hub/agenthub/internal/policy"
	"github.com/arw-hub/agenthub/internal/service"
	"github.com/arw-hub/agenthub/internal/tool/builtin"
)

func main() {
	code := run()
	os.Exit(code)
}

func run() int {
	stateDir := envOr("ARW_STATE_DIR", "./arw-state")
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		log.Printf("config error: %v", err)
		return 1
	}

	gating, err := loadGating(stateDir + "/config/gating.toml")
	if err != nil {
		log.Printf("config error: %v", err)
		return 1
	}
	trustStore, err := loadTrustCapsules(stateDir + "/config/trust_capsules.json")
	if err != nil {
		log.Printf("config error: %v", err)
		return 1
	}

	known := service.NewKnownCapabilities(
		"net:http", "model:chat:anthropic", "model:chat:openai", "model:chat:bedrock",
	)

	defaultEgress := egress.Settings{Posture: egress.PosturePublic}
	if os.Getenv("ARW_EGRESS_PROXY_ENABLE") == "0" {
		// Posture "off" denies every destination (spec §4.F); this is the
		// conservative default when the operator has disabled the egress
		// proxy rather than configured it.
		defaultEgress.Posture = egress.PostureOff
	}

	svc, err := service.Boot(service.Options{
		StateDir:          stateDir,
		ActionsQueueMax:   envIntOr("ARW_ACTIONS_QUEUE_MAX", 1000),
		ActionConcurrency: envIntOr("ARW_HTTP_MAX_CONC", 8),
		ToolConcurrency:   envIntOr("ARW_HTTP_MAX_CONC", 8),
		TrustStore:        trustStore,
		BootDenies:        gating.denies,
		Contracts:         gating.contracts,
		DefaultEgress:     defaultEgress,
	}, known, nil, nil)
	if err != nil {
		switch errs.CodeOf(err) {
		case errs.CodeJournalCorrupt, errs.CodeJournalWriteFail:
			log.Printf("journal error: %v", err)
			return 2
		default:
			log.Printf("config error: %v", err)
			return 1
		}
	}

	builtin.RegisterAll(svc.Tools, builtin.Options{
		Guard: svc.Egress,
	})

	httpOpts := svc.HTTPOptions()
	httpOpts.Debug = os.Getenv("ARW_DEBUG") == "1"
	httpOpts.SSEMode = envOr("ARW_EVENTS_SSE_MODE", "envelope")
	if token := os.Getenv("ARW_ADMIN_TOKEN"); token != "" {
		sum := sha256.Sum256([]byte(token))
		httpOpts.AdminTokenSHA256 = hex.EncodeToString(sum[:])
	}
	server := httpapi.New(httpOpts)

	addr := net.JoinHostPort(envOr("ARW_BIND", "0.0.0.0"), envOr("ARW_PORT", "8080"))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		log.Printf("listen %s: %v", addr, err)
		return 3
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go svc.Run(ctx)

	httpServer := &http.Server{Handler: server}
	serveErr := make(chan error, 1)
	go func() { serveErr <- httpServer.Serve(listener) }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	log.Printf("arwd listening on %s (state_dir=%s)", addr, stateDir)

	select {
	case <-sigCh:
		log.Printf("shutting down")
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("http server error: %v", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = httpServer.Shutdown(shutdownCtx)

	cancel()
	if err := svc.Stop(); err != nil {
		log.Printf("stop: %v", err)
		return 1
	}
	return 0
}

type gatingDoc struct {
	Denies    []string `yaml:"denies"`
	Contracts []struct {
		ID            string   `yaml:"id"`
		ValidFromMS   int64    `yaml:"valid_from_ms"`
		ValidToMS     int64    `yaml:"valid_to_ms"`
		SubjectRole   string   `yaml:"subject_role"`
		QuotaLimit    int      `yaml:"quota_limit"`
		QuotaWindow   string   `yaml:"quota_window"`
		AutoRenewSecs int64    `yaml:"auto_renew_secs"`
		Capabilities  []string `yaml:"capabilities"`
	} `yaml:"contracts"`
}

type gating struct {
	denies    []policy.BootDeny
	contracts []policy.Contract
}

// loadGating reads gating.toml, treated as YAML since every field it
// needs is a flat scalar or list (spec §4.L; no TOML library appears
// anywhere in the example pack). A missing file is not a config error: a fresh state
// directory simply boots with no boot-time denies or contracts.
func loadGating(path string) (gating, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return gating{}, nil
	}
	if err != nil {
		return gating{}, err
	}
	var doc gatingDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return gating{}, fmt.Errorf("parse gating.toml: %w", err)
	}
	var g gating
	for _, s := range doc.Denies {
		g.denies = append(g.denies, policy.BootDeny{Subject: s})
	}
	for _, c := range doc.Contracts {
		window, _ := time.ParseDuration(c.QuotaWindow)
		g.contracts = append(g.contracts, policy.Contract{
			ID:            c.ID,
			ValidFromMS:   c.ValidFromMS,
			ValidToMS:     c.ValidToMS,
			SubjectRole:   c.SubjectRole,
			QuotaLimit:    c.QuotaLimit,
			QuotaWindow:   window,
			AutoRenewSecs: c.AutoRenewSecs,
			Capabilities:  c.Capabilities,
		})
	}
	return g, nil
}

type trustCapsulesDoc struct {
	Issuers []struct {
		ID     string `json:"id"`
		KeyB64 string `json:"key_b64"`
		Alg    string `json:"alg"`
	} `json:"issuers"`
	Revocations []string `json:"revocations"`
}

// loadTrustCapsules reads trust_capsules.json into an issuer id -> public
// key map for internal/policy's capsule-signature verification (spec
// §3). A missing file boots with an empty trust store (no capsule
// issuers trusted yet).
func loadTrustCapsules(path string) (map[string]ed25519.PublicKey, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var doc trustCapsulesDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse trust_capsules.json: %w", err)
	}
	revoked := make(map[string]struct{}, len(doc.Revocations))
	for _, id := range doc.Revocations {
		revoked[id] = struct{}{}
	}
	trust := make(map[string]ed25519.PublicKey, len(doc.Issuers))
	for _, issuer := range doc.Issuers {
		if _, gone := revoked[issuer.ID]; gone {
			continue
		}
		key, err := base64.StdEncoding.DecodeString(issuer.KeyB64)
		if err != nil {
			return nil, fmt.Errorf("decode key for issuer %s: %w", issuer.ID, err)
		}
		trust[issuer.ID] = ed25519.PublicKey(key)
	}
	return trust, nil
}

func envOr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envIntOr(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}
