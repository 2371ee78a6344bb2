package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/jarvis-ops/jarvis/internal/agents"
	"github.com/jarvis-ops/jarvis/internal/audit"
	"github.com/jarvis-ops/jarvis/internal/config"
	"github.com/jarvis-ops/jarvis/internal/llm"
	"github.com/jarvis-ops/jarvis/internal/memory"
	"github.com/jarvis-ops/jarvis/internal/mesh"
	"github.com/jarvis-ops/jarvis/internal/metrics"
	"github.com/jarvis-ops/jarvis/internal/nlp"
	"github.com/jarvis-ops/jarvis/internal/router"
	"github.com/jarvis-ops/jarvis/internal/tools"
	"github.com/jarvis-ops/jarvis/internal/tools/builtins"
)

// app bundles every component the CLI subcommands need, built once from
// config.Load and torn down together on Close. Building this in one place
// keeps each subcommand's RunE a thin wrapper around the component APIs.
type app struct {
	cfg *config.Config

	store  *memory.Store
	router *router.Router
	tools  *tools.Registry
	parser *nlp.Parser

	metrics *metrics.Registry
	audit   *audit.Logger

	supervisor *agents.Supervisor
	mesh       *mesh.Mesh
	cleanup    *memory.ScheduledCleanup

	logger *slog.Logger
}

// newApp loads configuration and wires every component. Callers must call
// Close when done.
func newApp(ctx context.Context, resolvedConfigPath string) (*app, error) {
	cfg, err := config.Load(resolvedConfigPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	level := slog.LevelInfo
	_ = level.UnmarshalText([]byte(cfg.LogLevel))
	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	}
	logger := slog.New(handler)

	a := &app{cfg: cfg, logger: logger, metrics: metrics.New()}

	a.store, err = memory.Open(memory.Config{
		Path:       filepath.Join(cfg.DataDir, "memory.db"),
		Passphrase: os.Getenv("JARVIS_MEMORY_PASSPHRASE"),
		Logger:     logger,
	})
	if err != nil {
		return nil, fmt.Errorf("open memory store: %w", err)
	}

	a.cleanup, err = a.store.StartScheduledCleanup("", logger)
	if err != nil {
		return nil, fmt.Errorf("start scheduled cleanup: %w", err)
	}

	var gatewayBackend, localBackend llm.Backend
	if cfg.GatewayBaseURL != "" {
		gatewayBackend = llm.NewGatewayBackend(llm.GatewayConfig{
			BaseURL: cfg.GatewayBaseURL,
			APIKey:  cfg.GatewayAPIKey,
			Timeout: cfg.RouterDeadline,
		})
	}
	if cfg.LocalBaseURL != "" {
		localBackend = llm.NewLocalBackend(llm.LocalConfig{
			BaseURL: cfg.LocalBaseURL,
			Timeout: cfg.RouterDeadline,
		})
	}

	a.router = router.New(router.Config{
		Gateway:      gatewayBackend,
		Local:        localBackend,
		IntentModels: cfg.IntentModels,
		GatewayModel: cfg.IntentModels["unknown"],
		Perf:         a.store,
		CancelGrace:  cfg.CancelGraceTime,
		Deadline:     cfg.RouterDeadline,
	})

	a.tools = tools.NewRegistry(cfg.ToolTimeout)
	if err := builtins.RegisterAll(a.tools, builtins.Config{
		ToolTimeout: cfg.ToolTimeout,
		Router:      a.router,
	}); err != nil {
		return nil, fmt.Errorf("register tools: %w", err)
	}

	a.parser = nlp.New(a.router)

	auditPath := filepath.Join(cfg.DataDir, "audit.log")
	a.audit, err = audit.NewLogger(audit.Config{Path: auditPath})
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}

	a.supervisor = agents.New(agents.SupervisorConfig{
		HeartbeatInterval: cfg.HeartbeatInterval,
		Logger:            logger,
		OnRestart: func(agentID string) {
			a.metrics.RecordAgentRestart(agentID)
			a.audit.Log(audit.Record{Type: audit.EventAgentTransition, Actor: agentID, Action: "restart", Outcome: audit.OutcomeOK})
		},
	})
	go a.supervisor.Run(ctx)

	keyPath := cfg.MeshIdentityKeyPath
	if keyPath == "" {
		keyPath = filepath.Join(cfg.DataDir, "identity", "ed25519.key")
	}
	key, err := loadOrCreateMeshKey(keyPath)
	if err != nil {
		return nil, fmt.Errorf("load mesh identity: %w", err)
	}
	peersPath := filepath.Join(cfg.DataDir, "identity", "peers.json")
	peerStore, err := loadPeerStore(peersPath)
	if err != nil {
		return nil, fmt.Errorf("load peer store: %w", err)
	}

	selfID := uuid.NewString()
	transport, err := mesh.NewQUICTransport()
	if err != nil {
		return nil, fmt.Errorf("build mesh transport: %w", err)
	}
	a.mesh = mesh.New(mesh.Config{
		Self:      mesh.Self{ID: selfID, Endpoint: cfg.MeshListenAddr, Capabilities: []string{"tools", "agents"}},
		Key:       key,
		Transport: transport,
		PeerStore: peerStore,
		Logger:    logger,
		OnMetric: func(kind mesh.MessageKind, outcome string) {
			a.metrics.RecordMeshMessage(string(kind), outcome)
		},
	})

	return a, nil
}

// startMesh listens and runs discovery in the background, returning
// immediately; errors after the initial bind are only logged, matching
// the supervisor's "components degrade, the process doesn't exit" policy.
func (a *app) startMesh(ctx context.Context) error {
	if a.cfg.MeshListenAddr == "" {
		return nil
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- a.mesh.Serve(ctx, a.cfg.MeshListenAddr, mesh.DiscoveryConfig{
			MulticastAddr: a.cfg.MeshMulticastAddr,
			Interval:      10 * time.Second,
		})
	}()
	select {
	case err := <-errCh:
		return err
	case <-time.After(200 * time.Millisecond):
		return nil
	}
}

// Close tears down every component that owns a resource. Mesh peer state
// is flushed back to disk so restarts don't re-run TOFU against peers
// already trusted in a prior session.
func (a *app) Close() error {
	if a.cleanup != nil {
		a.cleanup.Stop()
	}
	if a.mesh != nil {
		_ = savePeerStore(a.mesh.Discover(), filepath.Join(a.cfg.DataDir, "identity", "peers.json"))
	}
	if a.audit != nil {
		_ = a.audit.Close()
	}
	if a.store != nil {
		return a.store.Close()
	}
	return nil
}

func loadOrCreateMeshKey(path string) (ed25519.PrivateKey, error) {
	if data, err := os.ReadFile(path); err == nil {
		if len(data) != ed25519.PrivateKeySize {
			return nil, fmt.Errorf("mesh identity key %s has wrong size", path)
		}
		return ed25519.PrivateKey(data), nil
	}

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate mesh identity key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create identity dir: %w", err)
	}
	if err := os.WriteFile(path, priv, 0o600); err != nil {
		return nil, fmt.Errorf("write mesh identity key: %w", err)
	}
	return priv, nil
}

func loadPeerStore(path string) (*mesh.InMemoryPeerStore, error) {
	store := mesh.NewInMemoryPeerStore()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return store, nil
		}
		return nil, err
	}
	var records []*mesh.PeerRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	for _, r := range records {
		if err := store.Save(r); err != nil {
			return nil, err
		}
	}
	return store, nil
}

func savePeerStore(records []mesh.PeerRecord, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}
