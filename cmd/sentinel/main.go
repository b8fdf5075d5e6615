package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"

	"github.com/armoriq/sentinel/internal/config"
	"github.com/armoriq/sentinel/internal/core"
	"github.com/armoriq/sentinel/internal/drift"
	"github.com/armoriq/sentinel/internal/embedding"
	"github.com/armoriq/sentinel/internal/intent"
	"github.com/armoriq/sentinel/internal/ledger"
	"github.com/armoriq/sentinel/internal/policy"
	"github.com/armoriq/sentinel/internal/sim"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func buildSigner(cfg config.LedgerConfig, logger *log.Logger) (ledger.Signer, error) {
	if cfg.DemoKey != "" {
		return ledger.NewHMACSigner([]byte(cfg.DemoKey), logger), nil
	}
	if cfg.SigningSeed != "" {
		seed, err := hex.DecodeString(cfg.SigningSeed)
		if err != nil {
			return nil, fmt.Errorf("bad LEDGER_SIGNING_SEED: %w", err)
		}
		return ledger.NewEd25519SignerFromSeed(seed)
	}
	return ledger.NewEd25519Signer()
}

func main() {
	// Load environment variables
	godotenv.Load()

	logger := log.New(os.Stdout, "[sentinel] ", log.LstdFlags|log.Lshortfile)

	cfg := config.Load()
	logger.Println("Configuration loaded")

	// Audit ledger
	signer, err := buildSigner(cfg.Ledger, logger)
	if err != nil {
		logger.Fatalf("Failed to build ledger signer: %v", err)
	}
	var store ledger.Store
	if cfg.Ledger.Path == "" {
		store = ledger.NewMemoryStore()
	} else {
		fs, err := ledger.OpenFileStore(cfg.Ledger.Path, logger)
		if err != nil {
			logger.Fatalf("Failed to open ledger store: %v", err)
		}
		store = fs
	}
	auditLedger, err := ledger.Open(store, signer, logger)
	if err != nil {
		logger.Fatalf("Failed to open ledger: %v", err)
	}

	// Policy engine with declarative rule source
	policyEngine := policy.NewEngine(nil, logger)
	loader := policy.NewLoader(cfg.Policy.RuleSourcePath, policyEngine, logger)
	version, err := loader.Load()
	if err != nil {
		logger.Fatalf("Failed to load rule source: %v", err)
	}
	logger.Printf("Policy rules loaded (version %s)", version)
	if cfg.Policy.WatchChanges {
		if err := loader.StartHotReload(); err != nil {
			logger.Printf("Hot reload unavailable: %v", err)
		}
	}

	// Drift engine with hash-fallback embeddings
	driftCfg := drift.DefaultConfig()
	driftCfg.Window = cfg.Drift.Window
	driftCfg.LearningIntents = cfg.Drift.LearningIntents
	driftCfg.MaxResurrections = cfg.Drift.MaxResurrections
	driftCfg.ThrottlePerMinute = cfg.Drift.ThrottlePerMinute
	driftCfg.EmbedTimeout = cfg.Drift.EmbedTimeout
	driftCfg.ResurrectionResetScore = cfg.Drift.ResurrectionResetScore
	driftCfg.SuppressEmbeddingDuringLearning = cfg.Drift.SuppressEmbedLearning
	provider := embedding.NewHashProvider(cfg.Drift.EmbedDimension)
	driftEngine, err := drift.NewEngine(driftCfg, provider, logger)
	if err != nil {
		logger.Fatalf("Failed to build drift engine: %v", err)
	}

	// Simulator
	simCfg := sim.DefaultConfig()
	simCfg.StepEpsilon = cfg.Sim.StepEpsilon
	simCfg.StubTimeout = cfg.Sim.StubTimeout
	simCfg.InternalDomain = cfg.Sim.InternalDomain
	simulator := sim.New(simCfg, policyEngine, driftEngine, sim.DefaultRegistry(), logger)

	// Core facade; rebuild drift state from the audit log
	c := core.New(core.DefaultConfig(), policyEngine, driftEngine, simulator, auditLedger, logger)
	if err := c.Replay(context.Background()); err != nil {
		logger.Fatalf("Failed to replay audit log: %v", err)
	}

	// Routes
	http.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"sentinel"}`))
	})

	http.HandleFunc("/api/verify", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req struct {
			AgentID      string                 `json:"agent_id"`
			Description  string                 `json:"description"`
			Tool         string                 `json:"tool"`
			Capabilities []string               `json:"capabilities"`
			Args         map[string]interface{} `json:"args"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}
		it := intent.New(req.AgentID, req.Description, req.Tool, req.Capabilities, req.Args)
		decision, err := c.VerifyIntent(r.Context(), it, nil)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if !decision.Allowed {
			w.WriteHeader(http.StatusForbidden)
		}
		json.NewEncoder(w).Encode(decision)
	})

	http.HandleFunc("/api/simulate", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req struct {
			AgentID string            `json:"agent_id"`
			Steps   []intent.PlanStep `json:"steps"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}
		plan := intent.NewPlan(req.AgentID, req.Steps)
		result, err := c.SimulatePlan(r.Context(), plan)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(result)
	})

	http.HandleFunc("/api/status", func(w http.ResponseWriter, r *http.Request) {
		agentID := r.URL.Query().Get("agent_id")
		w.Header().Set("Content-Type", "application/json")
		if agentID == "" {
			json.NewEncoder(w).Encode(driftEngine.Summary())
			return
		}
		state, ok := c.AgentStatus(agentID)
		if !ok {
			http.Error(w, "Unknown agent", http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode(state)
	})

	http.HandleFunc("/api/resurrect", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req struct {
			AgentID string `json:"agent_id"`
			AdminID string `json:"admin_id"`
			Reason  string `json:"reason"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}
		if err := c.Resurrect(req.AgentID, req.AdminID, req.Reason); err != nil {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"resurrected"}`))
	})

	http.HandleFunc("/api/ledger/verify", func(w http.ResponseWriter, r *http.Request) {
		ok, broken := c.VerifyLedger()
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"ok":           ok,
			"first_broken": broken,
			"entries":      auditLedger.Len(),
		})
	})

	if cfg.Metrics.Enabled {
		http.Handle("/metrics", promhttp.Handler())
	}

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	logger.Println("=================================")
	logger.Println("Sentinel Supervision Core Starting")
	logger.Println("=================================")
	logger.Printf("Server:  http://%s", addr)
	logger.Printf("Rules:   %s (v%s)", cfg.Policy.RuleSourcePath, policyEngine.Version())
	logger.Printf("Ledger:  %s (%d entries)", ledgerLabel(cfg.Ledger.Path), auditLedger.Len())
	logger.Println("=================================")

	server := &http.Server{
		Addr:         addr,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	if err := server.ListenAndServe(); err != nil {
		logger.Fatalf("Server failed: %v", err)
	}
}

func ledgerLabel(path string) string {
	if path == "" {
		return "in-memory"
	}
	return path
}
