package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/canswarm/kernel/pkg/auction"
	"github.com/canswarm/kernel/pkg/audit"
	"github.com/canswarm/kernel/pkg/bus"
	"github.com/canswarm/kernel/pkg/cas"
	"github.com/canswarm/kernel/pkg/challenge"
	"github.com/canswarm/kernel/pkg/clock"
	"github.com/canswarm/kernel/pkg/config"
	"github.com/canswarm/kernel/pkg/consensus"
	"github.com/canswarm/kernel/pkg/crypto"
	"github.com/canswarm/kernel/pkg/dispatch"
	"github.com/canswarm/kernel/pkg/kernel"
	"github.com/canswarm/kernel/pkg/kvdb"
	"github.com/canswarm/kernel/pkg/ledger"
	"github.com/canswarm/kernel/pkg/partition"
	"github.com/canswarm/kernel/pkg/plan"
	"github.com/canswarm/kernel/pkg/policy"
	"github.com/canswarm/kernel/pkg/quorum"
	"github.com/canswarm/kernel/pkg/verifier"

	dbm "github.com/cometbft/cometbft-db"
)

func main() {
	log.SetOutput(os.Stdout)
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	log.Printf("starting swarm kernel node")

	var (
		configPath = flag.String("config", "", "path to YAML config file (defaults built in if omitted)")
		dataDir    = flag.String("data-dir", "./data", "directory for the node's persistent state")
		nodeID     = flag.String("node-id", "", "node id (overrides NODE_ID env var, random uuid if unset)")
	)
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			log.Fatalf("load config %s: %v", *configPath, err)
		}
		cfg = loaded
	}

	id := *nodeID
	if id == "" {
		id = os.Getenv("NODE_ID")
	}
	if id == "" {
		id = uuid.NewString()
	}
	log.Printf("node id: %s", id)

	if err := os.MkdirAll(*dataDir, 0700); err != nil {
		log.Fatalf("create data dir %s: %v", *dataDir, err)
	}

	priv, err := loadOrGenerateSigningKey(filepath.Join(*dataDir, "ed25519_key.hex"))
	if err != nil {
		log.Fatalf("signing key: %v", err)
	}

	policyHash := [32]byte{} // dev default capsule: every envelope binds to the zero hash
	signer, err := crypto.NewSigner(priv, policyHash)
	if err != nil {
		log.Fatalf("build signer: %v", err)
	}

	ledgerDB, err := openDB(filepath.Join(*dataDir, "ledger"))
	if err != nil {
		log.Fatalf("open ledger db: %v", err)
	}
	lamportDB, err := openDB(filepath.Join(*dataDir, "lamport"))
	if err != nil {
		log.Fatalf("open lamport db: %v", err)
	}

	lamportClock, err := clock.New(&kvLamportPersister{kv: kvdb.NewAdapter(lamportDB)},
		clock.WithBatchSize(100), clock.WithFlushPeriod(time.Second))
	if err != nil {
		log.Fatalf("recover lamport clock: %v", err)
	}
	defer lamportClock.Close()

	auditLog, err := audit.Open(filepath.Join(*dataDir, "audit"), id, priv)
	if err != nil {
		log.Fatalf("open audit log: %v", err)
	}
	defer auditLog.Close()

	registry := policy.NewCapsuleRegistry()
	registry.Register(policyHash, allowAllEvaluator{})
	gate := policy.NewGate(registry)

	ledgerStore := ledger.New(kvdb.NewAdapter(ledgerDB))
	casStore := cas.New(cas.NewMemBackend())
	planLog := plan.New()
	auctionMgr := auction.NewManager()
	leaseMgr := auction.NewLeaseManager()
	epochs := quorum.NewEpochManager()
	consensusEngine := consensus.New(epochs)
	quorumTracker := quorum.NewTracker()
	challengeMgr := challenge.NewManager()
	verifierPool := verifier.NewPool()

	svc := &dispatch.Services{
		Plan:       planLog,
		Auctions:   auctionMgr,
		Leases:     leaseMgr,
		Consensus:  consensusEngine,
		Quorum:     quorumTracker,
		Epochs:     epochs,
		Ledger:     ledgerStore,
		CAS:        casStore,
		Gate:       gate,
		Challenges: challengeMgr,
		Config:     cfg,
		Verifiers:  verifierPool,
		Committees: dispatch.NewCommitteeCache(),
	}
	dispatcher := dispatch.NewDispatcher(gate, svc, dispatch.DefaultHandlers(), 4096, dispatch.WithAuditLog(auditLog))

	messageBus := bus.New(gate, bus.WithPoolSize(cfg.BusPoolSize), bus.WithAuditLog(auditLog))
	messageBus.Subscribe("thread.*", func(ctx context.Context, subject string, env *kernel.Envelope) error {
		return dispatcher.Dispatch(ctx, env)
	})

	detector := partition.NewDetector(cfg.HeartbeatInterval.Duration, cfg.HeartbeatMissCount, 1)
	reconciler := partition.NewReconciler(consensusEngine, epochs)
	_ = reconciler // constructed here; no loop in this process calls it

	ctx, cancel := context.WithCancel(context.Background())

	go runLeaseScavenger(ctx, leaseMgr, ledgerStore, cfg)
	go runPartitionCheck(ctx, detector, cfg)

	log.Printf("swarm kernel node ready (signer=%x, bus pool=%d)", signer.PublicKey, cfg.BusPoolSize)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Printf("shutting down swarm kernel node")
	cancel()
	_ = ledgerDB.Close()
	_ = lamportDB.Close()
	log.Printf("swarm kernel node stopped")
}

// runLeaseScavenger periodically reclaims leases whose holders have missed
// too many heartbeats, slashing their stake per missed interval (spec.md
// §4.13).
func runLeaseScavenger(ctx context.Context, leases *auction.LeaseManager, ledgerStore *ledger.Store, cfg *config.Config) {
	ticker := time.NewTicker(cfg.HeartbeatInterval.Duration)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			for _, r := range leases.Scavenge(now, cfg.HeartbeatMissGrace) {
				acct, err := ledgerStore.Account(r.HolderID)
				if err != nil {
					log.Printf("scavenge slash %s: %v", r.HolderID, err)
					continue
				}
				slashAmount := int64(float64(acct.Locked) * float64(r.MissedIntervals) * auction.SlashPerMissedHeartbeat)
				if slashAmount <= 0 {
					continue
				}
				if err := ledgerStore.Slash(r.HolderID, slashAmount, "lease scavenge", [32]byte{}); err != nil {
					log.Printf("scavenge slash %s: %v", r.HolderID, err)
				}
			}
		}
	}
}

// runPartitionCheck periodically recomputes PARTITION_SUSPECTED from the
// known peer set (spec.md §4.15).
func runPartitionCheck(ctx context.Context, d *partition.Detector, cfg *config.Config) {
	ticker := time.NewTicker(cfg.PartitionCheckInterval.Duration)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if d.Evaluate(now) {
				log.Printf("partition suspected: connected peers %v", d.ConnectedPeers(now))
			}
		}
	}
}

// allowAllEvaluator is the development default policy.Evaluator bound to
// the zero policy_engine_hash. A real deployment registers its own
// capsule-bound evaluators against pkg/policy.CapsuleRegistry; this one
// exists so a freshly started node has somewhere to route envelopes
// before an operator wires a real policy runtime.
type allowAllEvaluator struct{}

func (allowAllEvaluator) Evaluate(env *kernel.Envelope, capsuleHash [32]byte) (bool, [32]byte, error) {
	return true, [32]byte{}, nil
}

// kvLamportPersister adapts a kvdb.Adapter to clock.Persister.
type kvLamportPersister struct {
	kv *kvdb.Adapter
}

var lamportKey = []byte("lamport/value")

func (p *kvLamportPersister) SaveLamport(value uint64) error {
	return p.kv.Set(lamportKey, []byte(fmt.Sprintf("%d", value)))
}

func (p *kvLamportPersister) LoadLamport() (uint64, error) {
	raw, err := p.kv.Get(lamportKey)
	if err != nil || raw == nil {
		return 0, err
	}
	var v uint64
	if _, err := fmt.Sscanf(string(raw), "%d", &v); err != nil {
		return 0, fmt.Errorf("parse persisted lamport value %q: %w", raw, err)
	}
	return v, nil
}

func openDB(dir string) (dbm.DB, error) {
	if err := os.MkdirAll(filepath.Dir(dir), 0700); err != nil {
		return nil, err
	}
	name := filepath.Base(dir)
	backendDir := filepath.Dir(dir)
	return dbm.NewGoLevelDB(name, backendDir)
}

// loadOrGenerateSigningKey persists the node's ed25519 identity under
// keyPath, generating one on first start (teacher's
// loadOrGenerateEd25519Key pattern: never derive a key from the node id,
// always a proper random key saved with restrictive permissions).
func loadOrGenerateSigningKey(keyPath string) (ed25519.PrivateKey, error) {
	if err := os.MkdirAll(filepath.Dir(keyPath), 0700); err != nil {
		return nil, fmt.Errorf("create key directory: %w", err)
	}

	if _, err := os.Stat(keyPath); os.IsNotExist(err) {
		_, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("generate ed25519 key: %w", err)
		}
		if err := os.WriteFile(keyPath, []byte(hex.EncodeToString(priv)), 0600); err != nil {
			return nil, fmt.Errorf("save ed25519 key to %s: %w", keyPath, err)
		}
		log.Printf("generated new signing key at %s", keyPath)
		return priv, nil
	}

	data, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("read ed25519 key from %s: %w", keyPath, err)
	}
	raw, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("decode ed25519 key from %s: %w", keyPath, err)
	}
	if len(raw) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid ed25519 key size: expected %d, got %d", ed25519.PrivateKeySize, len(raw))
	}
	return ed25519.PrivateKey(raw), nil
}
