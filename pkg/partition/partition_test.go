package partition

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/canswarm/kernel/pkg/consensus"
	"github.com/canswarm/kernel/pkg/quorum"
)

func TestDetectorFlagsPartitionBelowThreshold(t *testing.T) {
	d := NewDetector(10*time.Second, 3, 3)
	now := time.Unix(0, 0)
	d.RegisterPeer("p1", now)
	d.RegisterPeer("p2", now)
	d.RegisterPeer("p3", now)

	if d.Evaluate(now) {
		t.Fatal("expected no partition with all peers fresh")
	}

	// p2, p3 go silent for 40s (4 missed 10s intervals > threshold 3)
	d.Heartbeat("p1", now.Add(35*time.Second))
	later := now.Add(40 * time.Second)
	if !d.Evaluate(later) {
		t.Fatal("expected partition suspected once connected count drops below minConnected")
	}
}

func TestConnectedPeersExcludesMissing(t *testing.T) {
	d := NewDetector(10*time.Second, 3, 1)
	now := time.Unix(0, 0)
	d.RegisterPeer("p1", now)
	d.RegisterPeer("p2", now)
	d.Heartbeat("p1", now.Add(10*time.Second))

	// at 35s: p1 has missed 2 intervals (live), p2 has missed 3 (gone)
	live := d.ConnectedPeers(now.Add(35 * time.Second))
	if len(live) != 1 || live[0] != "p1" {
		t.Fatalf("expected only p1 live, got %v", live)
	}
}

func TestReconcileHighestEpochWins(t *testing.T) {
	engine := consensus.New(fixedEpoch{})
	epochs := quorum.NewEpochManager()
	r := NewReconciler(engine, epochs)

	local := consensus.DecideRecord{NeedID: "n1", ProposalID: "local-a", Epoch: 1, Lamport: 40, DeciderID: "x"}
	remote := consensus.DecideRecord{NeedID: "n1", ProposalID: "remote-b", Epoch: 1, Lamport: 42, DeciderID: "y"}

	conflicts := r.Reconcile(consensus.BucketFor("n1"), map[string][2]consensus.DecideRecord{
		"n1": {local, remote},
	})
	if len(conflicts) != 1 {
		t.Fatalf("expected one conflict, got %d", len(conflicts))
	}
	c := conflicts[0]
	if c.Winner.ProposalID != "remote-b" {
		t.Fatalf("expected remote's higher Lamport to win, got %s", c.Winner.ProposalID)
	}
	if c.Orphaned.ProposalID != "local-a" {
		t.Fatalf("expected local to be orphaned, got %s", c.Orphaned.ProposalID)
	}
	if c.OrphanedByEpoch != 1 {
		t.Fatalf("expected orphaned_by_epoch to be the new epoch 1, got %d", c.OrphanedByEpoch)
	}

	winner, ok := engine.Winner("n1")
	if !ok || winner.ProposalID != "remote-b" {
		t.Fatalf("expected engine to adopt reconciled winner, got %v", winner)
	}
}

func TestFetchPeerRecordsGathersEveryPeer(t *testing.T) {
	peers := []string{"peer-a", "peer-b", "peer-c"}
	records, err := FetchPeerRecords(context.Background(), peers, func(ctx context.Context, peerID string) (map[string]consensus.DecideRecord, error) {
		return map[string]consensus.DecideRecord{
			"n1": {NeedID: "n1", ProposalID: peerID + "-p1", Epoch: 1},
		}, nil
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(records) != len(peers) {
		t.Fatalf("expected records from every peer, got %d of %d", len(records), len(peers))
	}
	for _, p := range peers {
		if _, ok := records[p]; !ok {
			t.Fatalf("missing records for peer %s", p)
		}
	}
}

func TestFetchPeerRecordsPropagatesPeerError(t *testing.T) {
	peers := []string{"peer-a", "peer-b"}
	wantErr := errors.New("peer-b unreachable")
	_, err := FetchPeerRecords(context.Background(), peers, func(ctx context.Context, peerID string) (map[string]consensus.DecideRecord, error) {
		if peerID == "peer-b" {
			return nil, wantErr
		}
		<-ctx.Done()
		return nil, ctx.Err()
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected wantErr to propagate, got %v", err)
	}
}

type fixedEpoch struct{}

func (fixedEpoch) CurrentEpoch(bucket int) uint64 { return 0 }
