// Package rafttransport is a concrete, testable implementation of
// pkg/transport.Transport on top of hashicorp/raft: Replicate submits
// the payload as a raft log entry and waits for Raft's own quorum
// commit, and the replication stream is fed from the FSM's Apply
// callback. It exists to drive a real primary-to-secondary
// replication stream in the cmd/kvstore demo, standing in for the
// host-owned transport the core expects.
package rafttransport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"

	"github.com/cuemby/kvstore/pkg/transport"
)

// Config configures a single-node-or-cluster raft ring whose commit
// stream feeds a Transport.
type Config struct {
	NodeID       string
	BindAddr     string
	DataDir      string
	Bootstrap    bool
	ApplyTimeout time.Duration
}

// Raft wraps a *raft.Raft instance and exposes it as a
// transport.Transport.
type Raft struct {
	cfg  Config
	raft *raft.Raft
	fsm  *fsm

	mu      sync.Mutex
	epochs  []transport.EpochUpdate
	faults  []transport.FaultRecord
}

// New starts (or rejoins) a raft node backed by raft-boltdb stable/log
// stores rooted at cfg.DataDir, bootstrapping a single-node cluster
// when cfg.Bootstrap is set.
func New(cfg Config) (*Raft, error) {
	if cfg.ApplyTimeout == 0 {
		cfg.ApplyTimeout = 10 * time.Second
	}

	logStore, err := raftboltdb.NewBoltStore(cfg.DataDir + "/raft-log.db")
	if err != nil {
		return nil, fmt.Errorf("rafttransport: open log store: %w", err)
	}
	stableStore, err := raftboltdb.NewBoltStore(cfg.DataDir + "/raft-stable.db")
	if err != nil {
		return nil, fmt.Errorf("rafttransport: open stable store: %w", err)
	}
	snapshots, err := raft.NewFileSnapshotStore(cfg.DataDir, 3, nil)
	if err != nil {
		return nil, fmt.Errorf("rafttransport: open snapshot store: %w", err)
	}

	addr, err := net.ResolveTCPAddr("tcp", cfg.BindAddr)
	if err != nil {
		return nil, fmt.Errorf("rafttransport: resolve bind addr: %w", err)
	}
	transportLayer, err := raft.NewTCPTransport(cfg.BindAddr, addr, 3, 10*time.Second, nil)
	if err != nil {
		return nil, fmt.Errorf("rafttransport: build tcp transport: %w", err)
	}

	raftCfg := raft.DefaultConfig()
	raftCfg.LocalID = raft.ServerID(cfg.NodeID)

	f := newFSM()

	r, err := raft.NewRaft(raftCfg, f, logStore, stableStore, snapshots, transportLayer)
	if err != nil {
		return nil, fmt.Errorf("rafttransport: start raft: %w", err)
	}

	if cfg.Bootstrap {
		r.BootstrapCluster(raft.Configuration{
			Servers: []raft.Server{{ID: raftCfg.LocalID, Address: transportLayer.LocalAddr()}},
		})
	}

	return &Raft{cfg: cfg, raft: r, fsm: f}, nil
}

var _ transport.Transport = (*Raft)(nil)

// Replicate submits payload as a single raft log entry and blocks
// until it commits, returning the FSM-assigned LSN.
func (rt *Raft) Replicate(ctx context.Context, payload [][]byte) (int64, error) {
	encoded := encodePayload(payload)
	future := rt.raft.Apply(encoded, rt.cfg.ApplyTimeout)
	if err := future.Error(); err != nil {
		return 0, fmt.Errorf("rafttransport: apply: %w", err)
	}
	lsn, _ := future.Response().(int64)
	return lsn, nil
}

// GetReplicationStream returns the stream fed by the FSM's Apply
// callback as entries commit through raft consensus.
func (rt *Raft) GetReplicationStream(ctx context.Context) (transport.Stream, error) {
	return rt.fsm.stream(), nil
}

// GetCopyStream is unused by the raft reference transport: a new
// raft voter catches up via raft's own snapshot/log-replay mechanism
// rather than this module's copy protocol, so it returns an
// already-closed stream.
func (rt *Raft) GetCopyStream(ctx context.Context) (transport.Stream, error) {
	return closedStream{}, nil
}

// ServeCopyStream is a no-op for the same reason GetCopyStream is:
// raft's own snapshot/log-replay mechanism substitutes for this
// module's copy protocol, so there is nothing to relay stream onto.
func (rt *Raft) ServeCopyStream(ctx context.Context, stream transport.Stream) error {
	return nil
}

func (rt *Raft) ReportFault(kind transport.FaultKind, cause error, message string) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.faults = append(rt.faults, transport.FaultRecord{Kind: kind, Cause: cause, Message: message})
	return nil
}

func (rt *Raft) UpdateEpoch(ctx context.Context, epoch int64, previousEpochLastLSN int64) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.epochs = append(rt.epochs, transport.EpochUpdate{Epoch: epoch, PreviousEpochLastLSN: previousEpochLastLSN})
	return nil
}

// Shutdown stops the underlying raft node.
func (rt *Raft) Shutdown() error {
	return rt.raft.Shutdown().Error()
}

type closedStream struct{}

func (closedStream) GetOperation(ctx context.Context) (*transport.Operation, error) {
	return nil, nil
}
