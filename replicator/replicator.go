// Package replicator keeps document stores on different replicas convergent.
// Each node periodically exchanges state digests with a few peers; replicas
// whose digests disagree push full document snapshots, and every received
// snapshot is merged through the conflict resolver under the store's
// optimistic concurrency check.
package replicator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"time"

	"github.com/cellarsync/cellarsync/assertions"
	"github.com/cellarsync/cellarsync/document"
	"github.com/cellarsync/cellarsync/peer"
	"github.com/cellarsync/cellarsync/protocol"
	"github.com/cellarsync/cellarsync/resolver"
	"github.com/cellarsync/cellarsync/store"
	"golang.org/x/sync/errgroup"
)

const (
	defaultChannelBuffer = 100

	// A merge can lose the optimistic check to a concurrent local mutation;
	// the next sync cycle redelivers the document, so the bound stays small.
	maxMergeAttempts = 5
)

type (
	// DocStore is the slice of the document store the replicator needs.
	DocStore interface {
		Get(id string) (store.Snapshot, error)
		Put(id string, fields document.Fields, baseRev string) (string, error)
		List() ([]store.Snapshot, error)
		StateDigest() (uint64, error)
	}

	Config struct {
		Addr                string
		SyncInterval        time.Duration
		MaxSyncPeers        int
		MaxConsecutiveFails int
		FailureTimeout      time.Duration
	}

	MessageInfo struct {
		message protocol.Message
		addr    string
	}

	Replicator struct {
		config  Config
		docs    DocStore
		resolve resolver.DefaultResolve
		peers   *peer.Manager

		transport protocol.Transport
		ctx       context.Context
		cancel    context.CancelFunc

		incomingMsg chan MessageInfo
		outgoingMsg chan MessageInfo
		syncTicker  *time.Ticker

		logger *slog.Logger
	}
)

func New(config Config, docs DocStore, transport protocol.Transport, peers *peer.Manager,
	resolve resolver.DefaultResolve, logger *slog.Logger,
) (*Replicator, error) {
	assertions.Assert(config.SyncInterval > 0, "sync interval must be positive")
	assertions.Assert(config.MaxSyncPeers > 0, "max sync peers must be positive")
	assertions.Assert(config.Addr != "", "replicator address cannot be empty")
	assertions.AssertNotNil(docs, "document store cannot be nil")
	assertions.AssertNotNil(transport, "transport cannot be nil")
	assertions.AssertNotNil(peers, "peer manager cannot be nil")
	assertions.AssertNotNil(resolve, "default resolve policy cannot be nil")

	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
	}

	ctx, cancel := context.WithCancel(context.Background())

	r := &Replicator{
		config:    config,
		docs:      docs,
		resolve:   resolve,
		peers:     peers,
		transport: transport,
		ctx:       ctx,
		cancel:    cancel,

		incomingMsg: make(chan MessageInfo, defaultChannelBuffer),
		outgoingMsg: make(chan MessageInfo, defaultChannelBuffer),
		syncTicker:  time.NewTicker(config.SyncInterval),

		logger: logger.With("component", "replicator", "addr", config.Addr),
	}

	if err := r.startTransport(); err != nil {
		cancel()
		return nil, err
	}

	go r.eventLoop()
	if config.FailureTimeout > 0 {
		go r.pruneStalePeers()
	}

	return r, nil
}

func (r *Replicator) startTransport() error {
	err := r.transport.Listen(func(addr string, data []byte) error {
		assertions.Assert(addr != "", "incoming addr cannot be empty")

		msg, err := protocol.Decode(data)
		if err != nil {
			return fmt.Errorf("replicator %s: failed to decode message: %w", r.config.Addr, err)
		}

		select {
		case r.incomingMsg <- MessageInfo{message: *msg, addr: addr}:
		default:
			r.logger.Warn("dropping message, channel is full", "from", addr)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("replicator %s: failed to start transport listener: %w", r.config.Addr, err)
	}
	return nil
}

func (r *Replicator) eventLoop() {
	for {
		select {
		case <-r.ctx.Done():
			r.logger.Info("shutting down")
			return

		case msg := <-r.incomingMsg:
			assertions.Assert(msg.addr != "", "incoming message addr cannot be empty")
			r.handleIncMsg(msg)

		case msg := <-r.outgoingMsg:
			assertions.Assert(msg.addr != "", "outgoing addr cannot be empty")

			encoded, err := protocol.Encode(msg.message)
			if err != nil {
				r.logger.Error("failed to encode message", "to", msg.addr, "error", err)
				continue
			}

			if err := r.transport.Send(msg.addr, encoded); err != nil {
				r.logger.Error("failed to send message", "to", msg.addr, "error", err)
				if r.peers.MarkPeerFailed(msg.addr) {
					r.logger.Warn("peer considered inactive", "peer", msg.addr,
						"consecutive_fails", r.config.MaxConsecutiveFails)
				}
			} else {
				r.peers.MarkPeerActive(msg.addr)
			}

		case <-r.syncTicker.C:
			r.pullDigests()
		}
	}
}

// pullDigests starts one anti-entropy round: send our state digest to a
// random subset of healthy peers. Peers holding different state answer with
// a push of their documents.
func (r *Replicator) pullDigests() {
	peers := r.peers.GetPeers()
	if len(peers) == 0 {
		return
	}

	digest, err := r.docs.StateDigest()
	if err != nil {
		r.logger.Error("failed to compute state digest", "error", err)
		return
	}

	rand.Shuffle(len(peers), func(i, j int) {
		peers[i], peers[j] = peers[j], peers[i]
	})
	selected := peers[:min(r.config.MaxSyncPeers, len(peers))]

	ctx, cancel := context.WithTimeout(r.ctx, r.config.SyncInterval/2)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	for _, peerAddr := range selected {
		peerAddr := peerAddr
		g.Go(func() error {
			select {
			case r.outgoingMsg <- MessageInfo{
				message: protocol.Message{
					Type:   protocol.MessageTypeDigestPull,
					NodeID: r.config.Addr,
					Digest: digest,
				},
				addr: peerAddr,
			}:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
	}

	if err := g.Wait(); err != nil {
		r.logger.Warn("sync round incomplete", "error", err)
	}
}

func (r *Replicator) handleIncMsg(inc MessageInfo) {
	// Learn peers we hear from; a known peer is marked active.
	r.peers.AddPeer(inc.addr)

	switch inc.message.Type {
	case protocol.MessageTypeDigestPull:
		digest, err := r.docs.StateDigest()
		if err != nil {
			r.logger.Error("failed to compute state digest", "error", err)
			return
		}

		if digest == inc.message.Digest {
			r.enqueue(protocol.Message{
				Type:   protocol.MessageTypeDigestAck,
				NodeID: r.config.Addr,
				Digest: digest,
			}, inc.addr)
			return
		}

		r.pushDocuments(inc.addr)

	case protocol.MessageTypeDigestAck:
		// States match; nothing to exchange.

	case protocol.MessageTypePush:
		for _, doc := range inc.message.Docs {
			if err := r.mergeDocument(doc); err != nil {
				r.logger.Error("failed to merge document", "doc", doc.ID, "from", inc.addr, "error", err)
			}
		}
	}
}

// pushDocuments sends every local document snapshot to the peer. The
// receiving side merges them, so pushing a superset is harmless.
func (r *Replicator) pushDocuments(addr string) {
	snaps, err := r.docs.List()
	if err != nil {
		r.logger.Error("failed to list documents", "error", err)
		return
	}
	if len(snaps) == 0 {
		return
	}

	docs := make([]protocol.DocumentState, 0, len(snaps))
	for _, snap := range snaps {
		docs = append(docs, protocol.DocumentState{ID: snap.ID, Rev: snap.Rev, Fields: snap.Fields})
	}

	r.enqueue(protocol.Message{
		Type:   protocol.MessageTypePush,
		NodeID: r.config.Addr,
		Docs:   docs,
	}, addr)
}

// mergeDocument folds one remote snapshot into the local store. The write
// can race with local mutations, so it runs under the same fail-on-conflict
// check and bounded retry as any other writer. Abandoning a merge is safe:
// replication is at-least-once and the next round redelivers the document.
func (r *Replicator) mergeDocument(remote protocol.DocumentState) error {
	for attempt := 0; attempt < maxMergeAttempts; attempt++ {
		snap, err := r.docs.Get(remote.ID)
		if errors.Is(err, store.ErrNotFound) {
			if _, err := r.docs.Put(remote.ID, remote.Fields, ""); err != nil {
				if errors.Is(err, store.ErrConflict) {
					continue
				}
				return err
			}
			return nil
		}
		if err != nil {
			return err
		}

		// Same content hash means the replicas already agree on this
		// document; re-merging would be a no-op.
		if store.RevHash(snap.Rev) == store.RevHash(remote.Rev) {
			return nil
		}

		merged := resolver.Resolve(
			&resolver.Candidate{Rev: snap.Rev, Fields: snap.Fields},
			&resolver.Candidate{Rev: remote.Rev, Fields: remote.Fields},
			r.resolve,
		)

		if _, err := r.docs.Put(remote.ID, merged, snap.Rev); err != nil {
			if errors.Is(err, store.ErrConflict) {
				continue
			}
			return err
		}
		return nil
	}

	return fmt.Errorf("replicator %s: merge of %q abandoned after %d attempts",
		r.config.Addr, remote.ID, maxMergeAttempts)
}

func (r *Replicator) enqueue(msg protocol.Message, addr string) {
	select {
	case r.outgoingMsg <- MessageInfo{message: msg, addr: addr}:
	default:
		r.logger.Warn("dropping outgoing message, channel is full", "to", addr)
	}
}

func (r *Replicator) pruneStalePeers() {
	ticker := time.NewTicker(r.config.FailureTimeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.peers.PruneStalePeers()
		case <-r.ctx.Done():
			return
		}
	}
}

// Peers exposes the peer manager for topology wiring.
func (r *Replicator) Peers() *peer.Manager {
	return r.peers
}

// Addr returns the replicator's transport address.
func (r *Replicator) Addr() string {
	return r.config.Addr
}

// Close stops the sync ticker, the event loop and the transport.
func (r *Replicator) Close() error {
	r.syncTicker.Stop()
	r.cancel()
	return r.transport.Close()
}
