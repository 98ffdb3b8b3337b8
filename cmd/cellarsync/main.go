package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cellarsync/cellarsync/inventory"
	"github.com/cellarsync/cellarsync/peer"
	"github.com/cellarsync/cellarsync/protocol"
	"github.com/cellarsync/cellarsync/replicator"
	"github.com/cellarsync/cellarsync/resolver"
	"github.com/cellarsync/cellarsync/store"
)

const (
	numNodes      = 5
	basePort      = 9000
	testDuration  = 10 * time.Second
	operationRate = 100 * time.Millisecond

	docID      = "wine-cellar"
	counterKey = "bottles"
)

type replica struct {
	addr       string
	store      *store.Store
	replicator *replicator.Replicator
	service    *inventory.Service
}

func main() {
	var (
		expectedValue int64
		increments    int64
		decrements    int64
		abandoned     int64
		metricsLock   sync.Mutex
	)

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))

	fmt.Println("=== REPLICATED INVENTORY COUNTER ===")

	dataDir, err := os.MkdirTemp("", "cellarsync-demo")
	if err != nil {
		log.Fatalf("Failed to create data dir: %v", err)
	}
	defer os.RemoveAll(dataDir)

	// Create replicas, each with its own store, actor ID and transport
	replicas := make([]*replica, numNodes)
	for i := 0; i < numNodes; i++ {
		addr := fmt.Sprintf("127.0.0.1:%d", basePort+i)

		s, err := store.Open(filepath.Join(dataDir, fmt.Sprintf("replica-%d.db", i)))
		if err != nil {
			log.Fatalf("Failed to open store: %v", err)
		}

		actor, err := s.ActorID()
		if err != nil {
			log.Fatalf("Failed to load actor ID: %v", err)
		}

		transport, err := protocol.NewTCPTransport(addr, logger)
		if err != nil {
			log.Fatalf("Failed to create transport: %v", err)
		}

		r, err := replicator.New(replicator.Config{
			Addr:                addr,
			SyncInterval:        500 * time.Millisecond,
			MaxSyncPeers:        3,
			MaxConsecutiveFails: 10,
			FailureTimeout:      time.Minute,
		}, s, transport, peer.NewManager(10, time.Minute), resolver.LastWriterWins, logger)
		if err != nil {
			log.Fatalf("Failed to create replicator: %v", err)
		}

		replicas[i] = &replica{
			addr:       addr,
			store:      s,
			replicator: r,
			service:    inventory.NewService(s, actor, logger),
		}
	}
	fmt.Printf("Created %d replicas\n", numNodes)

	// Connect all replicas (full mesh topology)
	for i, a := range replicas {
		for j, b := range replicas {
			if i != j {
				a.replicator.Peers().AddPeer(b.addr)
			}
		}
	}
	fmt.Println("Connected all replicas in a full mesh")

	// Run concurrent operations
	stopChan := make(chan struct{})
	var wg sync.WaitGroup
	ctx := context.Background()

	fmt.Println("Starting operations...")
	for i := 0; i < numNodes; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()

			ticker := time.NewTicker(operationRate)
			defer ticker.Stop()

			for {
				select {
				case <-ticker.C:
					// Mostly increments; decrement only while the expected
					// total stays positive so the clamp never hides stock.
					metricsLock.Lock()
					decrementable := expectedValue > 0 && rand.Intn(3) == 0
					if decrementable {
						expectedValue--
						decrements++
					} else {
						expectedValue++
						increments++
					}
					metricsLock.Unlock()

					var err error
					if decrementable {
						_, err = replicas[idx].service.Decrement(ctx, docID, counterKey, 1)
					} else {
						_, err = replicas[idx].service.Increment(ctx, docID, counterKey, 1)
					}
					if errors.Is(err, inventory.ErrWriteAbandoned) {
						// Transient contention; the operation did not land.
						metricsLock.Lock()
						abandoned++
						if decrementable {
							expectedValue++
							decrements--
						} else {
							expectedValue--
							increments--
						}
						metricsLock.Unlock()
					} else if err != nil {
						log.Printf("Replica %d operation failed: %v", idx, err)
					}
				case <-stopChan:
					return
				}
			}
		}(i)
	}

	fmt.Printf("Running for %v...\n", testDuration)
	time.Sleep(testDuration)

	close(stopChan)
	fmt.Println("Operations complete. Waiting for final synchronization...")
	wg.Wait()
	time.Sleep(3 * time.Second)

	// Final results
	fmt.Println("\n=== FINAL RESULTS ===")

	metricsLock.Lock()
	finalExpected := expectedValue
	finalIncs := increments
	finalDecs := decrements
	finalAbandoned := abandoned
	metricsLock.Unlock()

	fmt.Printf("Operations: %d increments, %d decrements, %d abandoned\n",
		finalIncs, finalDecs, finalAbandoned)
	fmt.Printf("Expected value: %d\n", finalExpected)

	fmt.Println("Replica values:")
	allSame := true
	firstValue, err := replicas[0].service.Quantity(docID, counterKey)
	if err != nil {
		log.Fatalf("Failed to read replica 0: %v", err)
	}

	for i, r := range replicas {
		value, err := r.service.Quantity(docID, counterKey)
		if err != nil {
			log.Fatalf("Failed to read replica %d: %v", i, err)
		}
		fmt.Printf("Replica %d (%s): %d\n", i, r.addr, value)

		if value != firstValue {
			allSame = false
		}
	}

	if allSame {
		fmt.Printf("\nSUCCESS: All replicas converged to %d\n", firstValue)
		if firstValue == finalExpected {
			fmt.Println("PERFECT: Value matches the expected count!")
		} else {
			fmt.Printf("PARTIAL: Replicas converged but to an unexpected value (expected %d, got %d)\n",
				finalExpected, firstValue)
		}
	} else {
		fmt.Println("\nFAILURE: Replicas did not converge to the same value")
	}

	fmt.Println("\nShutting down...")
	for i, r := range replicas {
		if err := r.replicator.Close(); err != nil {
			log.Printf("Error closing replicator %d: %v", i, err)
		}
		if err := r.store.Close(); err != nil {
			log.Printf("Error closing store %d: %v", i, err)
		}
	}
	fmt.Println("All components shut down successfully")
}
