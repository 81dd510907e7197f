package main

import (
	"context"
	"flag"
	"fmt"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/syncdrax/relay/internal/signaling"
	"github.com/syncdrax/relay/loadtest/client"
	"github.com/syncdrax/relay/loadtest/stats"
)

// runSaturate opens connections at a steady rate, filling rooms to capacity,
// then holds them idle while watching for drops. It finds the connection
// count at which the relay starts refusing or losing sessions.
func runSaturate(args []string) {
	fs := flag.NewFlagSet("saturate", flag.ExitOnError)
	base := fs.String("url", "ws://localhost:8080", "relay base URL")
	metricsURL := fs.String("metrics", "http://localhost:8080/metrics", "relay metrics URL (empty to skip)")
	connections := fs.Int("connections", 1000, "number of connections to open")
	perRoom := fs.Int("per-room", signaling.DefaultMaxPeersPerRoom, "peers placed in each room")
	rampUp := fs.Duration("ramp", 10*time.Second, "ramp-up duration")
	hold := fs.Duration("hold", 30*time.Second, "hold duration after all connections are open")
	concurrency := fs.Int("concurrency", 50, "maximum simultaneous connection attempts")
	fs.Parse(args)

	fmt.Printf("Saturate test: %d connections to %s (per-room=%d, ramp=%s, hold=%s, concurrency=%d)\n",
		*connections, *base, *perRoom, *rampUp, *hold, *concurrency)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := stats.NewCollector()
	scraper := startScraper(ctx, collector, *metricsURL)

	var (
		mu      sync.Mutex
		clients = make([]*client.Client, 0, *connections)
		wg      sync.WaitGroup
	)

	fmt.Println("\n--- Ramp-up phase ---")
	interval := *rampUp / time.Duration(*connections)
	if interval <= 0 {
		interval = time.Millisecond
	}
	sem := make(chan struct{}, *concurrency)
	ticker := time.NewTicker(interval)
	progress := time.NewTicker(time.Second)
	rampStart := time.Now()

	interrupted := false
ramp:
	for i := 0; i < *connections; {
		select {
		case <-ctx.Done():
			fmt.Println("\nInterrupted during ramp-up.")
			interrupted = true
			break ramp
		case <-progress.C:
			fmt.Printf("  [ramp] connections: %d/%d  errors: %d\n",
				collector.ConnectionCount(), *connections, collector.ErrorCount())
		case <-ticker.C:
			url := fmt.Sprintf("%s/ws/SAT-%05d/p%d/Peer", *base, i / *perRoom, i%*perRoom)
			i++
			wg.Add(1)
			sem <- struct{}{}
			go func() {
				defer wg.Done()
				defer func() { <-sem }()
				c, err := dialPeer(ctx, url, collector)
				if err != nil {
					return
				}
				mu.Lock()
				clients = append(clients, c)
				mu.Unlock()
			}()
		}
	}
	ticker.Stop()
	progress.Stop()
	wg.Wait()

	fmt.Printf("\nRamp-up complete: %d/%d connections in %s (%d errors)\n",
		collector.ConnectionCount(), *connections,
		time.Since(rampStart).Round(time.Millisecond), collector.ErrorCount())

	dropped := 0
	if !interrupted {
		fmt.Println("\n--- Hold phase ---")
		mu.Lock()
		initial := len(clients)
		mu.Unlock()
		fmt.Printf("Holding %d connections for %s...\n", initial, *hold)

		holdTimer := time.NewTimer(*hold)
		status := time.NewTicker(5 * time.Second)
	holdLoop:
		for {
			select {
			case <-ctx.Done():
				fmt.Println("\nInterrupted during hold phase.")
				break holdLoop
			case <-holdTimer.C:
				fmt.Println("\nHold period complete.")
				break holdLoop
			case <-status.C:
				dropped = countClosed(&mu, clients)
				fmt.Printf("  [hold] alive: %d/%d  dropped: %d\n", initial-dropped, initial, dropped)
			}
		}
		holdTimer.Stop()
		status.Stop()
		dropped = countClosed(&mu, clients)
	}

	fmt.Println("\n--- Cleanup ---")
	mu.Lock()
	closeAll(clients)
	mu.Unlock()

	if dropped > 0 {
		fmt.Printf("\nConnections dropped during hold: %d\n", dropped)
	}
	if scraper != nil {
		scraper.Stop()
	}
	collector.Report()
}

func countClosed(mu *sync.Mutex, clients []*client.Client) int {
	mu.Lock()
	defer mu.Unlock()
	n := 0
	for _, c := range clients {
		select {
		case <-c.Done():
			n++
		default:
		}
	}
	return n
}
