package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/syncdrax/relay/loadtest/client"
	"github.com/syncdrax/relay/loadtest/stats"
)

// runRooms fills rooms with peers and has every peer post in-room chat at a
// fixed rate. Each chat carries its send time, so receivers measure fan-out
// latency.
func runRooms(args []string) {
	fs := flag.NewFlagSet("rooms", flag.ExitOnError)
	base := fs.String("url", "ws://localhost:8080", "relay base URL")
	metricsURL := fs.String("metrics", "http://localhost:8080/metrics", "relay metrics URL (empty to skip)")
	rooms := fs.Int("rooms", 20, "number of rooms")
	peers := fs.Int("peers", 10, "peers per room")
	rate := fs.Duration("every", time.Second, "interval between chats per peer")
	duration := fs.Duration("duration", 30*time.Second, "send phase duration")
	fs.Parse(args)

	fmt.Printf("Rooms test: %d rooms x %d peers against %s (every=%s, duration=%s)\n",
		*rooms, *peers, *base, *rate, *duration)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := stats.NewCollector()
	scraper := startScraper(ctx, collector, *metricsURL)

	var (
		mu      sync.Mutex
		clients []*client.Client
		wg      sync.WaitGroup
	)
	for r := 0; r < *rooms; r++ {
		for p := 0; p < *peers; p++ {
			room := fmt.Sprintf("LT-%04d", r)
			peerID := fmt.Sprintf("p%d", p)
			url := fmt.Sprintf("%s/ws/%s/%s/Peer%d", *base, room, peerID, p)

			wg.Add(1)
			go func() {
				defer wg.Done()
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
	wg.Wait()
	fmt.Printf("Connected %d/%d peers\n", collector.ConnectionCount(), (*rooms)*(*peers))

	sendCtx, cancel := context.WithTimeout(ctx, *duration)
	defer cancel()
	for _, c := range clients {
		wg.Add(1)
		go func(c *client.Client) {
			defer wg.Done()
			ticker := time.NewTicker(*rate)
			defer ticker.Stop()
			for {
				select {
				case <-sendCtx.Done():
					return
				case <-c.Done():
					collector.AddError()
					return
				case <-ticker.C:
					msg := map[string]string{
						"type": "chat",
						"text": strconv.FormatInt(time.Now().UnixNano(), 10),
					}
					if err := c.Send(msg); err != nil {
						collector.AddError()
						return
					}
				}
			}
		}(c)
	}
	wg.Wait()

	closeAll(clients)
	if scraper != nil {
		scraper.Stop()
	}
	collector.Report()
}

func dialPeer(ctx context.Context, url string, collector *stats.Collector) (*client.Client, error) {
	joined := make(chan struct{})
	var once sync.Once

	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	c, err := client.New(connCtx, url, func(c *client.Client) {
		c.On("room_state", func(json.RawMessage) { once.Do(func() { close(joined) }) })
		c.On("room_full", func(json.RawMessage) { collector.AddRejected() })
		c.On("chat", func(raw json.RawMessage) {
			var msg struct {
				Text string `json:"text"`
			}
			if json.Unmarshal(raw, &msg) != nil {
				return
			}
			if sent, err := strconv.ParseInt(msg.Text, 10, 64); err == nil {
				collector.AddFanout(time.Since(time.Unix(0, sent)))
			}
		})
	})
	if err != nil {
		collector.AddError()
		return nil, err
	}

	select {
	case <-joined:
		collector.AddConnect(c.GetMetrics().ConnectLatency)
		return c, nil
	case <-c.Done():
		return nil, fmt.Errorf("closed before join (code %d)", c.CloseCode())
	case <-connCtx.Done():
		collector.AddError()
		_ = c.Close()
		return nil, connCtx.Err()
	}
}

func startScraper(ctx context.Context, collector *stats.Collector, url string) *stats.Scraper {
	if url == "" {
		return nil
	}
	s := stats.NewScraper(url, 2*time.Second)
	s.Start(ctx)
	collector.SetScraper(s)
	return s
}

func closeAll(clients []*client.Client) {
	for _, c := range clients {
		_ = c.Close()
	}
}
