package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/syncdrax/relay/internal/auth"
	"github.com/syncdrax/relay/loadtest/client"
	"github.com/syncdrax/relay/loadtest/stats"
)

// runChat connects users in pairs and has each send direct messages to its
// partner. Tokens are minted locally with the relay's shared secret.
func runChat(args []string) {
	fs := flag.NewFlagSet("chat", flag.ExitOnError)
	base := fs.String("url", "ws://localhost:8080", "relay base URL")
	metricsURL := fs.String("metrics", "http://localhost:8080/metrics", "relay metrics URL (empty to skip)")
	secret := fs.String("secret", os.Getenv("JWT_SECRET"), "token signing secret")
	users := fs.Int("users", 100, "number of users (rounded down to pairs)")
	firstID := fs.Int64("first-id", 1_000_000, "user id of the first simulated user")
	rate := fs.Duration("every", time.Second, "interval between messages per user")
	duration := fs.Duration("duration", 30*time.Second, "send phase duration")
	fs.Parse(args)

	if *secret == "" {
		fmt.Fprintln(os.Stderr, "a signing secret is required (-secret or JWT_SECRET)")
		os.Exit(1)
	}
	pairs := *users / 2
	fmt.Printf("Chat test: %d pairs against %s (every=%s, duration=%s)\n", pairs, *base, *rate, *duration)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := stats.NewCollector()
	scraper := startScraper(ctx, collector, *metricsURL)
	issuer := auth.NewVerifier(*secret)

	type user struct {
		id      int64
		partner int64
		c       *client.Client
	}
	var (
		mu     sync.Mutex
		online []user
		wg     sync.WaitGroup
	)
	for i := 0; i < pairs*2; i++ {
		id := *firstID + int64(i)
		partner := id + 1
		if i%2 == 1 {
			partner = id - 1
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			c, err := dialUser(ctx, *base, issuer, id, collector)
			if err != nil {
				return
			}
			mu.Lock()
			online = append(online, user{id: id, partner: partner, c: c})
			mu.Unlock()
		}()
	}
	wg.Wait()
	fmt.Printf("Connected %d/%d users\n", collector.ConnectionCount(), pairs*2)

	sendCtx, cancel := context.WithTimeout(ctx, *duration)
	defer cancel()
	for _, u := range online {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ticker := time.NewTicker(*rate)
			defer ticker.Stop()
			for {
				select {
				case <-sendCtx.Done():
					return
				case <-u.c.Done():
					collector.AddError()
					return
				case <-ticker.C:
					err := u.c.Send(map[string]interface{}{
						"type":       "dm",
						"to_user_id": u.partner,
						"content":    strconv.FormatInt(time.Now().UnixNano(), 10),
					})
					if err != nil {
						collector.AddError()
						return
					}
				}
			}
		}()
	}
	wg.Wait()

	for _, u := range online {
		_ = u.c.Close()
	}
	if scraper != nil {
		scraper.Stop()
	}
	collector.Report()
}

func dialUser(ctx context.Context, base string, issuer *auth.Verifier, id int64, collector *stats.Collector) (*client.Client, error) {
	token, err := issuer.Issue(id, "", time.Hour)
	if err != nil {
		collector.AddError()
		return nil, err
	}
	url := fmt.Sprintf("%s/ws/chat/%d?token=%s", base, id, token)

	ready := make(chan struct{})
	var once sync.Once

	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	c, err := client.New(connCtx, url, func(c *client.Client) {
		c.On("pong", func(json.RawMessage) { once.Do(func() { close(ready) }) })
		c.On("rate_limited", func(json.RawMessage) { collector.AddRejected() })
		c.On("dm", func(raw json.RawMessage) {
			var frame struct {
				Message struct {
					SenderID int64  `json:"sender_id"`
					Content  string `json:"content"`
				} `json:"message"`
			}
			if json.Unmarshal(raw, &frame) != nil || frame.Message.SenderID == id {
				return
			}
			if sent, err := strconv.ParseInt(frame.Message.Content, 10, 64); err == nil {
				collector.AddFanout(time.Since(time.Unix(0, sent)))
			}
		})
	})
	if err != nil {
		collector.AddError()
		return nil, err
	}

	// A pong proves the session passed authentication and is attached.
	if err := c.Send(map[string]string{"type": "ping"}); err != nil {
		collector.AddError()
		_ = c.Close()
		return nil, err
	}
	select {
	case <-ready:
		collector.AddConnect(c.GetMetrics().ConnectLatency)
		return c, nil
	case <-c.Done():
		collector.AddError()
		return nil, fmt.Errorf("closed before ready (code %d)", c.CloseCode())
	case <-connCtx.Done():
		collector.AddError()
		_ = c.Close()
		return nil, connCtx.Err()
	}
}
