// feedprobe connects to a running feedgate instance, subscribes to the
// given instruments, and streams pushed snapshots to the console.
//
// Usage: go run ./cmd/feedprobe --url ws://localhost:8081 --stream quote 005930 000660
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
)

type request struct {
	Action       string `json:"action"`
	InstrumentID string `json:"instrumentId"`
	Venue        string `json:"venue,omitempty"`
}

type push struct {
	Type    string `json:"type"`
	Status  string `json:"status,omitempty"`
	Message string `json:"message,omitempty"`
	Data    struct {
		Venue        string            `json:"venue"`
		InstrumentID string            `json:"instrumentId"`
		Kind         string            `json:"kind"`
		Fields       map[string]string `json:"fields"`
		ObservedAt   time.Time         `json:"observedAt"`
	} `json:"data"`
}

func main() {
	url := flag.String("url", "ws://localhost:8081", "feedgate base url")
	stream := flag.String("stream", "quote", "stream plane: quote or trade")
	venue := flag.String("venue", "", "venue override (default venue when empty)")
	verbose := flag.Bool("verbose", false, "print full push JSON")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	instruments := flag.Args()
	if len(instruments) == 0 {
		logger.Error("no instruments given")
		fmt.Fprintln(os.Stderr, "usage: feedprobe [flags] INSTRUMENT_ID...")
		os.Exit(1)
	}

	endpoint := *url + "/ws/quotes"
	if *stream == "trade" {
		endpoint = *url + "/ws/trades"
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("received shutdown signal")
		cancel()
	}()

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		logger.Error("failed to connect", "url", endpoint, "error", err)
		os.Exit(1)
	}
	defer conn.Close()

	logger.Info("connected", "url", endpoint)

	for _, id := range instruments {
		req := request{Action: "subscribe", InstrumentID: id, Venue: *venue}
		if err := conn.WriteJSON(req); err != nil {
			logger.Error("subscribe failed", "instrument", id, "error", err)
			os.Exit(1)
		}
	}

	go func() {
		<-ctx.Done()
		conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		conn.Close()
	}()

	logger.Info("streaming started - press Ctrl+C to stop",
		"instruments", len(instruments),
	)

	frames := 0
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-ctx.Done():
				logger.Info("shutdown complete", "frames", frames)
				return
			default:
				logger.Error("read failed", "error", err)
				os.Exit(1)
			}
		}

		var p push
		if err := json.Unmarshal(data, &p); err != nil {
			logger.Warn("unparseable frame", "error", err)
			continue
		}

		switch p.Type {
		case "subscribe", "unsubscribe":
			fmt.Printf("[ACK] %s status=%s\n", p.Type, p.Status)
		case "error":
			fmt.Printf("[ERROR] %s\n", p.Message)
		case "quote":
			frames++
			if *verbose {
				out, _ := json.MarshalIndent(p.Data, "", "  ")
				fmt.Printf("[QUOTE] %s\n", out)
			} else {
				fmt.Printf("[QUOTE] %s ask1=%s bid1=%s total_ask=%s total_bid=%s\n",
					p.Data.InstrumentID,
					p.Data.Fields["ask_price_1"],
					p.Data.Fields["bid_price_1"],
					p.Data.Fields["total_ask_volume"],
					p.Data.Fields["total_bid_volume"],
				)
			}
		case "trade":
			frames++
			if *verbose {
				out, _ := json.MarshalIndent(p.Data, "", "  ")
				fmt.Printf("[TRADE] %s\n", out)
			} else {
				fmt.Printf("[TRADE] %s time=%s price=%s change=%s%s vol=%s\n",
					p.Data.InstrumentID,
					p.Data.Fields["trade_time"],
					p.Data.Fields["price"],
					p.Data.Fields["change_sign"],
					p.Data.Fields["change"],
					p.Data.Fields["volume"],
				)
			}
		}
	}
}
