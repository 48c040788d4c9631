// clockshare is a terminal client for sharing clock readings through a
// relay room: it joins a room, publishes local time once a second, and
// prints what the other members publish.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/chronoshare/collab/internal/protocol"
	"github.com/chronoshare/collab/internal/session"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Debug().Err(err).Msg("could not load .env file")
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.WarnLevel)

	url := flag.String("url", envOr("RELAY_URL", "ws://localhost:3001/ws"), "relay websocket URL")
	room := flag.String("room", "", "room id to join (3-20 chars of [A-Za-z0-9_-])")
	user := flag.String("user", "", "user id (defaults to a generated one)")
	flag.Parse()

	if *room == "" {
		fmt.Fprintln(os.Stderr, "usage: clockshare -room <room-id> [-url <ws-url>] [-user <id>]")
		os.Exit(2)
	}

	userID := *user
	if userID == "" {
		userID = uuid.New().String()[:8]
	}

	statePath, err := session.DefaultStatePath()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to resolve state path")
	}

	mgr := session.New(session.Config{
		URL:   *url,
		Store: session.NewFileStore(statePath, clockwork.NewRealClock()),
	})
	defer mgr.Disconnect()

	mgr.On(session.EventUserJoin, func(msg protocol.Message) {
		fmt.Printf("* %s joined\n", msg.(*protocol.UserJoin).ID)
	})
	mgr.On(session.EventUserLeave, func(msg protocol.Message) {
		fmt.Printf("* %s left\n", msg.(*protocol.UserLeave).ID)
	})
	mgr.On(session.EventRoomUsers, func(msg protocol.Message) {
		fmt.Printf("* room members: %v\n", msg.(*protocol.RoomUsers).Users)
	})
	mgr.On(session.EventTimeUpdate, func(msg protocol.Message) {
		update := msg.(*protocol.TimeUpdate)
		fmt.Printf("  %s -> %s\n", update.UserID, update.Time)
	})
	mgr.On(session.EventError, func(msg protocol.Message) {
		fmt.Fprintf(os.Stderr, "! relay error: %s\n", msg.(*protocol.Error).Message)
	})

	if err := mgr.Connect(userID); err != nil {
		log.Fatal().Err(err).Msg("connect failed")
	}
	if err := waitConnected(mgr, 15*time.Second); err != nil {
		log.Fatal().Err(err).Msg("could not reach relay")
	}

	joinCtx, joinCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer joinCancel()
	if err := mgr.JoinRoom(joinCtx, *room); err != nil {
		log.Fatal().Err(err).Str("room", *room).Msg("failed to join room")
	}
	fmt.Printf("joined %s as %s\n", *room, userID)

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	for {
		select {
		case now := <-ticker.C:
			if err := mgr.UpdateTime(now); err != nil {
				log.Warn().Err(err).Msg("time update dropped")
			}
		case <-sigChan:
			fmt.Println("\nleaving")
			mgr.LeaveRoom()
			return
		}
	}
}

// waitConnected polls the session state until the transport is up, the
// retries are exhausted, or the deadline passes.
func waitConnected(mgr *session.Manager, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		switch mgr.State() {
		case session.StateConnected:
			return nil
		case session.StateFailed:
			return fmt.Errorf("relay unreachable, retries exhausted")
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("timed out waiting for connection")
}

func envOr(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
