package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/mossy-p/scramble-chat/internal/chat"
	"github.com/mossy-p/scramble-chat/internal/chatroom"
	"github.com/mossy-p/scramble-chat/internal/peer"
	"github.com/mossy-p/scramble-chat/internal/rendezvous"
	"github.com/mossy-p/scramble-chat/internal/scramble"
)

var joinOpts struct {
	server   string
	room     string
	name     string
	mode     string
	stun     []string
	poll     time.Duration
	plain    bool
	verbose  bool
}

var joinCmd = &cobra.Command{
	Use:   "join",
	Short: "Join a chat room",
	RunE:  runJoin,
}

func init() {
	joinCmd.Flags().StringVarP(&joinOpts.server, "server", "s", "http://localhost:8080", "signaling server base URL")
	joinCmd.Flags().StringVarP(&joinOpts.room, "room", "r", "", "room code to join")
	joinCmd.Flags().StringVarP(&joinOpts.name, "name", "n", "", "display name")
	joinCmd.Flags().StringVarP(&joinOpts.mode, "mode", "m", "silly", "scramble mode for outgoing messages")
	joinCmd.Flags().StringSliceVar(&joinOpts.stun, "stun", nil, "STUN server URLs (defaults to Google's)")
	joinCmd.Flags().DurationVar(&joinOpts.poll, "poll", rendezvous.DefaultPollInterval, "signal poll interval")
	joinCmd.Flags().BoolVar(&joinOpts.plain, "plain", false, "send messages without scrambling")
	joinCmd.Flags().BoolVarP(&joinOpts.verbose, "verbose", "v", false, "debug logging")
	_ = joinCmd.MarkFlagRequired("room")

	rootCmd.AddCommand(joinCmd)
}

func runJoin(cmd *cobra.Command, _ []string) error {
	userID := uuid.New().String()
	name := joinOpts.name
	if name == "" {
		name = "anon-" + userID[:8]
	}

	level := zerolog.WarnLevel
	if joinOpts.verbose {
		level = zerolog.DebugLevel
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		Level(level).With().Timestamp().Logger()

	var transformer scramble.Transformer
	if !joinOpts.plain {
		transformer = scramble.NewHTTPTransformer(joinOpts.server, nil)
	}

	engine := peer.NewEngine(joinOpts.stun)
	room := chatroom.New(chatroom.Config{
		RoomID:       joinOpts.room,
		UserID:       userID,
		UserName:     name,
		API:          rendezvous.NewHTTPSignalAPI(joinOpts.server, nil),
		Links:        engine.NewLink,
		Transformer:  transformer,
		PollInterval: joinOpts.poll,
		Logger:       log,
	}, chatroom.Callbacks{
		OnMessageReceived: func(env chat.Envelope) {
			fmt.Printf("[%s] %s\n", env.UserName, env.Message)
		},
		OnPeerConnected: func(peerID string) {
			fmt.Printf("* peer connected: %s\n", peerID)
		},
		OnPeerDisconnected: func(peerID string) {
			fmt.Printf("* peer disconnected: %s\n", peerID)
		},
	})

	historyPath, err := historyFile(joinOpts.room)
	if err == nil {
		if data, readErr := os.ReadFile(historyPath); readErr == nil {
			if impErr := room.Mirror().Import(data); impErr != nil {
				log.Warn().Err(impErr).Msg("could not import saved history")
			}
		}
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	room.Join(ctx)
	defer room.Leave()

	fmt.Printf("joined room %q as %s - waiting for peers\n", joinOpts.room, name)
	for _, msg := range room.History() {
		fmt.Printf("[%s] %s\n", msg.UserName, msg.Message)
	}

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	for {
		select {
		case <-quit:
			return saveHistory(room, historyPath)
		case line, ok := <-lines:
			if !ok {
				return saveHistory(room, historyPath)
			}
			line = strings.TrimSpace(line)
			switch {
			case line == "":
			case line == "/quit":
				return saveHistory(room, historyPath)
			case line == "/peers":
				fmt.Printf("connected peers: %v\n", room.ConnectedPeers())
			case strings.HasPrefix(line, "/mode "):
				joinOpts.mode = strings.TrimSpace(strings.TrimPrefix(line, "/mode "))
				fmt.Printf("scramble mode set to %q\n", joinOpts.mode)
			default:
				msg, sendErr := room.Send(ctx, line, joinOpts.mode)
				if sendErr != nil {
					fmt.Fprintf(os.Stderr, "! %v\n", sendErr)
				}
				fmt.Printf("[%s] %s\n", msg.UserName, msg.Message)
			}
		}
	}
}

func historyFile(roomID string) (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	dir := filepath.Join(home, ".scramble-chat")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return filepath.Join(dir, "history-"+roomID+".json"), nil
}

func saveHistory(room *chatroom.Room, path string) error {
	if path == "" {
		return nil
	}
	data, err := room.Mirror().Export()
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
