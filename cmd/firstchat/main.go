// Command firstchat opens a single direct chat with one peer in the terminal.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/xiaot623/firstchat/internal/chat"
	"github.com/xiaot623/firstchat/internal/config"
	"github.com/xiaot623/firstchat/internal/event"
	"github.com/xiaot623/firstchat/internal/messaging"
	"github.com/xiaot623/firstchat/internal/messaging/wsclient"
)

func main() {
	configPath := flag.String("config", os.Getenv("CHAT_CONFIG"), "Path to a TOML config file")
	addr := flag.String("addr", "", "WebSocket server address (overrides config)")
	token := flag.String("token", "", "Session token (overrides config)")
	peer := flag.String("peer", "", "Peer user serial (overrides config)")
	name := flag.String("name", "", "Display name (overrides config)")
	flag.Parse()

	cfg, err := config.LoadClient(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if *addr != "" {
		cfg.Addr = *addr
	}
	if *token != "" {
		cfg.Token = *token
	}
	if *peer != "" {
		cfg.Peer = *peer
	}
	if *name != "" {
		cfg.DisplayName = *name
	}

	// The terminal belongs to the UI, so logs go to a file.
	if cfg.LogFile != "" {
		f, err := tea.LogToFile(cfg.LogFile, "firstchat")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file: %v\n", err)
			os.Exit(1)
		}
		defer f.Close()
	} else {
		log.SetOutput(io.Discard)
	}

	bus := event.NewBus()
	session := messaging.NewSession()

	log.Printf("Connecting to %s...", cfg.Addr)
	client, err := wsclient.Dial(context.Background(), cfg.Addr, wsclient.Options{
		RequestTimeout: cfg.RequestTimeout(),
		WriteTimeout:   cfg.WriteTimeout(),
		PingInterval:   cfg.PingInterval(),
		MaxMessageSize: cfg.MaxMessageSize,
	}, session, bus)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to connect: %v\n", err)
		os.Exit(1)
	}
	defer client.Close()

	m := chat.New(client, session, bus, chat.Options{
		Token:        cfg.Token,
		Peer:         cfg.Peer,
		DisplayName:  cfg.DisplayName,
		RoomMeta:     messaging.Meta{"name": cfg.RoomName},
		HistoryLimit: cfg.HistoryLimit,
	})
	defer m.Close()

	if _, err := tea.NewProgram(m, tea.WithAltScreen()).Run(); err != nil {
		log.Printf("UI error: %v", err)
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
}
