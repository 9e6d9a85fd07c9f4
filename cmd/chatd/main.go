// Command chatd is a development messaging service for firstchat.
//
//	chatd [serve] [-config chatd.toml]
//	chatd announce -chat <id> -text <text> [-addr localhost:8091]
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/xiaot623/firstchat/internal/config"
	"github.com/xiaot623/firstchat/internal/hub"
	internalhttp "github.com/xiaot623/firstchat/internal/http"
	"github.com/xiaot623/firstchat/internal/policy"
	"github.com/xiaot623/firstchat/internal/store"
	"github.com/xiaot623/firstchat/internal/transport/rpc"
	"github.com/xiaot623/firstchat/internal/ws"
)

func main() {
	args := os.Args[1:]
	cmd := "serve"
	if len(args) > 0 && (args[0] == "serve" || args[0] == "announce") {
		cmd, args = args[0], args[1:]
	}

	var err error
	switch cmd {
	case "announce":
		err = announce(args)
	default:
		err = serve(args)
	}
	if err != nil {
		log.Fatal(err)
	}
}

func serve(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", os.Getenv("CHAT_CONFIG"), "Path to a TOML config file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	// Load configuration
	cfg, err := config.LoadServer(*configPath)
	if err != nil {
		return err
	}

	log.Printf("Starting chatd...")
	log.Printf("WebSocket Port: %d", cfg.WSPort)
	log.Printf("RPC Port: %d", cfg.RPCPort)
	log.Printf("Database: %s", cfg.DatabaseURL)
	log.Printf("Log level: %s", cfg.LogLevel)

	// Initialize store
	st, err := store.NewSQLiteStore(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	// Initialize policy engine
	engine, err := policy.NewEngine(context.Background(), policy.DefaultPolicy)
	if err != nil {
		return fmt.Errorf("failed to load policy: %w", err)
	}

	// Initialize hub
	connectionHub := hub.NewHub()
	go connectionHub.Run()
	defer connectionHub.Stop()

	wsServer := ws.NewServer(cfg, connectionHub, st, engine)
	httpServer := internalhttp.NewServer(connectionHub, wsServer)
	if err := httpServer.SetLogLevel(cfg.LogLevel); err != nil {
		return err
	}

	rpcServer, err := rpc.NewServer(wsServer)
	if err != nil {
		return fmt.Errorf("failed to create RPC server: %w", err)
	}

	// Start WebSocket server
	go func() {
		addr := fmt.Sprintf(":%d", cfg.WSPort)
		if err := httpServer.Start(addr); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start WebSocket server: %v", err)
		}
	}()

	// Start RPC server
	go func() {
		addr := fmt.Sprintf(":%d", cfg.RPCPort)
		if err := rpcServer.Start(addr); err != nil {
			log.Fatalf("Failed to start RPC server: %v", err)
		}
	}()

	log.Printf("WebSocket server started on port %d", cfg.WSPort)
	log.Printf("RPC server started on port %d", cfg.RPCPort)

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down chatd...")

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("Failed to shutdown WebSocket server gracefully: %v", err)
	}
	if err := rpcServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("Failed to shutdown RPC server gracefully: %v", err)
	}

	log.Println("chatd stopped")
	return nil
}

func announce(args []string) error {
	fs := flag.NewFlagSet("announce", flag.ExitOnError)
	addr := fs.String("addr", "localhost:8091", "RPC address of chatd")
	chatID := fs.String("chat", "", "Chat ID")
	text := fs.String("text", "", "Announcement text")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *chatID == "" || *text == "" {
		fs.Usage()
		return fmt.Errorf("-chat and -text are required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	resp, err := rpc.NewClient(*addr).Announce(ctx, *chatID, *text)
	if err != nil {
		return err
	}
	fmt.Printf("posted %s (delivered to %d connections)\n", resp.MessageID, resp.Delivered)
	return nil
}
