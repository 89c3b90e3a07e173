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

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"chatsync/config"
	"chatsync/delivery"
	"chatsync/storage"
	"chatsync/transport"
)

func main() {
	_ = godotenv.Load()

	logger := logrus.New()
	if level, err := logrus.ParseLevel(os.Getenv("CHATSYNC_LOG_LEVEL")); err == nil {
		logger.SetLevel(level)
	} else {
		logger.SetLevel(logrus.InfoLevel)
	}

	cfg, cfgPath, err := config.LoadOrCreate()
	if err != nil {
		logger.Fatalf("startup failed while loading config: %v", err)
	}
	dataDir := filepath.Dir(cfgPath)

	fmt.Printf("User ID:         %s\n", cfg.UserID)
	fmt.Printf("Display Name:    %s\n", cfg.DisplayName)
	fmt.Printf("Server:          %s\n", cfg.ServerURL)
	fmt.Printf("Config File:     %s\n", cfgPath)
	fmt.Printf("Data Directory:  %s\n", dataDir)

	store, dbPath, err := storage.Open(dataDir)
	if err != nil {
		logger.Fatalf("startup failed while opening database: %v", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Errorf("database close error: %v", err)
		}
	}()
	fmt.Printf("Database File:   %s\n", dbPath)

	images, err := delivery.NewImageStore(dataDir)
	if err != nil {
		logger.Fatalf("startup failed while preparing image store: %v", err)
	}

	channel, err := transport.NewWSChannel(cfg.ServerURL, cfg.UserID, logger)
	if err != nil {
		logger.Fatalf("startup failed while building transport: %v", err)
	}

	tracker, err := delivery.NewReadReceiptTracker(store, channel, logger)
	if err != nil {
		logger.Fatalf("startup failed while building read receipt tracker: %v", err)
	}

	engine, err := delivery.NewEngine(delivery.EngineConfig{
		Store:       store,
		Channel:     channel,
		Images:      images,
		Tracker:     tracker,
		LocalUserID: cfg.UserID,
		DisplayName: cfg.DisplayName,
		OnBackgroundMessage: func(msg transport.Inbound) {
			logger.WithField("sender", msg.SenderID).Info("message for untracked conversation")
		},
		Logger: logger,
	})
	if err != nil {
		logger.Fatalf("startup failed while building delivery engine: %v", err)
	}

	scheduler, err := delivery.NewRetryScheduler(engine, cfg.UserID, logger)
	if err != nil {
		logger.Fatalf("startup failed while building retry scheduler: %v", err)
	}
	defer scheduler.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	channel.SetHandlers(transport.Handlers{
		OnMessage: func(msg transport.Inbound) {
			if err := engine.Reconcile(ctx, msg); err != nil {
				logger.WithError(err).Error("reconcile failed")
			}
		},
		OnReadReceipt:     tracker.OnReadReceiptReceived,
		OnConnectionState: scheduler.OnConnectionStateChanged,
	})
	channel.Start()
	defer channel.Close()

	go printStoreChanges(store, cfg.UserID)

	fmt.Println("Status:          running")
	fmt.Println("Commands: /open <user>, /send <text>, /delete <id>, /quit")
	runShell(ctx, shellDeps{
		engine:    engine,
		tracker:   tracker,
		scheduler: scheduler,
		localID:   cfg.UserID,
	})
	fmt.Println("Status:          shutting down")
}

type shellDeps struct {
	engine    *delivery.Engine
	tracker   *delivery.ReadReceiptTracker
	scheduler *delivery.RetryScheduler
	localID   string
}

// runShell is a minimal line-oriented front end; any real UI would subscribe
// to the store's change feed instead.
func runShell(ctx context.Context, deps shellDeps) {
	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	var partner string
	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			command, arg, _ := strings.Cut(strings.TrimSpace(line), " ")
			switch command {
			case "/quit":
				return
			case "/open":
				if arg == "" {
					fmt.Println("usage: /open <user>")
					continue
				}
				partner = arg
				deps.engine.SetActiveConversation(partner)
				if err := deps.engine.SyncHistory(ctx, partner); err != nil {
					fmt.Printf("history sync failed: %v\n", err)
				}
				if err := deps.tracker.OnConversationOpened(ctx, deps.localID, partner); err != nil {
					fmt.Printf("read receipt failed: %v\n", err)
				}
				deps.scheduler.ConversationOpened()
			case "/send":
				if partner == "" {
					fmt.Println("open a conversation first: /open <user>")
					continue
				}
				if _, err := deps.engine.Send(ctx, arg, nil, partner); err != nil {
					fmt.Printf("send failed: %v\n", err)
				}
			case "/delete":
				if err := deps.engine.DeleteMessage(arg); err != nil {
					fmt.Printf("delete failed: %v\n", err)
				}
			default:
				fmt.Println("unknown command")
			}
		}
	}
}

func printStoreChanges(store *storage.Store, localID string) {
	for change := range store.Subscribe() {
		msg := change.Message
		direction := "->"
		if msg.SenderID != localID {
			direction = "<-"
		}
		fmt.Printf("[%s] %s %s %s: %s\n", change.Op, direction, msg.Status, msg.MessageID, msg.Body)
	}
}
