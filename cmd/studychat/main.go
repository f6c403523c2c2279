package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"

	"StudyChat/internal/chat"
	"StudyChat/internal/config"
	"StudyChat/internal/gemini"
	"StudyChat/internal/session"
	"StudyChat/internal/telemetry"

	"github.com/joho/godotenv"
)

func main() {
	var cfg config.Config
	var models string

	flag.StringVar(&cfg.UserID, "user", config.DefaultUserID, "User identity used to scope stored sessions")
	flag.StringVar(&cfg.DBPath, "db", config.DefaultDBPath, "SQLite database path")
	flag.StringVar(&models, "models", "", "Comma-separated candidate models, most capable first")
	flag.BoolVar(&cfg.Debug, "debug", false, "Enable debug logging")
	flag.Parse()

	// .env is optional; the environment variable alone is fine.
	_ = godotenv.Load()
	cfg.APIKey = os.Getenv(config.EnvAPIKey)
	if cfg.APIKey == "" {
		fmt.Fprintf(os.Stderr, "%s not set\n", config.EnvAPIKey)
		os.Exit(1)
	}
	if models != "" {
		cfg.Models = strings.Split(models, ",")
	}

	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(cfg config.Config) error {
	logger, err := telemetry.InitLogger(cfg.Debug)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	ctx := context.Background()
	tracer, meter, cleanup, err := telemetry.InitTelemetry(ctx)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer cleanup()

	db, err := telemetry.InitDB(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer db.Close()

	store := session.NewStore(db, logger)
	client := gemini.NewClient(cfg.APIKey, cfg.Models, chat.SystemPrompt, logger, tracer, meter)
	conv := chat.New(cfg.UserID, client, store, logger)

	fmt.Println("=== StudyChat ===")
	fmt.Println("Type /help for commands, /quit to exit")
	fmt.Println()
	fmt.Printf("Bot: %s\n\n", conv.Messages()[0].Content)

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("You: ")
		if !scanner.Scan() {
			break
		}

		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}

		if strings.HasPrefix(input, "/") {
			quit, err := handleCommand(ctx, input, conv, store, cfg.UserID)
			if err != nil {
				fmt.Printf("Error: %v\n", err)
				logger.Error("command error", "error", err)
			}
			if quit {
				break
			}
			continue
		}

		reply, err := conv.Send(ctx, input)
		if errors.Is(err, context.Canceled) {
			continue
		}
		if err != nil {
			logger.Error("failed to send message", "error", err)
		}
		if reply != "" {
			fmt.Printf("Bot: %s\n\n", reply)
		}
	}

	fmt.Println("Goodbye!")
	return nil
}

func handleCommand(ctx context.Context, cmd string, conv *chat.Chat, store *session.Store, userID string) (bool, error) {
	switch cmd {
	case "/quit", "/exit":
		return true, nil

	case "/new":
		conv.Reset()
		fmt.Printf("Started a new conversation.\n\nBot: %s\n\n", conv.Messages()[0].Content)
		return false, nil

	case "/sessions":
		sessions, err := store.LoadAll(ctx, userID)
		if err != nil {
			return false, fmt.Errorf("failed to load sessions: %w", err)
		}
		if len(sessions) == 0 {
			fmt.Println("No stored sessions.")
			return false, nil
		}
		fmt.Println("\nStored sessions (most recent first):")
		for i, sess := range sessions {
			fmt.Printf("%d. %s - %d messages, last updated %s\n",
				i+1, sess.ID, len(sess.Messages), sess.LastUpdated.Format("2006-01-02 15:04"))
		}
		fmt.Println()
		return false, nil

	case "/clear":
		if err := store.Clear(ctx, userID); err != nil {
			return false, fmt.Errorf("failed to clear sessions: %w", err)
		}
		conv.Reset()
		fmt.Println("Cleared all stored sessions.")
		return false, nil

	case "/help":
		fmt.Println("Available commands:")
		fmt.Println("  /quit, /exit - Exit StudyChat")
		fmt.Println("  /new         - Start a new conversation")
		fmt.Println("  /sessions    - List stored sessions")
		fmt.Println("  /clear       - Delete all stored sessions")
		fmt.Println("  /help        - Show this help message")
		return false, nil

	default:
		return false, nil
	}
}
