package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/ncavallini/go-chat-server/internal/api"
	"github.com/ncavallini/go-chat-server/internal/chat"
	"github.com/ncavallini/go-chat-server/internal/config"
	"github.com/ncavallini/go-chat-server/internal/database"
	"github.com/ncavallini/go-chat-server/internal/stats"
)

const defaultSigningKey = "a2V5LWZvci1sb2NhbC1kZXYtb25seS1jaGFuZ2UtbWU="

type stringSliceFlag []string

func (s *stringSliceFlag) String() string {
	return strings.Join(*s, ",")
}

func (s *stringSliceFlag) Set(value string) error {
	*s = append(*s, strings.Split(value, ",")...)
	return nil
}

var (
	addr           string
	dsn            string
	signingKey     string
	inMemory       bool
	allowedOrigins stringSliceFlag
)

func main() {
	flag.StringVar(&addr, "addr", "localhost:8000", "server address")
	flag.StringVar(&dsn, "dsn", "host=localhost user=postgres password=postgres dbname=postgres sslmode=disable", "database connection string")
	flag.StringVar(&signingKey, "signing-key", defaultSigningKey, "base64 encoded signing key")
	flag.BoolVar(&inMemory, "in-memory", false, "use the in-memory message store instead of postgres")
	flag.Var(&allowedOrigins, "allowed-origins", "comma-separated list of allowed origins for CORS")
	flag.Parse()

	logger := log.New(os.Stderr, "[chat-server] ", log.LstdFlags)

	cfg, err := config.NewConfig(addr, dsn, signingKey, allowedOrigins, inMemory)
	if err != nil {
		logger.Fatal("config:", err)
	}

	var repo database.ChatRepository
	if cfg.InMemory {
		repo = database.NewMemoryChatRepository()
	} else {
		pgRepo, err := database.NewPgChatRepository(cfg.DatabaseDSN)
		if err != nil {
			logger.Fatal("db open:", err)
		}
		defer func() {
			if err := pgRepo.Close(); err != nil {
				logger.Println("db close:", err)
			}
		}()

		if err := pgRepo.Migrate(); err != nil {
			logger.Fatal("migrate:", err)
		}
		repo = pgRepo
	}

	mux := http.NewServeMux()

	statsUpdater := stats.NewStatsUpdater(mux)

	registry := chat.NewRegistry()
	chatServer, err := chat.NewChatServer(logger, repo, registry, statsUpdater)
	if err != nil {
		logger.Fatal("new chat server:", err)
	}

	srv := api.NewChatApp(mux, logger, chatServer, repo, cfg)

	statsUpdater.Run()
	defer statsUpdater.Stop()

	go chatServer.Run()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		logger.Printf("received signal: %s\n", sig)
	case err := <-errCh:
		logger.Println("server:", err)
	}

	shutDownCtx, cancel := context.WithTimeout(
		context.Background(),
		10*time.Second,
	)
	defer cancel()

	if err := srv.Shutdown(shutDownCtx); err != nil {
		logger.Fatalln("HTTP server shutdown:", err)
	}

	logger.Println("shutting down chat server...")
	if err := chatServer.Shutdown(shutDownCtx); err != nil {
		logger.Fatalln("chat server shutdown:", err)
	}

	logger.Println("shutdown complete")
}
