package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ddanshin/gopsich/internal/config"
	"github.com/ddanshin/gopsich/internal/llm"
	. "github.com/ddanshin/gopsich/internal/logging"
	"github.com/ddanshin/gopsich/internal/storage"
	"github.com/ddanshin/gopsich/internal/telegram"
)

const version = "0.1.0"

func main() {
	if len(os.Args) > 1 && os.Args[1] == "version" {
		fmt.Printf("gopsich %s\n", version)
		return
	}

	Init(DefaultConfig())

	L_info("gopsich %s starting", version)

	cfg, err := config.Load()
	if err != nil {
		L_fatal("failed to load config: %v", err)
	}
	SetLevel(ParseLevel(cfg.LogLevel))
	L_debug("config loaded")

	mgr, err := llm.NewManager(cfg)
	if err != nil {
		L_fatal("failed to build LLM manager: %v", err)
	}

	store, err := storage.New(cfg.Chat.StoragePath, cfg.Chat.ContextSize)
	if err != nil {
		L_fatal("failed to open storage: %v", err)
	}

	bot, err := telegram.New(cfg, mgr, store)
	if err != nil {
		L_fatal("failed to create telegram bot: %v", err)
	}

	bot.Start()
	L_info("gopsich ready")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	L_info("shutting down")
	bot.Stop()
}
