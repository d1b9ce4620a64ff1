package main

import (
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"

	"txopito/backend/internal/config"
	"txopito/backend/internal/logger"
	"txopito/backend/internal/service"
	sqlstore "txopito/backend/internal/storage/sql"
)

// main 向凭证池注入一条密钥的运维工具。
// 用法: addkey -secret <密钥> [-name <标签>]
func main() {
	secret := flag.String("secret", "", "上游 API 密钥")
	name := flag.String("name", "", "凭证标签（可选）")
	flag.Parse()

	if *secret == "" {
		fmt.Fprintln(os.Stderr, "usage: addkey -secret <key> [-name <label>]")
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.Config{Level: "warn"})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	if cfg.Database.Type == "" || cfg.Database.DSN == "" {
		log.Fatal("addkey requires database storage (memory storage is per-process)")
	}

	store, err := sqlstore.NewStore(
		cfg.Database.Type,
		cfg.Database.DSN,
		cfg.Database.MaxOpenConns,
		cfg.Database.MaxIdleConns,
		cfg.Database.ConnMaxLifetime,
	)
	if err != nil {
		log.Fatal("failed to open database", zap.Error(err))
	}
	defer store.Close()

	events := service.NewRotationEventService(store, log)
	keys := service.NewKeyStoreService(store, events, log)

	key, err := keys.Add(*secret, *name)
	if err != nil {
		log.Fatal("add key failed", zap.Error(err))
	}
	fmt.Printf("added key %s (%s)\n", key.ID, key.MaskedSecret())
}
