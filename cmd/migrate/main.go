package main

import (
	"context"
	"fmt"
	"log"
	"os"

	_ "github.com/lib/pq"

	"github.com/genropy/mail-proxy/internal/storage"
)

// migrate applies the core's schema (tenants, accounts, messages,
// message_events, account_send_log, command_log, instance) idempotently,
// replacing the teacher's external .sql-directory runner now that
// storage.Migrate owns the DDL directly.
func main() {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		log.Fatal("DATABASE_URL is required")
	}

	listOnly := len(os.Args) > 1 && os.Args[1] == "--list"

	store, err := storage.Open(dsn, 5, 2, 0)
	if err != nil {
		log.Fatalf("connect: %v", err)
	}
	defer store.Close()
	log.Println("Connected to database")

	ctx := context.Background()

	if listOnly {
		tables, err := store.ListTables(ctx)
		if err != nil {
			log.Fatalf("list tables: %v", err)
		}
		for _, t := range tables {
			fmt.Println(" ", t)
		}
		fmt.Printf("Total: %d tables\n", len(tables))
		return
	}

	if err := store.Migrate(ctx); err != nil {
		log.Fatalf("migrate: %v", err)
	}
	log.Println("Migrations complete")
}
