package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/genropy/mail-proxy/internal/attachment"
	"github.com/genropy/mail-proxy/internal/command"
	"github.com/genropy/mail-proxy/internal/config"
	"github.com/genropy/mail-proxy/internal/mpapi"
	"github.com/genropy/mail-proxy/internal/ratelimit"
	"github.com/genropy/mail-proxy/internal/receiver"
	"github.com/genropy/mail-proxy/internal/reporter"
	"github.com/genropy/mail-proxy/internal/scheduler"
	"github.com/genropy/mail-proxy/internal/smtppool"
	"github.com/genropy/mail-proxy/internal/storage"
)

func checkPortAvailable(host string, port int) error {
	addr := fmt.Sprintf("%s:%d", host, port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("port %d is already in use (addr %s): %v\n"+
			"  Hint: Run 'lsof -i :%d' to find the blocking process", port, addr, err, port)
	}
	ln.Close()
	return nil
}

func extractHost(dsn string) string {
	at := strings.Index(dsn, "@")
	if at < 0 {
		return "(unknown)"
	}
	rest := dsn[at+1:]
	if slash := strings.Index(rest, "/"); slash >= 0 {
		rest = rest[:slash]
	}
	return rest
}

func main() {
	log.Println("Starting mail-proxy server...")

	cfg, err := config.LoadFromEnv("config/config.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	if err := checkPortAvailable(cfg.Server.Host, cfg.Server.Port); err != nil {
		log.Fatalf("%v", err)
	}

	log.Printf("Connecting to database at %s", extractHost(cfg.Database.DSN))
	store, err := storage.Open(cfg.Database.DSN, cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns, cfg.Database.ConnMaxLifetime())
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer store.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := store.Migrate(ctx); err != nil {
		log.Fatalf("Failed to migrate schema: %v", err)
	}
	log.Println("Schema migration complete")

	var rateCache *ratelimit.RedisCache
	if cfg.Redis.Enabled {
		rateCache, err = ratelimit.NewRedisCache(cfg.Redis.URL, cfg.Redis.TTL())
		if err != nil {
			log.Fatalf("Failed to connect to redis: %v", err)
		}
		defer rateCache.Close()
		log.Println("Rate limiter hot-path cache enabled")
	}
	limiter := ratelimit.New(store, rateCache)
	pool := smtppool.New(cfg.SMTP.DefaultTTL(), cfg.SMTP.DialTimeout())

	cache := attachment.NewCache(
		cfg.Attachment.MemoryCacheBudgetBytes, cfg.Attachment.MemoryCacheTTL(),
		cfg.Attachment.DiskCacheDir, cfg.Attachment.DiskCacheBudgetBytes, cfg.Attachment.DiskCacheTTL(),
	)
	fetcher := attachment.NewFetcher(cache, cfg.Attachment.FilesystemBaseDir, cfg.Attachment.MaxAttachmentBytes)

	var s3Backend *attachment.S3Backend
	if cfg.S3.Bucket != "" {
		s3Backend, err = attachment.NewS3Backend(ctx, cfg.S3.Region, cfg.S3.Profile, cfg.S3.Bucket)
		if err != nil {
			log.Fatalf("Failed to initialize S3 backend: %v", err)
		}
		log.Printf("Large-attachment rewrite enabled (bucket %s)", cfg.S3.Bucket)
	} else {
		log.Println("S3_BUCKET not configured, large-attachment rewrite disabled")
	}

	sched := scheduler.New(store, limiter, pool, fetcher, s3Backend, cfg.Scheduler)
	rep := reporter.New(store, cfg.Reporter)
	recv := receiver.New(store, cfg.Receiver)
	dispatcher := command.New(store, sched, rep)

	go sched.Run(ctx)
	go rep.Run(ctx)
	go recv.Run(ctx)

	router := mpapi.NewRouter(cfg.Auth, store, dispatcher)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:    addr,
		Handler: router,
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Printf("Listening on %s", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	log.Println("All components started — server is ready")

	<-done
	log.Println("Shutting down...")

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}

	log.Println("Server stopped")
}
