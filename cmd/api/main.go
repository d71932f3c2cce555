package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"time"

	"signflow/auth"
	"signflow/db"
	"signflow/document"
	"signflow/outbox"
	"signflow/signertoken"
	"signflow/signing"
)

func main() {
	ctx := context.Background()

	pool, err := db.NewPool(ctx, os.Getenv("DATABASE_URL"))
	if err != nil {
		log.Fatalf("bootstrap database pool: %v", err)
	}
	defer pool.Close()

	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		log.Fatal("JWT_SECRET is required")
	}

	docRepo := document.NewRepository(pool)
	queue := outbox.NewQueue(pool)
	issuer := signertoken.NewIssuer(pool)

	signingService := signing.NewService(pool, signing.NewRepository(pool), issuer, docRepo, queue)
	if ttl, err := time.ParseDuration(os.Getenv("SIGNING_TOKEN_TTL")); err == nil {
		signingService.WithTokenTTL(ttl)
	}

	server := &Server{
		authService:     auth.NewService(auth.NewRepository(pool), jwtSecret),
		documentService: document.NewService(docRepo),
		signingService:  signingService,
	}

	// The sweep is an optimization only; lazy evaluation on read is correct
	// without it.
	if interval, err := time.ParseDuration(os.Getenv("EXPIRY_SWEEP_INTERVAL")); err == nil && interval > 0 {
		go runExpirySweep(ctx, signingService, interval)
	}

	addr := os.Getenv("LISTEN_ADDR")
	if addr == "" {
		addr = ":8080"
	}

	log.Printf("signature workflow api listening on %s", addr)
	if err := http.ListenAndServe(addr, server.routes()); err != nil {
		log.Fatalf("http server: %v", err)
	}
}

func runExpirySweep(ctx context.Context, svc *signing.Service, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := svc.ExpireOverdue(ctx)
			if err != nil {
				log.Printf("expiry sweep: %v", err)
				continue
			}
			if n > 0 {
				log.Printf("expiry sweep: expired %d overdue signing requests", n)
			}
		}
	}
}
