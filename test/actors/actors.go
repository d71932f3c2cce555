package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"signflow/document"
	"signflow/outbox"
	"signflow/signertoken"
	"signflow/signing"
)

// expectedErr reports whether an error is a legal domain rejection under
// contention rather than a harness failure.
func expectedErr(err error) bool {
	return errors.Is(err, signing.ErrNotYourTurn) ||
		errors.Is(err, signing.ErrRequestClosed) ||
		errors.Is(err, signing.ErrInvalidState) ||
		errors.Is(err, signing.ErrDuplicateActiveRequest) ||
		errors.Is(err, signing.ErrRequestNotFound) ||
		errors.Is(err, signertoken.ErrTokenConsumed) ||
		errors.Is(err, signertoken.ErrTokenExpired) ||
		errors.Is(err, signertoken.ErrTokenNotFound) ||
		errors.Is(err, signertoken.ErrTokenOrphaned)
}

// Lifecycle drives complete signing runs through the real service stack: new
// document, new request, send, then concurrent submissions of every link
// including deliberate replays. Some runs are cancelled or declined midway.
func Lifecycle(ctx context.Context, pool *pgxpool.Pool, ownerID string, stop <-chan struct{}) error {
	docRepo := document.NewRepository(pool)
	svc := signing.NewService(pool, signing.NewRepository(pool), signertoken.NewIssuer(pool), docRepo, outbox.NewQueue(pool))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		if err := runOnce(ctx, docRepo, svc, ownerID); err != nil {
			return err
		}
		time.Sleep(time.Duration(20+rand.Intn(40)) * time.Millisecond)
	}
}

func runOnce(ctx context.Context, docRepo *document.Repository, svc *signing.Service, ownerID string) error {
	doc, ver, err := docRepo.Create(ctx, document.CreateParams{
		OwnerUserID: ownerID,
		Name:        fmt.Sprintf("Stress Doc %d", rand.Int63()),
		ContentHash: fmt.Sprintf("sha256:%d", rand.Int63()),
		StorageKey:  fmt.Sprintf("s3://stress/%d.pdf", rand.Int63()),
	})
	if err != nil {
		return fmt.Errorf("lifecycle create document: %w", err)
	}

	mode := signing.ModeSequential
	if rand.Intn(2) == 0 {
		mode = signing.ModeParallel
	}
	n := 2 + rand.Intn(2)
	signers := make([]signing.SignerParams, 0, n)
	for i := 0; i < n; i++ {
		signers = append(signers, signing.SignerParams{
			Name:  fmt.Sprintf("Signer %d", i+1),
			Email: fmt.Sprintf("s%d-%d@example.com", i+1, rand.Int63()),
		})
	}

	req, err := svc.Create(ctx, signing.CreateParams{
		DocumentID:        doc.ID,
		DocumentVersionID: ver.ID,
		Mode:              mode,
		CreatedBy:         ownerID,
		Signers:           signers,
	})
	if err != nil {
		if expectedErr(err) {
			return nil
		}
		return fmt.Errorf("lifecycle create request: %w", err)
	}

	links, err := svc.SendForSigning(ctx, req.ID, ownerID)
	if err != nil {
		if expectedErr(err) {
			return nil
		}
		return fmt.Errorf("lifecycle send: %w", err)
	}

	// One run in ten declines; one in ten is cancelled mid-flight.
	roll := rand.Intn(10)

	var wg sync.WaitGroup
	errCh := make(chan error, len(links)+2)

	submit := func(token string) {
		defer wg.Done()
		for attempt := 0; attempt < 30; attempt++ {
			_, err := svc.Submit(ctx, signing.SubmitParams{
				DocumentID:  doc.ID,
				Token:       token,
				EvidenceRef: fmt.Sprintf("blob://stress/%d", rand.Int63()),
			})
			if err == nil {
				return
			}
			if errors.Is(err, signing.ErrNotYourTurn) {
				time.Sleep(time.Duration(5+rand.Intn(15)) * time.Millisecond)
				continue
			}
			if expectedErr(err) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return
			}
			errCh <- fmt.Errorf("lifecycle submit: %w", err)
			return
		}
	}

	for _, l := range links {
		wg.Add(1)
		go submit(l.Token)
	}
	// Replay the first token from a second goroutine; exactly one of the two
	// may record a signature.
	wg.Add(1)
	go submit(links[0].Token)

	if roll == 0 && len(links) > 1 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := svc.Decline(ctx, doc.ID, links[len(links)-1].Token, "stress decline")
			if err != nil && !expectedErr(err) && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("lifecycle decline: %w", err)
			}
		}()
	}
	if roll == 1 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := svc.Cancel(ctx, req.ID, ownerID)
			if err != nil && !expectedErr(err) && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("lifecycle cancel: %w", err)
			}
		}()
	}

	wg.Wait()
	close(errCh)
	for err := range errCh {
		return err
	}
	return nil
}

// DraftRacer hammers the partial unique index: concurrent inserts of active
// requests for one shared document. All but one insert per window must fail
// with 23505.
func DraftRacer(ctx context.Context, pool *pgxpool.Pool, documentID, versionID, ownerID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		var id string
		err := pool.QueryRow(ctx, `
			INSERT INTO signing_requests (document_id, document_version_id, mode, status, created_by)
			VALUES ($1, $2, 'parallel', 'draft', $3) RETURNING id
		`, documentID, versionID, ownerID).Scan(&id)
		if err != nil {
			var pgErr *pgconn.PgError
			if !errors.As(err, &pgErr) || pgErr.Code != "23505" {
				if errors.Is(err, context.Canceled) {
					return nil
				}
				return fmt.Errorf("draft racer insert: %w", err)
			}
		} else {
			// Free the slot again so the race keeps running.
			_, _ = pool.Exec(ctx, `UPDATE signing_requests SET status='cancelled' WHERE id=$1`, id)
		}
		time.Sleep(time.Duration(10+rand.Intn(20)) * time.Millisecond)
	}
}

// StatusReader polls the aggregate status of random documents while writers
// mutate them. Reads are lock-free and must never error on live documents.
func StatusReader(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) error {
	svc := signing.NewService(pool, signing.NewRepository(pool), signertoken.NewIssuer(pool), document.NewRepository(pool), outbox.NewQueue(pool))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		var docID string
		err := pool.QueryRow(ctx, `SELECT document_id FROM signing_requests ORDER BY random() LIMIT 1`).Scan(&docID)
		if err == nil {
			if _, err := svc.Status(ctx, docID); err != nil && !expectedErr(err) && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("status reader: %w", err)
			}
		}
		time.Sleep(time.Duration(30+rand.Intn(50)) * time.Millisecond)
	}
}

// OutboxWorker drains pending messages with SKIP LOCKED, randomly failing
// some to exercise the retry and dead-letter paths.
func OutboxWorker(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) error {
	queue := outbox.NewQueue(pool)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		tx, err := pool.Begin(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		msgs, err := queue.ClaimPending(ctx, tx, 10)
		if err != nil {
			_ = tx.Rollback(ctx)
			time.Sleep(50 * time.Millisecond)
			continue
		}
		for _, m := range msgs {
			if rand.Intn(10) == 0 {
				_ = queue.MarkFailed(ctx, tx, m.ID)
				continue
			}
			_ = queue.MarkProcessed(ctx, tx, m.ID)
		}
		_ = tx.Commit(ctx)
		time.Sleep(100 * time.Millisecond)
	}
}

// Sweeper runs the eager expiry sweep alongside everything else.
func Sweeper(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) error {
	svc := signing.NewService(pool, signing.NewRepository(pool), signertoken.NewIssuer(pool), document.NewRepository(pool), outbox.NewQueue(pool))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		if _, err := svc.ExpireOverdue(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("sweeper: %w", err)
		}
		time.Sleep(500 * time.Millisecond)
	}
}
