package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Oracle struct {
	Name string
	SQL  string
}

// All returns the invariant queries. Each must return zero rows on a healthy
// database; any row is a violation.
func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_one_active_request_per_document",
			SQL: `SELECT document_id, COUNT(*) FROM signing_requests
                  WHERE status NOT IN ('fully_signed','cancelled','expired')
                  GROUP BY document_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O2_ledger_seq_gapless",
			SQL: `WITH seqs AS (
                      SELECT request_id, seq,
                             LAG(seq) OVER (PARTITION BY request_id ORDER BY seq) AS prev
                      FROM signature_events)
                  SELECT * FROM seqs
                  WHERE (prev IS NULL AND seq <> 1)
                     OR (prev IS NOT NULL AND seq <> prev + 1)`,
		},
		{
			Name: "O3_one_signature_per_signer",
			SQL: `SELECT signer_id, COUNT(*) FROM signature_events
                  GROUP BY signer_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O4_sequential_prefix_closed",
			SQL: `SELECT e.id FROM signature_events e
                  JOIN signers s ON s.id = e.signer_id
                  JOIN signing_requests r ON r.id = e.request_id
                  WHERE r.mode = 'sequential'
                    AND EXISTS (
                      SELECT 1 FROM signers s2
                      WHERE s2.request_id = r.id
                        AND s2.sign_order < s.sign_order
                        AND NOT EXISTS (
                          SELECT 1 FROM signature_events e2 WHERE e2.signer_id = s2.id))`,
		},
		{
			Name: "O5_event_backed_by_consumed_token",
			SQL: `SELECT e.id FROM signature_events e
                  WHERE NOT EXISTS (
                    SELECT 1 FROM signer_tokens t
                    WHERE t.signer_id = e.signer_id AND t.consumed_at IS NOT NULL)`,
		},
		{
			Name: "O6_fully_signed_means_all_signed",
			SQL: `SELECT r.id FROM signing_requests r
                  WHERE r.status = 'fully_signed'
                    AND (SELECT COUNT(*) FROM signature_events e WHERE e.request_id = r.id)
                     <> (SELECT COUNT(*) FROM signers s WHERE s.request_id = r.id)`,
		},
		{
			Name: "O7_completion_seals_version",
			SQL: `SELECT r.id FROM signing_requests r
                  JOIN document_versions v ON v.id = r.document_version_id
                  WHERE r.status = 'fully_signed' AND v.sealed_at IS NULL`,
		},
		{
			Name: "O8_no_signature_on_cancelled_decline_path",
			SQL: `SELECT s.id FROM signers s
                  WHERE s.declined_at IS NOT NULL AND s.signed_at IS NOT NULL`,
		},
		{
			Name: "O9_outbox_progress",
			SQL: `SELECT id FROM outbox
                  WHERE status NOT IN ('processed','dead')
                    AND now() - created_at > interval '5 minutes'`,
		},
		{
			Name: "O10_ledger_append_only_guard",
			SQL: `SELECT 'missing_append_only_trigger' AS detail
                  WHERE NOT EXISTS (SELECT 1 FROM pg_trigger WHERE tgname = 'signature_events_append_only')`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample
// row) or an empty name if every invariant holds.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		if rows.Next() {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
	}
	return "", "", nil
}
