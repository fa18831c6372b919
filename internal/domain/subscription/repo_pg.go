package subscription

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"github.com/ehr/fhirsub/internal/platform/db"
	"github.com/ehr/fhirsub/internal/platform/fhir"
)

type subscriptionRepoPG struct{ pool *pgxpool.Pool }

// NewSubscriptionRepoPG creates a new PostgreSQL-backed subscription repository.
func NewSubscriptionRepoPG(pool *pgxpool.Pool) SubscriptionRepository {
	return &subscriptionRepoPG{pool: pool}
}

func (r *subscriptionRepoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

const subCols = `id, fhir_id, status, reason, criteria, channel_type, channel_endpoint,
	channel_payload, channel_headers, end_time, error_text, version_id,
	created_at, updated_at`

func scanSub(row pgx.Row) (*Subscription, error) {
	var s Subscription
	var headers []byte
	err := row.Scan(&s.ID, &s.FHIRID, &s.Status, &s.Reason, &s.Criteria,
		&s.ChannelType, &s.ChannelEndpoint, &s.ChannelPayload, &headers,
		&s.EndTime, &s.ErrorText, &s.VersionID,
		&s.CreatedAt, &s.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if len(headers) > 0 && string(headers) != "null" {
		if err := json.Unmarshal(headers, &s.ChannelHeaders); err != nil {
			return nil, errors.Wrapf(err, "decode channel headers of %s", s.FHIRID)
		}
	}
	return &s, nil
}

func scanSubs(rows pgx.Rows) ([]*Subscription, error) {
	defer rows.Close()
	var items []*Subscription
	for rows.Next() {
		s, err := scanSub(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, s)
	}
	return items, rows.Err()
}

func encodeHeaders(headers []string) []byte {
	if len(headers) == 0 {
		return nil
	}
	b, _ := json.Marshal(headers)
	return b
}

func (r *subscriptionRepoPG) Create(ctx context.Context, sub *Subscription) error {
	sub.ID = uuid.New()
	if sub.FHIRID == "" {
		sub.FHIRID = sub.ID.String()
	}
	sub.VersionID = 1
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO subscription (id, fhir_id, status, reason, criteria, channel_type, channel_endpoint,
			channel_payload, channel_headers, end_time, error_text, version_id)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		RETURNING created_at, updated_at`,
		sub.ID, sub.FHIRID, sub.Status, sub.Reason, sub.Criteria,
		sub.ChannelType, sub.ChannelEndpoint, sub.ChannelPayload, encodeHeaders(sub.ChannelHeaders),
		sub.EndTime, sub.ErrorText, sub.VersionID).Scan(&sub.CreatedAt, &sub.UpdatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return errors.Wrap(ErrAlreadyExists, sub.FHIRID)
	}
	return err
}

func (r *subscriptionRepoPG) GetByFHIRID(ctx context.Context, fhirID string) (*Subscription, error) {
	return scanSub(r.conn(ctx).QueryRow(ctx, `SELECT `+subCols+` FROM subscription WHERE fhir_id = $1`, fhirID))
}

func (r *subscriptionRepoPG) Update(ctx context.Context, sub *Subscription, expectedVersion int) error {
	err := r.conn(ctx).QueryRow(ctx, `
		UPDATE subscription SET status=$2, reason=$3, criteria=$4, channel_type=$5, channel_endpoint=$6,
			channel_payload=$7, channel_headers=$8, end_time=$9, error_text=$10,
			version_id=version_id+1, updated_at=NOW()
		WHERE fhir_id = $1 AND ($11 = 0 OR version_id = $11)
		RETURNING id, version_id, created_at, updated_at`,
		sub.FHIRID, sub.Status, sub.Reason, sub.Criteria, sub.ChannelType, sub.ChannelEndpoint,
		sub.ChannelPayload, encodeHeaders(sub.ChannelHeaders), sub.EndTime, sub.ErrorText,
		expectedVersion).Scan(&sub.ID, &sub.VersionID, &sub.CreatedAt, &sub.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		if _, getErr := r.GetByFHIRID(ctx, sub.FHIRID); getErr != nil {
			return getErr
		}
		return ErrVersionConflict
	}
	return err
}

func (r *subscriptionRepoPG) Delete(ctx context.Context, fhirID string) error {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM subscription WHERE fhir_id = $1`, fhirID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *subscriptionRepoPG) Search(ctx context.Context, q SearchQuery) ([]*Subscription, int, error) {
	qb := fhir.NewSearchQuery("subscription", subCols)
	qb.ApplyParams(q.Params, searchParams)
	qb.OrderBy(fhir.OrderBy(q.Sort, sortColumns, "created_at DESC, fhir_id ASC"))

	var total int
	if err := r.conn(ctx).QueryRow(ctx, qb.CountSQL(), qb.CountArgs()...).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := r.conn(ctx).Query(ctx, qb.DataSQL(), qb.DataArgs(q.Limit, q.Offset)...)
	if err != nil {
		return nil, 0, err
	}
	items, err := scanSubs(rows)
	return items, total, err
}

func (r *subscriptionRepoPG) ListActive(ctx context.Context) ([]*Subscription, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+subCols+` FROM subscription WHERE status = 'active' ORDER BY created_at, fhir_id`)
	if err != nil {
		return nil, err
	}
	return scanSubs(rows)
}

func (r *subscriptionRepoPG) ListExpired(ctx context.Context, now time.Time) ([]*Subscription, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+subCols+` FROM subscription
		WHERE status IN ('active', 'requested') AND end_time IS NOT NULL AND end_time < $1`, now)
	if err != nil {
		return nil, err
	}
	return scanSubs(rows)
}

func (r *subscriptionRepoPG) UpdateStatus(ctx context.Context, fhirID, status string, errorText *string) error {
	tag, err := r.conn(ctx).Exec(ctx, `UPDATE subscription SET status=$2, error_text=$3,
		version_id=version_id+1, updated_at=NOW() WHERE fhir_id = $1`, fhirID, status, errorText)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
