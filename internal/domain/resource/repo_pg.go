package resource

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"github.com/ehr/fhirsub/internal/platform/db"
)

type repoPG struct{ pool *pgxpool.Pool }

// NewRepoPG creates a PostgreSQL-backed repository over the fhir_resource table.
func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

func (r *repoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

const cols = `resource_type, fhir_id, version_id, resource, deleted, created_at, last_updated`

func scanResource(row pgx.Row) (*Resource, error) {
	var res Resource
	var body []byte
	err := row.Scan(&res.ResourceType, &res.FHIRID, &res.VersionID, &body, &res.Deleted, &res.CreatedAt, &res.LastUpdated)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	res.Body = body
	return &res, nil
}

func (r *repoPG) Create(ctx context.Context, res *Resource, prepare PrepareFunc) error {
	if res.FHIRID == "" {
		res.FHIRID = uuid.NewString()
	}
	now := time.Now().UTC()
	res.VersionID = 1
	res.CreatedAt = now
	res.LastUpdated = now
	res.Deleted = false
	if err := prepare(res); err != nil {
		return err
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO fhir_resource (resource_type, fhir_id, version_id, resource, deleted, created_at, last_updated)
		VALUES ($1, $2, $3, $4, FALSE, $5, $5)`,
		res.ResourceType, res.FHIRID, res.VersionID, []byte(res.Body), now)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return errors.Wrap(ErrAlreadyExists, res.Reference())
	}
	return err
}

func (r *repoPG) Get(ctx context.Context, resourceType, id string) (*Resource, error) {
	res, err := scanResource(r.conn(ctx).QueryRow(ctx,
		`SELECT `+cols+` FROM fhir_resource WHERE resource_type = $1 AND fhir_id = $2`, resourceType, id))
	if err != nil {
		return nil, err
	}
	if res.Deleted {
		return nil, ErrGone
	}
	return res, nil
}

// Update locks the row so the version is read and bumped atomically.
func (r *repoPG) Update(ctx context.Context, res *Resource, expectedVersion int, prepare PrepareFunc) error {
	return db.InTx(ctx, r.pool, func(ctx context.Context) error {
		var current int
		var created time.Time
		err := r.conn(ctx).QueryRow(ctx, `
			SELECT version_id, created_at FROM fhir_resource
			WHERE resource_type = $1 AND fhir_id = $2 FOR UPDATE`,
			res.ResourceType, res.FHIRID).Scan(&current, &created)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if expectedVersion != 0 && current != expectedVersion {
			return ErrVersionConflict
		}

		res.VersionID = current + 1
		res.CreatedAt = created
		res.LastUpdated = time.Now().UTC()
		res.Deleted = false
		if err := prepare(res); err != nil {
			return err
		}
		_, err = r.conn(ctx).Exec(ctx, `
			UPDATE fhir_resource SET version_id = $3, resource = $4, deleted = FALSE, last_updated = $5
			WHERE resource_type = $1 AND fhir_id = $2`,
			res.ResourceType, res.FHIRID, res.VersionID, []byte(res.Body), res.LastUpdated)
		return err
	})
}

func (r *repoPG) Delete(ctx context.Context, resourceType, id string) (*Resource, error) {
	res, err := scanResource(r.conn(ctx).QueryRow(ctx, `
		UPDATE fhir_resource SET deleted = TRUE, version_id = version_id + 1, last_updated = NOW()
		WHERE resource_type = $1 AND fhir_id = $2 AND NOT deleted
		RETURNING `+cols, resourceType, id))
	if errors.Is(err, ErrNotFound) {
		if _, getErr := r.Get(ctx, resourceType, id); getErr != nil {
			return nil, getErr
		}
	}
	return res, err
}

func (r *repoPG) List(ctx context.Context, resourceType string) ([]*Resource, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+cols+` FROM fhir_resource
		WHERE resource_type = $1 AND NOT deleted ORDER BY created_at, fhir_id`, resourceType)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Resource
	for rows.Next() {
		res, err := scanResource(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, res)
	}
	return out, rows.Err()
}
