package offering

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/offerdesk/model"
)

const uniqueViolation = "23505"

const schemaDDL = `
CREATE TABLE IF NOT EXISTS offers (
	id                TEXT PRIMARY KEY,
	tenant_id         TEXT NOT NULL,
	created_by        TEXT NOT NULL,
	schema_id         TEXT NOT NULL,
	name              TEXT NOT NULL,
	type              TEXT NOT NULL,
	issuer_type       TEXT NOT NULL DEFAULT '',
	security_sub_type TEXT NOT NULL DEFAULT '',
	market_type       TEXT NOT NULL DEFAULT '',
	target_amount     DOUBLE PRECISION NOT NULL DEFAULT 0,
	price_per_unit    DOUBLE PRECISION NOT NULL DEFAULT 0,
	total_units       DOUBLE PRECISION NOT NULL DEFAULT 0,
	raised_amount     DOUBLE PRECISION NOT NULL DEFAULT 0,
	units_sold        DOUBLE PRECISION NOT NULL DEFAULT 0,
	investor_count    INTEGER NOT NULL DEFAULT 0,
	status            TEXT NOT NULL,
	form_values       JSONB NOT NULL,
	created_at        TIMESTAMPTZ NOT NULL,
	approved_at       TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS offers_tenant_created_idx ON offers (tenant_id, created_at DESC);
`

const offerColumns = `id, tenant_id, created_by, schema_id, name, type,
	issuer_type, security_sub_type, market_type,
	target_amount, price_per_unit, total_units,
	raised_amount, units_sold, investor_count,
	status, form_values, created_at, approved_at`

// PgStore is a PostgreSQL-backed Store using pgx/v5.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a new PostgreSQL offer store.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// Migrate creates the offers table if it does not exist.
func (s *PgStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaDDL); err != nil {
		return fmt.Errorf("migrate offers: %w", err)
	}
	return nil
}

// HealthCheck pings the database.
func (s *PgStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// AddOffer inserts a new offer.
func (s *PgStore) AddOffer(ctx context.Context, offer model.CreatedOffer) error {
	valuesJSON, err := json.Marshal(offer.FormValues)
	if err != nil {
		return fmt.Errorf("marshal form values: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO offers (`+offerColumns+`) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9,
			$10, $11, $12,
			$13, $14, $15,
			$16, $17, $18, $19
		)`,
		offer.ID, offer.TenantID, offer.CreatedBy, offer.SchemaID, offer.Name, offer.Type,
		offer.IssuerType, offer.SecuritySubType, offer.MarketType,
		offer.TargetAmount, offer.PricePerUnit, offer.TotalUnits,
		offer.RaisedAmount, offer.UnitsSold, offer.InvestorCount,
		string(offer.Status), valuesJSON, offer.CreatedAt, offer.ApprovedAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return model.NewConflictError(fmt.Sprintf("offer %q already exists", offer.ID))
	}
	if err != nil {
		return fmt.Errorf("insert offer: %w", err)
	}
	return nil
}

// GetOfferByID retrieves an offer scoped to tenant.
func (s *PgStore) GetOfferByID(ctx context.Context, tenantID, offerID string) (model.CreatedOffer, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+offerColumns+`
		FROM offers
		WHERE id = $1 AND tenant_id = $2`,
		offerID, tenantID,
	)
	offer, err := scanOffer(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.CreatedOffer{}, model.NewNotFoundError(fmt.Sprintf("offer %q not found", offerID))
	}
	if err != nil {
		return model.CreatedOffer{}, fmt.Errorf("query offer: %w", err)
	}
	return offer, nil
}

// ApproveOffer approves a pending offer. The status predicate makes a second
// call a no-op.
func (s *PgStore) ApproveOffer(ctx context.Context, tenantID, offerID string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE offers SET status = $1, approved_at = $2
		WHERE id = $3 AND tenant_id = $4 AND status <> $1`,
		string(model.OfferApproved), time.Now().UTC(), offerID, tenantID,
	)
	if err != nil {
		return false, fmt.Errorf("approve offer: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return true, nil
	}
	if _, err := s.GetOfferByID(ctx, tenantID, offerID); err != nil {
		return false, err
	}
	return false, nil
}

// ListOffers returns the tenant's offers, newest first.
func (s *PgStore) ListOffers(ctx context.Context, tenantID string, filters model.OfferFilters) ([]model.CreatedOffer, error) {
	query := `SELECT ` + offerColumns + ` FROM offers WHERE tenant_id = $1`
	args := []any{tenantID}
	argIdx := 2

	if filters.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, string(filters.Status))
		argIdx++
	}
	if filters.Type != "" {
		query += fmt.Sprintf(" AND type = $%d", argIdx)
		args = append(args, filters.Type)
		argIdx++
	}
	query += " ORDER BY created_at DESC"
	if filters.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, filters.Limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query offers: %w", err)
	}
	defer rows.Close()

	var offers []model.CreatedOffer
	for rows.Next() {
		offer, err := scanOffer(rows)
		if err != nil {
			return nil, fmt.Errorf("scan offer: %w", err)
		}
		offers = append(offers, offer)
	}
	return offers, rows.Err()
}

func scanOffer(row pgx.Row) (model.CreatedOffer, error) {
	var offer model.CreatedOffer
	var status string
	var valuesJSON []byte
	err := row.Scan(
		&offer.ID, &offer.TenantID, &offer.CreatedBy, &offer.SchemaID, &offer.Name, &offer.Type,
		&offer.IssuerType, &offer.SecuritySubType, &offer.MarketType,
		&offer.TargetAmount, &offer.PricePerUnit, &offer.TotalUnits,
		&offer.RaisedAmount, &offer.UnitsSold, &offer.InvestorCount,
		&status, &valuesJSON, &offer.CreatedAt, &offer.ApprovedAt,
	)
	if err != nil {
		return model.CreatedOffer{}, err
	}
	offer.Status = model.OfferStatus(status)
	if valuesJSON != nil {
		if err := json.Unmarshal(valuesJSON, &offer.FormValues); err != nil {
			return model.CreatedOffer{}, fmt.Errorf("unmarshal form values: %w", err)
		}
	}
	return offer, nil
}
