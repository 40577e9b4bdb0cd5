package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/demandcast/demandcast-go/internal/models"
)

// SeriesQuarantineEntry represents a quarantined series in the database.
type SeriesQuarantineEntry struct {
	// ID is the unique identifier.
	ID int64 `json:"id" db:"id"`
	// ProductID identifies the product.
	ProductID string `json:"product_id" db:"product_id"`
	// StoreID identifies the store.
	StoreID string `json:"store_id" db:"store_id"`
	// Reason describes the last failure that touched this entry.
	Reason string `json:"reason" db:"reason"`
	// FailureCount is the number of consecutive failed forecast attempts.
	FailureCount int `json:"failure_count" db:"failure_count"`
	// CreatedAt is when the entry was created.
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	// UpdatedAt is when the entry was last updated.
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
	// ExpiresAt is when the quarantine expires (nil for never).
	ExpiresAt *time.Time `json:"expires_at,omitempty" db:"expires_at"`
	// IsActive indicates if the series is currently excluded from batch runs.
	IsActive bool `json:"is_active" db:"is_active"`
}

// QuarantineRepository handles database operations for the series quarantine.
// Series that keep failing to fit are parked here so batch runs stop burning
// workers on them.
type QuarantineRepository struct {
	pool DatabasePool
}

// NewQuarantineRepository creates a new quarantine repository.
//
// Parameters:
//
//	pool: The database connection pool.
//
// Returns:
//
//	*QuarantineRepository: The initialized repository.
func NewQuarantineRepository(pool DatabasePool) *QuarantineRepository {
	return &QuarantineRepository{
		pool: pool,
	}
}

// RecordFailure bumps the consecutive-failure counter for a series and
// activates the quarantine once the counter reaches threshold.
//
// Parameters:
//
//	ctx: Context.
//	key: Product/store pair.
//	reason: Description of the failure.
//	threshold: Consecutive failures that trigger quarantine.
//
// Returns:
//
//	bool: True if the series is now quarantined.
//	error: Error if the operation fails.
func (r *QuarantineRepository) RecordFailure(ctx context.Context, key models.SeriesKey, reason string, threshold int) (bool, error) {
	query := `
		INSERT INTO series_quarantine (product_id, store_id, reason, failure_count, is_active)
		VALUES ($1, $2, $3, 1, false)
		ON CONFLICT (product_id, store_id)
		DO UPDATE SET
			reason = EXCLUDED.reason,
			failure_count = series_quarantine.failure_count + 1,
			is_active = series_quarantine.failure_count + 1 >= $4,
			updated_at = CURRENT_TIMESTAMP
		RETURNING is_active
	`

	var quarantined bool
	err := r.pool.QueryRow(ctx, query, key.ProductID, key.StoreID, reason, threshold).Scan(&quarantined)
	if err != nil {
		return false, fmt.Errorf("failed to record failure for %s: %w", key, err)
	}

	return quarantined, nil
}

// ResetFailures clears the failure counter after a successful forecast. A
// series with no quarantine row is already clean, so zero rows is fine.
//
// Parameters:
//
//	ctx: Context.
//	key: Product/store pair.
//
// Returns:
//
//	error: Error if the operation fails.
func (r *QuarantineRepository) ResetFailures(ctx context.Context, key models.SeriesKey) error {
	query := `
		UPDATE series_quarantine
		SET failure_count = 0, is_active = false, updated_at = CURRENT_TIMESTAMP
		WHERE product_id = $1 AND store_id = $2
	`

	if _, err := r.pool.Exec(ctx, query, key.ProductID, key.StoreID); err != nil {
		return fmt.Errorf("failed to reset failures for %s: %w", key, err)
	}

	return nil
}

// QuarantineSeries quarantines a series by hand, bypassing the failure
// counter.
//
// Parameters:
//
//	ctx: Context.
//	key: Product/store pair.
//	reason: Reason for quarantining.
//	expiresAt: Expiration time (nil for never).
//
// Returns:
//
//	*SeriesQuarantineEntry: The created entry.
//	error: Error if the operation fails.
func (r *QuarantineRepository) QuarantineSeries(ctx context.Context, key models.SeriesKey, reason string, expiresAt *time.Time) (*SeriesQuarantineEntry, error) {
	query := `
		INSERT INTO series_quarantine (product_id, store_id, reason, failure_count, expires_at, is_active)
		VALUES ($1, $2, $3, 0, $4, true)
		ON CONFLICT (product_id, store_id)
		DO UPDATE SET
			reason = EXCLUDED.reason,
			expires_at = EXCLUDED.expires_at,
			is_active = true,
			updated_at = CURRENT_TIMESTAMP
		RETURNING id, product_id, store_id, reason, failure_count, created_at, updated_at, expires_at, is_active
	`

	var entry SeriesQuarantineEntry
	err := r.pool.QueryRow(ctx, query, key.ProductID, key.StoreID, reason, expiresAt).Scan(
		&entry.ID,
		&entry.ProductID,
		&entry.StoreID,
		&entry.Reason,
		&entry.FailureCount,
		&entry.CreatedAt,
		&entry.UpdatedAt,
		&entry.ExpiresAt,
		&entry.IsActive,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to quarantine series %s: %w", key, err)
	}

	return &entry, nil
}

// ReleaseSeries lifts the quarantine for a series.
//
// Parameters:
//
//	ctx: Context.
//	key: Product/store pair.
//
// Returns:
//
//	error: Error if the series is not quarantined or the operation fails.
func (r *QuarantineRepository) ReleaseSeries(ctx context.Context, key models.SeriesKey) error {
	query := `
		UPDATE series_quarantine
		SET is_active = false, failure_count = 0, updated_at = CURRENT_TIMESTAMP
		WHERE product_id = $1 AND store_id = $2 AND is_active = true
	`

	result, err := r.pool.Exec(ctx, query, key.ProductID, key.StoreID)
	if err != nil {
		return fmt.Errorf("failed to release series %s: %w", key, err)
	}

	if result.RowsAffected() == 0 {
		return fmt.Errorf("series %s is not quarantined", key)
	}

	return nil
}

// IsQuarantined checks if a series is currently quarantined.
//
// Parameters:
//
//	ctx: Context.
//	key: Product/store pair.
//
// Returns:
//
//	bool: True if quarantined.
//	string: Reason for the quarantine.
//	error: Error if the check fails.
func (r *QuarantineRepository) IsQuarantined(ctx context.Context, key models.SeriesKey) (bool, string, error) {
	query := `
		SELECT reason, expires_at
		FROM series_quarantine
		WHERE product_id = $1 AND store_id = $2 AND is_active = true
		AND (expires_at IS NULL OR expires_at > CURRENT_TIMESTAMP)
	`

	var reason string
	var expiresAt *time.Time
	err := r.pool.QueryRow(ctx, query, key.ProductID, key.StoreID).Scan(&reason, &expiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, "", nil
		}
		return false, "", fmt.Errorf("failed to check quarantine status: %w", err)
	}

	return true, reason, nil
}

// GetQuarantined returns all currently quarantined series.
//
// Parameters:
//
//	ctx: Context.
//
// Returns:
//
//	[]SeriesQuarantineEntry: List of quarantine entries.
//	error: Error if retrieval fails.
func (r *QuarantineRepository) GetQuarantined(ctx context.Context) ([]SeriesQuarantineEntry, error) {
	query := `
		SELECT id, product_id, store_id, reason, failure_count, created_at, updated_at, expires_at, is_active
		FROM series_quarantine
		WHERE is_active = true
		AND (expires_at IS NULL OR expires_at > CURRENT_TIMESTAMP)
		ORDER BY updated_at DESC
	`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to get quarantined series: %w", err)
	}
	defer rows.Close()

	var entries []SeriesQuarantineEntry
	for rows.Next() {
		var entry SeriesQuarantineEntry
		err := rows.Scan(
			&entry.ID,
			&entry.ProductID,
			&entry.StoreID,
			&entry.Reason,
			&entry.FailureCount,
			&entry.CreatedAt,
			&entry.UpdatedAt,
			&entry.ExpiresAt,
			&entry.IsActive,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan quarantine entry: %w", err)
		}
		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating quarantine entries: %w", err)
	}

	return entries, nil
}

// CleanupExpired deactivates quarantine entries whose expiry has passed.
//
// Parameters:
//
//	ctx: Context.
//
// Returns:
//
//	int64: Number of entries deactivated.
//	error: Error if cleanup fails.
func (r *QuarantineRepository) CleanupExpired(ctx context.Context) (int64, error) {
	query := `
		UPDATE series_quarantine
		SET is_active = false, failure_count = 0, updated_at = CURRENT_TIMESTAMP
		WHERE is_active = true
		AND expires_at IS NOT NULL
		AND expires_at <= CURRENT_TIMESTAMP
	`

	result, err := r.pool.Exec(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup expired quarantine entries: %w", err)
	}

	return result.RowsAffected(), nil
}
