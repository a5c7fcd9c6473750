package analysis

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/akrivos/helmsman/internal/domain"
)

// RecommendationRepository handles expert recommendation persistence.
type RecommendationRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRecommendationRepository creates a new recommendation repository.
func NewRecommendationRepository(db *sql.DB, log zerolog.Logger) *RecommendationRepository {
	return &RecommendationRepository{
		db:  db,
		log: log.With().Str("repository", "recommendations").Logger(),
	}
}

// Create validates and inserts a recommendation. Confidence outside [0, 100]
// is rejected rather than clamped: an expert emitting out-of-range confidence
// would silently distort rule evaluation otherwise.
func (r *RecommendationRepository) Create(rec Recommendation) (Recommendation, error) {
	if rec.Confidence < 0 || rec.Confidence > 100 {
		return Recommendation{}, domain.ValidationErrorf("confidence must be in [0, 100], got %v", rec.Confidence)
	}
	switch rec.Action {
	case domain.ActionBuy, domain.ActionSell, domain.ActionHold:
	default:
		return Recommendation{}, domain.ValidationErrorf("unknown recommended action %q", rec.Action)
	}

	now := time.Now()
	res, err := r.db.Exec(`
		INSERT INTO recommendations
			(expert_id, analysis_id, symbol, action, expected_profit_pct, price_at_date,
			 confidence, risk, horizon, details, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.ExpertID, nullInt64Ptr(rec.AnalysisID), rec.Symbol, string(rec.Action),
		rec.ExpectedProfitPct, rec.PriceAtDate, rec.Confidence, string(rec.Risk),
		string(rec.Horizon), rec.Details, now.Unix())
	if err != nil {
		return Recommendation{}, fmt.Errorf("failed to create recommendation: %w", err)
	}

	rec.ID, _ = res.LastInsertId()
	rec.CreatedAt = now

	r.log.Info().
		Int64("recommendation_id", rec.ID).
		Str("symbol", rec.Symbol).
		Str("action", string(rec.Action)).
		Float64("confidence", rec.Confidence).
		Msg("Recommendation created")
	return rec, nil
}

// Get retrieves a recommendation by ID.
func (r *RecommendationRepository) Get(id int64) (*Recommendation, error) {
	row := r.db.QueryRow(`
		SELECT id, expert_id, analysis_id, symbol, action, expected_profit_pct, price_at_date,
		       confidence, risk, horizon, details, created_at
		FROM recommendations WHERE id = ?
	`, id)

	rec, err := scanRecommendation(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NotFoundErrorf("recommendation %d", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get recommendation: %w", err)
	}
	return &rec, nil
}

// LatestForAnalysis retrieves the newest recommendation written by one
// analysis run, or nil when the run produced none.
func (r *RecommendationRepository) LatestForAnalysis(analysisID int64) (*Recommendation, error) {
	row := r.db.QueryRow(`
		SELECT id, expert_id, analysis_id, symbol, action, expected_profit_pct, price_at_date,
		       confidence, risk, horizon, details, created_at
		FROM recommendations WHERE analysis_id = ?
		ORDER BY created_at DESC, id DESC LIMIT 1
	`, analysisID)

	rec, err := scanRecommendation(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest recommendation: %w", err)
	}
	return &rec, nil
}

func scanRecommendation(scan func(dest ...interface{}) error) (Recommendation, error) {
	var rec Recommendation
	var analysisID sql.NullInt64
	var expectedProfit, priceAtDate sql.NullFloat64
	var details sql.NullString
	var createdAt int64

	err := scan(&rec.ID, &rec.ExpertID, &analysisID, &rec.Symbol, &rec.Action,
		&expectedProfit, &priceAtDate, &rec.Confidence, &rec.Risk, &rec.Horizon,
		&details, &createdAt)
	if err != nil {
		return rec, err
	}

	if analysisID.Valid {
		rec.AnalysisID = &analysisID.Int64
	}
	rec.ExpectedProfitPct = expectedProfit.Float64
	rec.PriceAtDate = priceAtDate.Float64
	rec.Details = details.String
	rec.CreatedAt = time.Unix(createdAt, 0).UTC()
	return rec, nil
}

func nullInt64Ptr(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}
