package activity

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// LLMUsage is one provider call made by an expert.
type LLMUsage struct {
	ID               int64     `json:"id"`
	Provider         string    `json:"provider"`
	Model            string    `json:"model"`
	PromptTokens     int64     `json:"prompt_tokens"`
	CompletionTokens int64     `json:"completion_tokens"`
	Cost             float64   `json:"cost"`
	ExpertID         *int64    `json:"expert_id,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// LLMUsageRepository records token usage and cost per provider call.
type LLMUsageRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewLLMUsageRepository creates a new LLM usage repository.
func NewLLMUsageRepository(db *sql.DB, log zerolog.Logger) *LLMUsageRepository {
	return &LLMUsageRepository{
		db:  db,
		log: log.With().Str("repository", "llm_usage").Logger(),
	}
}

// Record appends a usage row.
func (r *LLMUsageRepository) Record(u LLMUsage) error {
	_, err := r.db.Exec(`
		INSERT INTO llm_usage (provider, model, prompt_tokens, completion_tokens, cost, expert_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, u.Provider, u.Model, u.PromptTokens, u.CompletionTokens, u.Cost, nullInt64Ptr(u.ExpertID), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to record LLM usage: %w", err)
	}
	return nil
}

// TotalCostSince sums the cost of all calls after the cutoff.
func (r *LLMUsageRepository) TotalCostSince(cutoff time.Time) (float64, error) {
	var total sql.NullFloat64
	err := r.db.QueryRow(
		"SELECT SUM(cost) FROM llm_usage WHERE created_at >= ?", cutoff.Unix(),
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to sum LLM cost: %w", err)
	}
	return total.Float64, nil
}
