// Package analysis provides persistence for market analyses, their outputs
// and the expert recommendations they produce.
package analysis

import (
	"time"

	"github.com/akrivos/helmsman/internal/domain"
)

// MarketAnalysis holds the transient state of one analysis run.
type MarketAnalysis struct {
	ID        int64                  `json:"id"`
	Symbol    string                 `json:"symbol"`
	ExpertID  int64                  `json:"expert_id"`
	Status    domain.AnalysisStatus  `json:"status"`
	UseCase   domain.UseCase         `json:"use_case"`
	State     map[string]interface{} `json:"state,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
	UpdatedAt time.Time              `json:"updated_at"`
}

// Output is an append-only artefact produced during an analysis run.
type Output struct {
	ID         int64     `json:"id"`
	AnalysisID int64     `json:"analysis_id"`
	Name       string    `json:"name"`
	Type       string    `json:"type"`
	Content    string    `json:"content"`
	CreatedAt  time.Time `json:"created_at"`
}

// Recommendation is an expert's verdict for a symbol.
type Recommendation struct {
	ID                int64                    `json:"id"`
	ExpertID          int64                    `json:"expert_id"`
	AnalysisID        *int64                   `json:"analysis_id,omitempty"`
	Symbol            string                   `json:"symbol"`
	Action            domain.RecommendedAction `json:"action"`
	ExpectedProfitPct float64                  `json:"expected_profit_pct"`
	PriceAtDate       float64                  `json:"price_at_date"`
	Confidence        float64                  `json:"confidence"` // 0-100
	Risk              domain.RiskLevel         `json:"risk"`
	Horizon           domain.TimeHorizon       `json:"horizon"`
	Details           string                   `json:"details,omitempty"`
	CreatedAt         time.Time                `json:"created_at"`
}

// State keys written by the startup cleanup pass.
const (
	StateStartupCleanup = "startup_cleanup"
	StateFailureReason  = "failure_reason"
)
