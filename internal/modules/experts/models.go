// Package experts provides expert instance persistence and the registry of
// pluggable expert classes. Concrete strategy experts live outside the core;
// the core only depends on the Expert interface.
package experts

import "time"

// Instance is a configured, enabled binding of an expert class to an account.
type Instance struct {
	ID               int64     `json:"id"`
	AccountID        int64     `json:"account_id"`
	Class            string    `json:"class"` // registry tag of the expert implementation
	Alias            string    `json:"alias,omitempty"`
	Enabled          bool      `json:"enabled"`
	VirtualEquityPct float64   `json:"virtual_equity_pct"` // 0-100, share of account equity
	RulesetID        *int64    `json:"ruleset_id,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// Instance setting keys the core consumes.
const (
	SettingScheduleEnterMarket   = "execution_schedule_enter_market"
	SettingScheduleOpenPositions = "execution_schedule_open_positions"
	SettingInstrumentSelection   = "instrument_selection_method"
	SettingMaxInstruments        = "max_instruments"
	SettingSelectorPrompt        = "instrument_selector_prompt"
	SettingSelectorModel         = "instrument_selector_model"
	SettingMaxEquityPerInstrument = "max_virtual_equity_per_instrument_percent"
)

// Instrument selection methods.
const (
	SelectionStatic  = "static"
	SelectionDynamic = "dynamic"
	SelectionExpert  = "expert"
)

// Properties are class-level flags declared by an expert implementation.
type Properties struct {
	CanRecommendInstruments   bool `json:"can_recommend_instruments"`
	ShouldExpandInstrumentJobs bool `json:"should_expand_instrument_jobs"`
}
