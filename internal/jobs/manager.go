package jobs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/akrivos/helmsman/internal/broker"
	"github.com/akrivos/helmsman/internal/domain"
	"github.com/akrivos/helmsman/internal/modules/accounts"
	"github.com/akrivos/helmsman/internal/modules/experts"
	"github.com/akrivos/helmsman/internal/modules/orders"
	"github.com/akrivos/helmsman/internal/modules/settings"
	"github.com/akrivos/helmsman/internal/queue"
)

// commandKind is a control-plane message type.
type commandKind string

const (
	cmdRefreshSchedules commandKind = "REFRESH_EXPERT_SCHEDULES"
	cmdShutdown         commandKind = "SHUTDOWN"
)

type command struct {
	kind     commandKind
	expertID *int64        // nil = all experts
	done     chan struct{} // nil for fire-and-forget commands
}

// controlBuffer sizes the control channel so refresh requests never block the
// callers (typically HTTP handlers), even after the loop has stopped.
const controlBuffer = 16

// defaultAccountRefreshMinutes applies when the setting is absent.
const defaultAccountRefreshMinutes = 5

// Manager owns the cron runtime. It materialises one cron entry per expert
// schedule time and a periodic broker account refresh, and translates fires
// into queue submissions at scheduled priority. All cron mutation happens on
// the control goroutine.
type Manager struct {
	cron             *cron.Cron
	queue            *queue.Manager
	experts          *experts.Repository
	registry         *experts.Registry
	instanceSettings *accounts.SettingsRepository
	settings         *settings.Repository
	transactions     *orders.TransactionRepository
	accounts         *broker.Manager
	expertEnv        experts.Env // template env for registry builds
	log              zerolog.Logger

	control  chan command
	loopDone chan struct{}            // closed when the control goroutine returns
	entries  map[int64][]cron.EntryID // expert ID -> cron entries
	refresh  cron.EntryID             // account refresh entry, 0 when unset
}

// Deps bundles the collaborators of a job Manager.
type Deps struct {
	Queue            *queue.Manager
	Experts          *experts.Repository
	Registry         *experts.Registry
	InstanceSettings *accounts.SettingsRepository
	Settings         *settings.Repository
	Transactions     *orders.TransactionRepository
	Accounts         *broker.Manager
	ExpertEnv        experts.Env
	Log              zerolog.Logger
}

// NewManager creates the job manager. Start must be called before it does
// anything.
func NewManager(deps Deps) *Manager {
	return &Manager{
		cron:             cron.New(cron.WithSeconds()),
		queue:            deps.Queue,
		experts:          deps.Experts,
		registry:         deps.Registry,
		instanceSettings: deps.InstanceSettings,
		settings:         deps.Settings,
		transactions:     deps.Transactions,
		accounts:         deps.Accounts,
		expertEnv:        deps.ExpertEnv,
		log:              deps.Log.With().Str("component", "job_manager").Logger(),
		control:          make(chan command, controlBuffer),
		loopDone:         make(chan struct{}),
		entries:          make(map[int64][]cron.EntryID),
	}
}

// Start schedules every enabled expert and the account refresh job, starts
// cron, then launches the control goroutine. Initial scheduling happens before
// the loop runs, so the entries map is never touched from two goroutines.
func (m *Manager) Start(ctx context.Context) {
	m.scheduleAll()
	m.scheduleAccountRefresh(ctx)
	m.cron.Start()
	go m.controlLoop(ctx)
	m.log.Info().Msg("Job manager started")
}

// RefreshExpertSchedules asks the control goroutine to rebuild the cron
// entries of one expert, or of all experts when expertID is nil. Fire and
// forget: the rebuild is applied asynchronously and callers never wait.
func (m *Manager) RefreshExpertSchedules(expertID *int64) {
	select {
	case m.control <- command{kind: cmdRefreshSchedules, expertID: expertID}:
	default:
		m.log.Warn().Msg("Schedule refresh dropped: control queue full")
	}
}

// Shutdown stops the control goroutine and cron, waiting for in-flight
// entries to return. Safe even when the control goroutine already exited
// through context cancellation.
func (m *Manager) Shutdown() {
	done := make(chan struct{})
	select {
	case m.control <- command{kind: cmdShutdown, done: done}:
	case <-m.loopDone:
	}
	select {
	case <-done:
	case <-m.loopDone:
	}
	<-m.cron.Stop().Done()
	m.log.Info().Msg("Job manager stopped")
}

func (m *Manager) controlLoop(ctx context.Context) {
	defer close(m.loopDone)
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-m.control:
			switch cmd.kind {
			case cmdRefreshSchedules:
				if cmd.expertID != nil {
					m.rescheduleExpert(*cmd.expertID)
				} else {
					m.scheduleAll()
				}
			case cmdShutdown:
				close(cmd.done)
				return
			}
			if cmd.done != nil {
				close(cmd.done)
			}
		}
	}
}

func (m *Manager) scheduleAll() {
	for id := range m.entries {
		m.removeExpertEntries(id)
	}

	enabled, err := m.experts.ListEnabled()
	if err != nil {
		m.log.Error().Err(err).Msg("Failed to list experts for scheduling")
		return
	}
	for _, instance := range enabled {
		m.scheduleExpert(instance)
	}
}

func (m *Manager) rescheduleExpert(expertID int64) {
	m.removeExpertEntries(expertID)

	instance, err := m.experts.Get(expertID)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			m.log.Error().Err(err).Int64("expert_id", expertID).Msg("Failed to load expert for scheduling")
		}
		return
	}
	if instance.Enabled {
		m.scheduleExpert(*instance)
	}
}

func (m *Manager) removeExpertEntries(expertID int64) {
	for _, id := range m.entries[expertID] {
		m.cron.Remove(id)
	}
	delete(m.entries, expertID)
}

// scheduleExpert registers the expert's ENTER_MARKET and OPEN_POSITIONS
// schedules. A missing or invalid schedule disables that use case only.
func (m *Manager) scheduleExpert(instance experts.Instance) {
	m.scheduleUseCase(instance, experts.SettingScheduleEnterMarket, domain.UseCaseEnterMarket)
	m.scheduleUseCase(instance, experts.SettingScheduleOpenPositions, domain.UseCaseOpenPositions)

	if n := len(m.entries[instance.ID]); n > 0 {
		m.log.Info().
			Int64("expert_id", instance.ID).
			Int("entries", n).
			Msg("Expert schedules registered")
	}
}

func (m *Manager) scheduleUseCase(instance experts.Instance, settingKey string, useCase domain.UseCase) {
	raw, err := m.instanceSettings.GetString(accounts.OwnerExpert, instance.ID, settingKey)
	if err != nil || raw == "" {
		return
	}
	schedule, err := ParseSchedule(raw)
	if err != nil {
		m.log.Warn().Err(err).
			Int64("expert_id", instance.ID).
			Str("use_case", string(useCase)).
			Msg("Ignoring invalid expert schedule")
		return
	}

	for _, spec := range schedule.CronSpecs() {
		expertID := instance.ID
		id, err := m.cron.AddFunc(spec, func() {
			m.fire(expertID, useCase)
		})
		if err != nil {
			m.log.Error().Err(err).Str("spec", spec).Msg("Failed to register cron entry")
			continue
		}
		m.entries[instance.ID] = append(m.entries[instance.ID], id)
	}
}

// fire submits the work for one schedule tick. Instrument selection decides
// whether the tick fans out through an expansion task or enqueues per-symbol
// analyses directly.
func (m *Manager) fire(expertID int64, useCase domain.UseCase) {
	instance, err := m.experts.Get(expertID)
	if err != nil || !instance.Enabled {
		return
	}

	batchID := m.batchID(expertID)
	log := m.log.With().
		Int64("expert_id", expertID).
		Str("use_case", string(useCase)).
		Str("batch_id", batchID).
		Logger()

	if useCase == domain.UseCaseOpenPositions {
		m.submitExpansion(log, expertID, domain.SymbolOpenPositions, useCase, batchID)
		return
	}

	method, err := m.instanceSettings.GetString(accounts.OwnerExpert, expertID, experts.SettingInstrumentSelection)
	if err != nil || method == "" {
		method = experts.SelectionStatic
	}

	switch method {
	case experts.SelectionDynamic:
		m.submitExpansion(log, expertID, domain.SymbolDynamic, useCase, batchID)
	case experts.SelectionExpert:
		m.submitExpansion(log, expertID, domain.SymbolExpert, useCase, batchID)
	default:
		m.fireStatic(log, instance, useCase, batchID)
	}
}

// fireStatic enqueues one analysis per enabled instrument, skipping symbols
// that already carry an open transaction.
func (m *Manager) fireStatic(log zerolog.Logger, instance *experts.Instance, useCase domain.UseCase, batchID string) {
	env := m.expertEnv
	env.Instance = *instance
	expert, err := m.registry.Build(env)
	if err != nil {
		log.Error().Err(err).Msg("Failed to build expert for schedule fire")
		return
	}
	symbols, err := expert.EnabledInstruments()
	if err != nil {
		log.Error().Err(err).Msg("Failed to resolve enabled instruments")
		return
	}

	submitted := 0
	for _, symbol := range symbols {
		symbol = strings.ToUpper(symbol)
		open, err := m.transactions.ListOpenByExpertSymbol(instance.ID, symbol)
		if err != nil {
			log.Error().Err(err).Str("symbol", symbol).Msg("Open transaction check failed")
			continue
		}
		if len(open) > 0 {
			log.Debug().Str("symbol", symbol).Msg("Skipping symbol with open transaction")
			continue
		}

		_, _, err = m.queue.SubmitAnalysis(queue.AnalysisTask{
			ExpertID: instance.ID,
			Symbol:   symbol,
			UseCase:  useCase,
			Priority: queue.PriorityScheduled,
			BatchID:  batchID,
		})
		if err != nil {
			if !errors.Is(err, domain.ErrDuplicateTask) {
				log.Error().Err(err).Str("symbol", symbol).Msg("Scheduled submission failed")
			}
			continue
		}
		submitted++
	}
	log.Info().Int("submitted", submitted).Msg("Schedule fired")
}

func (m *Manager) submitExpansion(log zerolog.Logger, expertID int64, expansionType string, useCase domain.UseCase, batchID string) {
	_, _, err := m.queue.SubmitExpansion(queue.InstrumentExpansionTask{
		ExpertID:      expertID,
		ExpansionType: expansionType,
		UseCase:       useCase,
		Priority:      queue.PriorityScheduled,
		BatchID:       batchID,
	})
	if err != nil {
		if errors.Is(err, domain.ErrDuplicateTask) {
			log.Debug().Str("expansion", expansionType).Msg("Expansion already in flight")
			return
		}
		log.Error().Err(err).Str("expansion", expansionType).Msg("Expansion submission failed")
		return
	}
	log.Info().Str("expansion", expansionType).Msg("Schedule fired")
}

func (m *Manager) batchID(expertID int64) string {
	now := time.Now()
	return fmt.Sprintf("%d_%s_%s", expertID, now.Format("1504"), now.Format("20060102"))
}

// scheduleAccountRefresh registers the periodic broker reconciliation job
// from the account_refresh_interval setting.
func (m *Manager) scheduleAccountRefresh(ctx context.Context) {
	minutes := m.settings.GetInt(settings.KeyAccountRefreshInterval, defaultAccountRefreshMinutes)
	if minutes <= 0 {
		m.log.Warn().Msg("Account refresh disabled by setting")
		return
	}

	id, err := m.cron.AddFunc(fmt.Sprintf("@every %dm", minutes), func() {
		if err := m.accounts.RefreshAll(ctx); err != nil {
			m.log.Error().Err(err).Msg("Account refresh failed")
		}
	})
	if err != nil {
		m.log.Error().Err(err).Msg("Failed to register account refresh job")
		return
	}
	m.refresh = id
	m.log.Info().Int("interval_minutes", minutes).Msg("Account refresh scheduled")
}
