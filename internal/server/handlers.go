package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/akrivos/helmsman/internal/domain"
	"github.com/akrivos/helmsman/internal/modules/accounts"
	"github.com/akrivos/helmsman/internal/modules/experts"
	"github.com/akrivos/helmsman/internal/queue"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "healthy",
		"service": "helmsman",
	})
}

// ----- queue -----

func (s *Server) handleQueuePending(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.deps.Queue.GetPending())
}

func (s *Server) handleQueueRunning(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.deps.Queue.GetRunning())
}

func (s *Server) handleQueueAll(w http.ResponseWriter, r *http.Request) {
	snapshots, err := s.deps.Queue.GetAll()
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, snapshots)
}

func (s *Server) handleQueueTask(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	snapshot, err := s.deps.Queue.GetTaskStatus(id)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, snapshot)
}

func (s *Server) handleQueueCancel(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	if !s.deps.Queue.Cancel(id) {
		s.writeError(w, http.StatusConflict, "task is not pending")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "canceled"})
}

type submitAnalysisRequest struct {
	ExpertID               int64  `json:"expert_id"`
	Symbol                 string `json:"symbol"`
	UseCase                string `json:"use_case"`
	BypassBalanceCheck     bool   `json:"bypass_balance_check"`
	BypassTransactionCheck bool   `json:"bypass_transaction_check"`
}

// handleSubmitAnalysis enqueues a manual run. Manual submissions always jump
// the scheduled work.
func (s *Server) handleSubmitAnalysis(w http.ResponseWriter, r *http.Request) {
	var req submitAnalysisRequest
	if !s.readJSON(w, r, &req) {
		return
	}

	useCase := domain.UseCase(req.UseCase)
	if req.UseCase == "" {
		useCase = domain.UseCaseEnterMarket
	}

	if domain.IsSpecialSymbol(req.Symbol) {
		taskID, id, err := s.deps.Queue.SubmitExpansion(queue.InstrumentExpansionTask{
			ExpertID:      req.ExpertID,
			ExpansionType: req.Symbol,
			UseCase:       useCase,
			Priority:      queue.PriorityManual,
		})
		s.writeSubmitResult(w, taskID, id, err)
		return
	}

	taskID, id, err := s.deps.Queue.SubmitAnalysis(queue.AnalysisTask{
		ExpertID:               req.ExpertID,
		Symbol:                 req.Symbol,
		UseCase:                useCase,
		Priority:               queue.PriorityManual,
		BypassBalanceCheck:     req.BypassBalanceCheck,
		BypassTransactionCheck: req.BypassTransactionCheck,
	})
	s.writeSubmitResult(w, taskID, id, err)
}

func (s *Server) writeSubmitResult(w http.ResponseWriter, taskID string, id int64, err error) {
	if err != nil {
		if errors.Is(err, domain.ErrDuplicateTask) {
			s.writeError(w, http.StatusConflict, err.Error())
			return
		}
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]interface{}{"task_id": taskID, "id": id})
}

// ----- activity -----

func (s *Server) handleActivityRecent(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}
	entries, err := s.deps.Activity.Recent(limit)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, entries)
}

// handleLLMUsage reports the LLM spend over a trailing window (default 30
// days).
func (s *Server) handleLLMUsage(w http.ResponseWriter, r *http.Request) {
	days := 30
	if v := r.URL.Query().Get("days"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			days = n
		}
	}
	cutoff := time.Now().AddDate(0, 0, -days)
	total, err := s.deps.LLMUsage.TotalCostSince(cutoff)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"days":       days,
		"total_cost": total,
	})
}

// ----- accounts -----

func (s *Server) handleAccountList(w http.ResponseWriter, r *http.Request) {
	list, err := s.deps.Accounts.List()
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleAccountCreate(w http.ResponseWriter, r *http.Request) {
	var account accounts.Account
	if !s.readJSON(w, r, &account) {
		return
	}
	created, err := s.deps.Accounts.Create(account)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleAccountGet(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	account, err := s.deps.Accounts.Get(id)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, account)
}

func (s *Server) handleAccountDelete(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	if err := s.deps.Accounts.Delete(id); err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.deps.Broker.Evict(id)
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleAccountInfo(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	account, err := s.deps.Broker.Get(id)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	info, err := account.GetAccountInfo(r.Context())
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleAccountPositions(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	account, err := s.deps.Broker.Get(id)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	positions, err := account.GetPositions(r.Context())
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, positions)
}

// handleAccountRefresh runs a full order and transaction reconciliation pass
// for one account, outside the periodic schedule.
func (s *Server) handleAccountRefresh(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	account, err := s.deps.Broker.Get(id)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	if err := account.RefreshOrders(r.Context()); err != nil {
		s.writeDomainError(w, err)
		return
	}
	if err := account.RefreshTransactions(r.Context()); err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "refreshed"})
}

// ----- experts -----

func (s *Server) handleExpertList(w http.ResponseWriter, r *http.Request) {
	list, err := s.deps.Experts.List()
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleExpertCreate(w http.ResponseWriter, r *http.Request) {
	var instance experts.Instance
	if !s.readJSON(w, r, &instance) {
		return
	}
	created, err := s.deps.Experts.Create(instance)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.deps.Jobs.RefreshExpertSchedules(&created.ID)
	s.writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleExpertGet(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	instance, err := s.deps.Experts.Get(id)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, instance)
}

func (s *Server) handleExpertUpdate(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	var instance experts.Instance
	if !s.readJSON(w, r, &instance) {
		return
	}
	instance.ID = id
	if err := s.deps.Experts.Update(instance); err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.deps.Jobs.RefreshExpertSchedules(&id)
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func (s *Server) handleExpertDelete(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	if err := s.deps.Experts.Delete(id); err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.deps.Jobs.RefreshExpertSchedules(&id)
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleScheduleRefresh(w http.ResponseWriter, r *http.Request) {
	var expertID *int64
	if v := r.URL.Query().Get("expert_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid expert_id")
			return
		}
		expertID = &id
	}
	s.deps.Jobs.RefreshExpertSchedules(expertID)
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "refreshed"})
}

// ----- transactions -----

func (s *Server) handleTransactionList(w http.ResponseWriter, r *http.Request) {
	statuses := []domain.TransactionStatus{domain.TxWaiting, domain.TxOpened, domain.TxClosing}
	if v := r.URL.Query().Get("status"); v != "" {
		statuses = []domain.TransactionStatus{domain.TransactionStatus(v)}
	}
	list, err := s.deps.Transactions.ListByStatus(statuses...)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleTransactionGet(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	tx, err := s.deps.Transactions.Get(id)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	txOrders, err := s.deps.Orders.ListByTransaction(id)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"transaction": tx,
		"orders":      txOrders,
	})
}

// handleTransactionClose starts an asynchronous close of the transaction on
// every account that carries its orders.
func (s *Server) handleTransactionClose(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	if _, err := s.deps.Transactions.Get(id); err != nil {
		s.writeDomainError(w, err)
		return
	}

	accountIDs, err := s.deps.Orders.AccountIDsWithOrders(id)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	if len(accountIDs) == 0 {
		s.writeError(w, http.StatusConflict, "transaction has no orders on any account")
		return
	}

	for _, accountID := range accountIDs {
		account, err := s.deps.Broker.Get(accountID)
		if err != nil {
			s.writeDomainError(w, err)
			return
		}
		// Detached from the request context: the close outlives the response.
		account.CloseTransactionAsync(context.Background(), id)
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "closing"})
}

// ----- rulesets -----

func (s *Server) handleRulesetList(w http.ResponseWriter, r *http.Request) {
	list, err := s.deps.Rules.ListRulesets()
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleRulesetEventActions(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	eventActions, err := s.deps.Rules.OrderedEventActions(id)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, eventActions)
}

// ----- settings -----

func (s *Server) handleSettingsList(w http.ResponseWriter, r *http.Request) {
	all, err := s.deps.Settings.GetAll()
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, all)
}

func (s *Server) handleSettingSet(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	var req struct {
		Value string `json:"value"`
	}
	if !s.readJSON(w, r, &req) {
		return
	}
	if err := s.deps.Settings.Set(key, req.Value, nil); err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

// ----- helpers -----

func (s *Server) pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid id")
		return 0, false
	}
	return id, true
}

func (s *Server) readJSON(w http.ResponseWriter, r *http.Request, dest interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dest); err != nil {
		s.writeError(w, http.StatusBadRequest, "malformed request body")
		return false
	}
	return true
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// writeDomainError maps domain error classes onto HTTP statuses.
func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		s.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrValidation):
		s.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrBroker), errors.Is(err, domain.ErrBrokerTransient):
		s.writeError(w, http.StatusBadGateway, err.Error())
	default:
		s.writeError(w, http.StatusInternalServerError, err.Error())
	}
}
