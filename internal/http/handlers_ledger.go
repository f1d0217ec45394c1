package http

import (
	"net/http"

	"github.com/google/uuid"

	"finsight/internal/core"
	"finsight/internal/log"
)

func (s *Server) handleListTransactions(w http.ResponseWriter, r *http.Request, userID string) {
	list, err := s.deps.Store.ListTransactions(r.Context(), userID)
	if err != nil {
		logError(r, "Failed to list transactions", err, log.OpList)
		StoreError(err).Write(w)
		return
	}
	out := make([]transactionJSON, 0, len(list))
	for _, t := range list {
		out = append(out, toTransactionJSON(t))
	}
	NewJSONResponse().Body(map[string]any{"transactions": out}).Write(w)
}

func (s *Server) handleCreateTransaction(w http.ResponseWriter, r *http.Request, userID string) {
	var req transactionRequest
	if err := DecodeJSON(w, r, &req); err != nil {
		BadRequestError(err.Error()).Write(w)
		return
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		UnprocessableEntityError(err.Error()).Write(w)
		return
	}
	date, err := core.ParseDate(req.Date)
	if err != nil {
		UnprocessableEntityError("date must be YYYY-MM-DD").Write(w)
		return
	}

	t := core.Transaction{
		ID:          uuid.NewString(),
		UserID:      userID,
		Amount:      amount,
		Type:        core.TransactionType(req.Type),
		CategoryID:  req.CategoryID,
		Description: sanitizeInput(req.Description),
		Date:        date,
	}
	if err := t.Validate(); err != nil {
		UnprocessableEntityError(err.Error()).Write(w)
		return
	}
	if err := s.deps.Store.CreateTransaction(r.Context(), t); err != nil {
		logError(r, "Failed to create transaction", err, log.OpCreate)
		StoreError(err).Write(w)
		return
	}
	NewJSONResponse().Status(http.StatusCreated).Body(toTransactionJSON(t)).Write(w)
}

func (s *Server) handleCreateCategory(w http.ResponseWriter, r *http.Request, userID string) {
	var req categoryRequest
	if err := DecodeJSON(w, r, &req); err != nil {
		BadRequestError(err.Error()).Write(w)
		return
	}
	c := core.Category{
		ID:     uuid.NewString(),
		UserID: userID,
		Name:   sanitizeInput(req.Name),
		Type:   core.TransactionType(req.Type),
		Color:  req.Color,
		Icon:   sanitizeInput(req.Icon),
	}
	if err := c.Validate(); err != nil {
		UnprocessableEntityError(err.Error()).Write(w)
		return
	}
	if err := s.deps.Store.CreateCategory(r.Context(), c); err != nil {
		logError(r, "Failed to create category", err, log.OpCreate)
		StoreError(err).Write(w)
		return
	}
	NewJSONResponse().Status(http.StatusCreated).Body(createdJSON{ID: c.ID}).Write(w)
}

func (s *Server) handleCreateBudget(w http.ResponseWriter, r *http.Request, userID string) {
	var req budgetRequest
	if err := DecodeJSON(w, r, &req); err != nil {
		BadRequestError(err.Error()).Write(w)
		return
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		UnprocessableEntityError(err.Error()).Write(w)
		return
	}
	start, err := core.ParseDate(req.StartDate)
	if err != nil {
		UnprocessableEntityError("start_date must be YYYY-MM-DD").Write(w)
		return
	}
	end, err := parseOptionalDate(req.EndDate)
	if err != nil {
		UnprocessableEntityError("end_date must be YYYY-MM-DD").Write(w)
		return
	}

	b := core.Budget{
		ID:         uuid.NewString(),
		UserID:     userID,
		CategoryID: req.CategoryID,
		Amount:     amount,
		Period:     core.BudgetPeriod(req.Period),
		StartDate:  start,
		EndDate:    end,
	}
	if err := b.Validate(); err != nil {
		UnprocessableEntityError(err.Error()).Write(w)
		return
	}
	if err := s.deps.Store.CreateBudget(r.Context(), b); err != nil {
		logError(r, "Failed to create budget", err, log.OpCreate)
		StoreError(err).Write(w)
		return
	}
	NewJSONResponse().Status(http.StatusCreated).Body(createdJSON{ID: b.ID}).Write(w)
}

func (s *Server) handleCreateSavingsGoal(w http.ResponseWriter, r *http.Request, userID string) {
	var req savingsGoalRequest
	if err := DecodeJSON(w, r, &req); err != nil {
		BadRequestError(err.Error()).Write(w)
		return
	}
	target, err := parseAmount("target_amount", req.TargetAmount)
	if err != nil {
		UnprocessableEntityError(err.Error()).Write(w)
		return
	}
	current, err := parseOptionalAmount("current_amount", req.CurrentAmount)
	if err != nil {
		UnprocessableEntityError(err.Error()).Write(w)
		return
	}
	targetDate, err := parseOptionalDate(req.TargetDate)
	if err != nil {
		UnprocessableEntityError("target_date must be YYYY-MM-DD").Write(w)
		return
	}

	g := core.SavingsGoal{
		ID:            uuid.NewString(),
		UserID:        userID,
		Name:          sanitizeInput(req.Name),
		TargetAmount:  target,
		CurrentAmount: current,
		TargetDate:    targetDate,
	}
	if err := g.Validate(); err != nil {
		UnprocessableEntityError(err.Error()).Write(w)
		return
	}
	if err := s.deps.Store.CreateSavingsGoal(r.Context(), g); err != nil {
		logError(r, "Failed to create savings goal", err, log.OpCreate)
		StoreError(err).Write(w)
		return
	}
	NewJSONResponse().Status(http.StatusCreated).Body(createdJSON{ID: g.ID}).Write(w)
}
