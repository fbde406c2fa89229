package timesheet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/go-playground/validator/v10"

	"github.com/odyssey-erp/timesheets/internal/platform/httpx"
	"github.com/odyssey-erp/timesheets/internal/shared"
)

const (
	batchRateLimit    = 30
	batchRateWindow   = time.Minute
	idempotencyModule = "timesheet_day_batch"
	maxListIDs        = 100
)

// IdempotencyGuard rejects replays of a request key.
type IdempotencyGuard interface {
	CheckAndInsert(ctx context.Context, key, module string) error
	Delete(ctx context.Context, key, module string) error
}

// Handler exposes the timesheet service over JSON HTTP.
type Handler struct {
	logger      *slog.Logger
	service     *Service
	validate    *validator.Validate
	idempotency IdempotencyGuard
	rateLimit   func(http.Handler) http.Handler
}

// NewHandler constructs the HTTP handler. idempotency may be nil.
func NewHandler(logger *slog.Logger, service *Service, idempotency IdempotencyGuard) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	limiter := httprate.Limit(batchRateLimit, batchRateWindow,
		httprate.WithKeyFuncs(rateLimitKey),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			httpx.RespondError(w, httpx.ErrRateLimited)
		}),
	)
	return &Handler{
		logger:      logger,
		service:     service,
		validate:    validator.New(),
		idempotency: idempotency,
		rateLimit:   limiter,
	}
}

// MountRoutes registers HTTP routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/timesheets", func(r chi.Router) {
		r.Get("/", h.list)
		r.Post("/", h.create)
		r.With(h.rateLimit).Post("/days/status", h.applyDays)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.get)
			r.Post("/submit", h.submit)
			r.Put("/days", h.updateHours)
			r.Post("/reconcile", h.reconcile)
			r.Post("/reject", h.reject)
			r.Post("/edit-request", h.requestEdit)
			r.Post("/edit-request/approve", h.approveEdit)
			r.Post("/edit-request/reject", h.rejectEdit)
			r.Get("/edit-request/history", h.editHistory)
		})
	})
}

func rateLimitKey(r *http.Request) (string, error) {
	if actor := shared.ActorFromContext(r.Context()); actor != 0 {
		return "actor:" + strconv.FormatInt(actor, 10), nil
	}
	key, err := httprate.KeyByIP(r)
	if err != nil {
		return "", err
	}
	return "ip:" + key, nil
}

type timesheetView struct {
	ID              int64        `json:"id"`
	OwnerID         int64        `json:"ownerId"`
	WeekStart       string       `json:"weekStart"`
	Status          Status       `json:"status"`
	Categories      []Category   `json:"categories"`
	RejectionReason string       `json:"rejectionReason,omitempty"`
	EditRequest     *EditRequest `json:"editRequest,omitempty"`
	Version         int64        `json:"version"`
	UpdatedAt       time.Time    `json:"updatedAt"`
}

func toView(ts Timesheet) timesheetView {
	return timesheetView{
		ID:              ts.ID,
		OwnerID:         ts.OwnerID,
		WeekStart:       ts.WeekStart.Format("2006-01-02"),
		Status:          ts.Status,
		Categories:      ts.Categories,
		RejectionReason: ts.RejectionReason,
		EditRequest:     ts.EditRequest,
		Version:         ts.Version,
		UpdatedAt:       ts.UpdatedAt,
	}
}

type createRequest struct {
	WeekOf     string     `json:"weekOf" validate:"required,datetime=2006-01-02"`
	Categories []Category `json:"categories"`
}

type batchRequest struct {
	Updates         []DayUpdate    `json:"updates" validate:"omitempty,dive"`
	Selections      []DaySelection `json:"selections"`
	Status          DayStatus      `json:"status"`
	RejectionReason string         `json:"rejectionReason"`
}

type reasonRequest struct {
	Reason string `json:"reason" validate:"max=500"`
}

type batchResponse struct {
	BatchResult
	Message string `json:"message"`
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	ts, err := h.service.Get(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toView(ts))
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	raw := strings.TrimSpace(r.URL.Query().Get("ids"))
	if raw == "" {
		h.fail(w, r, fmt.Errorf("%w: ids query parameter required", ErrValidation))
		return
	}
	parts := strings.Split(raw, ",")
	if len(parts) > maxListIDs {
		h.fail(w, r, fmt.Errorf("%w: at most %d ids", ErrValidation, maxListIDs))
		return
	}
	ids := make([]int64, 0, len(parts))
	for _, part := range parts {
		id, err := strconv.ParseInt(strings.TrimSpace(part), 10, 64)
		if err != nil || id <= 0 {
			h.fail(w, r, fmt.Errorf("%w: invalid id %q", ErrValidation, part))
			return
		}
		ids = append(ids, id)
	}
	items, err := h.service.ListByIDs(r.Context(), ids)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out := make([]timesheetView, 0, len(items))
	for _, ts := range items {
		out = append(out, toView(ts))
	}
	httpx.JSON(w, http.StatusOK, out)
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req createRequest
	if !h.decode(w, r, &req) {
		return
	}
	weekOf, _ := time.Parse("2006-01-02", req.WeekOf)
	ts, err := h.service.Create(r.Context(), CreateInput{OwnerID: actor, WeekOf: weekOf, Categories: req.Categories})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toView(ts))
}

func (h *Handler) submit(w http.ResponseWriter, r *http.Request) {
	h.withTimesheet(w, r, func(ctx context.Context, id, actor int64) (any, error) {
		ts, err := h.service.Submit(ctx, id, actor)
		return toView(ts), err
	})
}

func (h *Handler) updateHours(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	id, err := pathID(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var input UpdateHoursInput
	if !h.decode(w, r, &input) {
		return
	}
	input.TimesheetID = id
	input.OwnerID = actor
	ts, err := h.service.UpdateHours(r.Context(), input)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toView(ts))
}

func (h *Handler) applyDays(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req batchRequest
	if !h.decode(w, r, &req) {
		return
	}
	updates := req.Updates
	if len(req.Selections) > 0 {
		status, err := ParseDayStatus(string(req.Status))
		if err != nil {
			h.fail(w, r, err)
			return
		}
		updates = append(updates, GroupSelections(req.Selections, status, req.RejectionReason)...)
	}
	if len(updates) == 0 {
		h.fail(w, r, fmt.Errorf("%w: no day selections", ErrValidation))
		return
	}

	scoped := ""
	if key := strings.TrimSpace(r.Header.Get("Idempotency-Key")); key != "" && h.idempotency != nil {
		scoped = strconv.FormatInt(actor, 10) + ":" + key
		if err := h.idempotency.CheckAndInsert(r.Context(), scoped, idempotencyModule); err != nil {
			if errors.Is(err, shared.ErrIdempotencyConflict) {
				h.fail(w, r, fmt.Errorf("%w: batch already processed", ErrConflict))
				return
			}
			h.logger.Warn("idempotency check", slog.Any("error", err))
			scoped = ""
		}
	}

	res, err := h.service.ApplyDayBatch(r.Context(), actor, updates)
	if err != nil {
		if scoped != "" {
			// The caller must be able to retry the whole batch.
			_ = h.idempotency.Delete(context.WithoutCancel(r.Context()), scoped, idempotencyModule)
		}
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, batchResponse{BatchResult: res, Message: summarize(res)})
}

// summarize never reports skipped days as done.
func summarize(res BatchResult) string {
	if res.Failed == 0 {
		return fmt.Sprintf("%d succeeded", res.Succeeded)
	}
	counts := make(map[string]int)
	for _, f := range res.Failures {
		counts[f.Reason]++
	}
	parts := make([]string, 0, len(counts))
	for _, reason := range []string{FailureInvalidTransition, FailureUnauthorized, FailureNotFound, FailureReasonRequired, FailureEditRequested} {
		if n := counts[reason]; n > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", n, strings.ReplaceAll(reason, "_", " ")))
		}
	}
	return fmt.Sprintf("%d succeeded, %d skipped (%s)", res.Succeeded, res.Failed, strings.Join(parts, ", "))
}

func (h *Handler) reconcile(w http.ResponseWriter, r *http.Request) {
	h.withTimesheet(w, r, func(ctx context.Context, id, _ int64) (any, error) {
		status, err := h.service.Reconcile(ctx, id)
		return map[string]any{"id": id, "status": status}, err
	})
}

func (h *Handler) reject(w http.ResponseWriter, r *http.Request) {
	var req reasonRequest
	h.withTimesheetBody(w, r, &req, func(ctx context.Context, id, actor int64) (any, error) {
		ts, err := h.service.RejectTimesheet(ctx, id, actor, req.Reason)
		return toView(ts), err
	})
}

func (h *Handler) requestEdit(w http.ResponseWriter, r *http.Request) {
	h.withTimesheet(w, r, func(ctx context.Context, id, actor int64) (any, error) {
		ts, err := h.service.RequestEdit(ctx, id, actor)
		return toView(ts), err
	})
}

func (h *Handler) approveEdit(w http.ResponseWriter, r *http.Request) {
	h.withTimesheet(w, r, func(ctx context.Context, id, actor int64) (any, error) {
		consensus, err := h.service.ApproveEditRequest(ctx, id, actor)
		message := "approved, waiting on other supervisors"
		if consensus {
			message = "timesheet is now editable"
		}
		return map[string]any{"id": id, "consensus": consensus, "message": message}, err
	})
}

func (h *Handler) rejectEdit(w http.ResponseWriter, r *http.Request) {
	var req reasonRequest
	h.withTimesheetBody(w, r, &req, func(ctx context.Context, id, actor int64) (any, error) {
		ts, err := h.service.RejectEditRequest(ctx, id, actor, strings.TrimSpace(req.Reason))
		return toView(ts), err
	})
}

type approvalView struct {
	ActorID int64     `json:"actorId"`
	Action  string    `json:"action"`
	Note    string    `json:"note,omitempty"`
	At      time.Time `json:"at"`
}

func (h *Handler) editHistory(w http.ResponseWriter, r *http.Request) {
	h.withTimesheet(w, r, func(ctx context.Context, id, actor int64) (any, error) {
		logs, err := h.service.EditHistory(ctx, id, actor)
		out := make([]approvalView, 0, len(logs))
		for _, l := range logs {
			out = append(out, approvalView{ActorID: l.ActorID, Action: string(l.Action), Note: l.Note, At: l.At})
		}
		return out, err
	})
}

func (h *Handler) withTimesheet(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, id, actor int64) (any, error)) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	id, err := pathID(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out, err := fn(r.Context(), id, actor)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, out)
}

func (h *Handler) withTimesheetBody(w http.ResponseWriter, r *http.Request, body any, fn func(ctx context.Context, id, actor int64) (any, error)) {
	if r.ContentLength != 0 && !h.decode(w, r, body) {
		return
	}
	h.withTimesheet(w, r, fn)
}

func (h *Handler) actor(w http.ResponseWriter, r *http.Request) (int64, bool) {
	actor := shared.ActorFromContext(r.Context())
	if actor == 0 {
		httpx.RespondError(w, fmt.Errorf("%w: %w", httpx.ErrUnauthorized, shared.ErrActorMissing))
		return 0, false
	}
	return actor, true
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, target any) bool {
	if err := httpx.DecodeJSON(r, target); err != nil {
		httpx.RespondError(w, err)
		return false
	}
	if err := h.validate.Struct(target); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			msgs := make([]string, 0, len(fieldErrs))
			for _, fe := range fieldErrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
			}
			err = errors.New(strings.Join(msgs, "; "))
		}
		httpx.RespondError(w, fmt.Errorf("%w: %w", httpx.ErrValidation, err))
		return false
	}
	return true
}

func pathID(r *http.Request) (int64, error) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: invalid timesheet id %q", ErrValidation, raw)
	}
	return id, nil
}

// fail classifies domain errors into HTTP problems.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	var class error
	switch {
	case errors.Is(err, ErrNotFound):
		class = httpx.ErrNotFound
	case errors.Is(err, ErrUnauthorized):
		class = httpx.ErrForbidden
	case errors.Is(err, ErrConflict), errors.Is(err, ErrInvalidState), errors.Is(err, ErrNoApproversAvailable):
		class = httpx.ErrConflict
	case errors.Is(err, ErrValidation):
		class = httpx.ErrValidation
	case errors.Is(err, ErrRepositoryUnavailable):
		class = httpx.ErrUnavailable
	}
	if class == nil || errors.Is(class, httpx.ErrUnavailable) {
		h.logger.Error("timesheet request failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Any("error", err))
	}
	if class == nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.RespondError(w, fmt.Errorf("%w: %w", class, err))
}
