// Package admin exposes the operator HTTP surface: dead letter inspection and
// requeue, outbox retry, bulk reminder requeue and the synchronous send-now path.
package admin

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	json "github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/zoff-tech/go-reminder-outbox/pkg/processor"
	"github.com/zoff-tech/go-reminder-outbox/pkg/store"
)

// Handler holds the dependencies for the admin routes.
type Handler struct {
	sendNow  *processor.SendNowService
	requeue  *processor.RequeueService
	logger   *zap.Logger
	validate *validator.Validate
}

// NewHandler creates a new Handler.
func NewHandler(sendNow *processor.SendNowService, requeue *processor.RequeueService, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		sendNow:  sendNow,
		requeue:  requeue,
		logger:   logger.Named("admin"),
		validate: validator.New(),
	}
}

// Routes builds the router.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(h.logRequests)

	r.Get("/healthz", h.Health)
	r.Post("/reminders/send-now", h.SendNow)

	r.Route("/admin", func(r chi.Router) {
		r.Get("/dead_letters", h.ListDeadLetters)
		r.Get("/dead_letters/{id}", h.GetDeadLetter)
		r.Post("/dead_letters/{id}/requeue", h.RequeueDeadLetter)
		r.Post("/outbox/{id}/retry", h.RetryOutboxItem)
		r.Post("/reminders/requeue-failed", h.RequeueFailedReminders)
	})
	return r
}

type sendNowRequest struct {
	ReminderID int64 `json:"reminder_id" validate:"required,gt=0"`
	Force      bool  `json:"force"`
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

type deadLetterView struct {
	ID            int64           `json:"id"`
	Kind          string          `json:"kind"`
	Payload       json.RawMessage `json:"payload"`
	Error         string          `json:"error"`
	Retries       int             `json:"retries"`
	NextAttemptAt *time.Time      `json:"next_attempt_at"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

type outboxView struct {
	ID            int64           `json:"id"`
	Topic         string          `json:"topic"`
	Payload       json.RawMessage `json:"payload"`
	Status        store.Status    `json:"status"`
	Attempts      int             `json:"attempts"`
	NextAttemptAt *time.Time      `json:"next_attempt_at"`
	DispatchedAt  *time.Time      `json:"dispatched_at"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// SendNow handles POST /reminders/send-now.
func (h *Handler) SendNow(w http.ResponseWriter, r *http.Request) {
	var req sendNowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "bad_request", "invalid request body: "+err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		h.writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	res, err := h.sendNow.SendNow(r.Context(), req.ReminderID, req.Force)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, res)
}

// ListDeadLetters handles GET /admin/dead_letters?limit=&after_id=.
func (h *Handler) ListDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "bad_request", "invalid limit")
		return
	}
	afterID, err := queryInt(r, "after_id")
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "bad_request", "invalid after_id")
		return
	}

	page, err := h.requeue.ListDeadLetters(r.Context(), afterID, int(limit))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	views := make([]deadLetterView, 0, len(page.Data))
	for _, dl := range page.Data {
		views = append(views, newDeadLetterView(dl))
	}
	resp := struct {
		Data        []deadLetterView `json:"data"`
		NextAfterID *int64           `json:"next_after_id"`
	}{Data: views}
	if page.NextAfterID > 0 {
		resp.NextAfterID = &page.NextAfterID
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) GetDeadLetter(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	dl, err := h.requeue.GetDeadLetter(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, newDeadLetterView(dl))
}

func (h *Handler) RequeueDeadLetter(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	res, err := h.requeue.RequeueDeadLetter(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, res)
}

func (h *Handler) RetryOutboxItem(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	res, err := h.requeue.RetryOutboxItem(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, struct {
		Entry   outboxView `json:"entry"`
		Changed bool       `json:"changed"`
	}{Entry: newOutboxView(res.Entry), Changed: res.Changed})
}

func (h *Handler) RequeueFailedReminders(w http.ResponseWriter, r *http.Request) {
	n, err := h.requeue.RequeueFailedReminders(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]int64{"requeued": n})
}

// fail maps an operation error onto a status code.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	var deliveryErr *processor.DeliveryError
	switch {
	case errors.Is(err, store.ErrReminderNotFound),
		errors.Is(err, store.ErrOutboxNotFound),
		errors.Is(err, store.ErrDeadLetterNotFound):
		h.writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, processor.ErrConflict):
		h.writeError(w, http.StatusConflict, "conflict", err.Error())
	case errors.As(err, &deliveryErr):
		h.writeError(w, http.StatusBadGateway, "delivery_failed", err.Error())
	default:
		h.logger.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "internal", "internal error")
	}
}

func (h *Handler) pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		h.writeError(w, http.StatusBadRequest, "bad_request", "invalid id")
		return 0, false
	}
	return id, true
}

func (h *Handler) writeError(w http.ResponseWriter, status int, code, msg string) {
	h.writeJSON(w, status, errorResponse{Error: msg, Code: code})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Warn("write response", zap.Error(err))
	}
}

func (h *Handler) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		started := time.Now()
		next.ServeHTTP(ww, r)
		h.logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(started)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func queryInt(r *http.Request, key string) (int64, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		return 0, errors.New("invalid " + key)
	}
	return n, nil
}

func newDeadLetterView(dl store.DeadLetter) deadLetterView {
	return deadLetterView{
		ID:            dl.ID,
		Kind:          dl.Kind,
		Payload:       rawJSON(dl.Payload),
		Error:         dl.Error,
		Retries:       dl.Retries,
		NextAttemptAt: dl.NextAttemptAt,
		CreatedAt:     dl.CreatedAt,
		UpdatedAt:     dl.UpdatedAt,
	}
}

func newOutboxView(e store.OutboxEntry) outboxView {
	return outboxView{
		ID:            e.ID,
		Topic:         e.Topic,
		Payload:       rawJSON(e.Payload),
		Status:        e.Status,
		Attempts:      e.Attempts,
		NextAttemptAt: e.NextAttemptAt,
		DispatchedAt:  e.DispatchedAt,
		CreatedAt:     e.CreatedAt,
		UpdatedAt:     e.UpdatedAt,
	}
}

// rawJSON passes stored payloads through untouched, quoting anything that is not JSON.
func rawJSON(payload []byte) json.RawMessage {
	if len(payload) == 0 {
		return json.RawMessage("null")
	}
	if json.Valid(payload) {
		return json.RawMessage(payload)
	}
	quoted, _ := json.Marshal(string(payload))
	return quoted
}
