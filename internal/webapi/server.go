package webapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"remna-bot/internal/billing"
	"remna-bot/internal/payments"
	"remna-bot/internal/scheduler"
)

// Server - HTTP-поверхность сервиса: прием платежных вебхуков и
// админские операции биллинга
type Server struct {
	server     *http.Server
	sched      *scheduler.Scheduler
	reconciler *payments.Reconciler
}

func NewServer(addr string, sched *scheduler.Scheduler, reconciler *payments.Reconciler) *Server {
	s := &Server{
		sched:      sched,
		reconciler: reconciler,
	}

	r := chi.NewRouter()
	r.Get("/health", s.handleHealth)
	r.Post("/webhook/yookassa", s.handleYooKassaWebhook)
	r.Get("/api/billing/status", s.handleBillingStatus)
	r.Post("/api/billing/run", s.handleBillingRun)

	s.server = &http.Server{
		Addr:    addr,
		Handler: r,
	}
	return s
}

func (s *Server) Start() error {
	slog.Info("Web API server started", "addr", s.server.Addr)
	return s.server.ListenAndServe()
}

func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// Handler отдает роутер сервера, используется в тестах
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// yooKassaEvent - формат уведомления YooKassa.
// Подпись запроса проверяется на внешнем периметре, сюда приходит уже
// проверенное тело.
type yooKassaEvent struct {
	Event  string `json:"event"`
	Object struct {
		ID     string `json:"id"`
		Amount struct {
			Value    string `json:"value"`
			Currency string `json:"currency"`
		} `json:"amount"`
	} `json:"object"`
}

func (s *Server) handleYooKassaWebhook(w http.ResponseWriter, r *http.Request) {
	var event yooKassaEvent
	if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
		slog.Error("Failed to parse YooKassa webhook body", "error", err)
		writeJSON(w, http.StatusBadRequest, map[string]string{"status": "error", "message": "invalid JSON body"})
		return
	}

	slog.Info("YooKassa webhook received", "event", event.Event, "payment_id", event.Object.ID)

	var status payments.NotificationStatus
	switch event.Event {
	case "payment.succeeded":
		status = payments.NotificationSucceeded
	case "payment.canceled":
		status = payments.NotificationCanceled
	default:
		// Неинтересные события подтверждаем, чтобы провайдер не ретраил
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	amount, err := decimal.NewFromString(event.Object.Amount.Value)
	if err != nil {
		slog.Warn("Unparseable webhook amount", "payment_id", event.Object.ID, "value", event.Object.Amount.Value)
		amount = decimal.Zero
	}

	outcome, err := s.reconciler.Handle(r.Context(), payments.Notification{
		PaymentID: event.Object.ID,
		Method:    "yookassa",
		Status:    status,
		Amount:    amount,
		Currency:  event.Object.Amount.Currency,
	})
	if err != nil {
		slog.Error("Webhook processing failed", "payment_id", event.Object.ID, "error", err)
		// Внутренний сбой: пусть провайдер доставит уведомление еще раз,
		// повторная обработка идемпотентна
		writeJSON(w, http.StatusInternalServerError, map[string]string{"status": "error"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": string(outcome)})
}

func (s *Server) handleBillingStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sched.Status())
}

func (s *Server) handleBillingRun(w http.ResponseWriter, r *http.Request) {
	report, err := s.sched.ForceRun(r.Context())
	if errors.Is(err, billing.ErrAlreadyRunning) {
		writeJSON(w, http.StatusConflict, map[string]string{"status": "already_running"})
		return
	}
	if err != nil {
		resp := map[string]interface{}{"status": "error", "error": err.Error()}
		if report != nil {
			resp["report"] = report
		}
		writeJSON(w, http.StatusInternalServerError, resp)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ok", "report": report})
}

func writeJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}
