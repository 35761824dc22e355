package orderapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"git.platform.alem.school/amibragim/delayed-orders/internal/domain/orders"
	"git.platform.alem.school/amibragim/delayed-orders/internal/ports"
	"git.platform.alem.school/amibragim/delayed-orders/internal/shared/errs"
	"git.platform.alem.school/amibragim/delayed-orders/internal/shared/logger"

	"github.com/go-chi/chi/v5"
)

const (
	maxBodyBytes   = 1 << 20 // 1 MiB
	maxBatch       = 100
	submitTimeout  = 5 * time.Second
	healthzTimeout = 2 * time.Second
)

// demoOrders are submitted by GET /sendDelay.
var demoOrders = []orders.Order{
	{ID: "123456", Name: "Mi 6", Status: orders.StatusPending},
	{ID: "456789", Name: "Mi 8", Status: orders.StatusPaid},
}

// Handler adapts HTTP requests to the delay producer.
type Handler struct {
	submitter ports.DelaySubmitter
	pinger    ports.Pinger
	store     ports.OrderStore
	logger    *logger.Logger
}

// NewHandler wires the HTTP surface. store may be nil; when set, the submitted
// status is recorded there before the order is delayed.
func NewHandler(submitter ports.DelaySubmitter, pinger ports.Pinger, store ports.OrderStore, logger *logger.Logger) *Handler {
	return &Handler{submitter: submitter, pinger: pinger, store: store, logger: logger}
}

// Register mounts the routes on r.
func (handler *Handler) Register(r chi.Router) {
	r.Post("/orders", handler.handleSubmitOrders)
	r.Get("/orders/{order_id}/status", handler.handleGetStatus)
	r.Get("/sendDelay", handler.handleSendDelay)
	r.Get("/healthz", handler.handleHealthz)
}

// --- Request/Response DTOs (HTTP boundary) ---

type submitOrderRequest struct {
	OrderID     string      `json:"order_id"`
	OrderName   string      `json:"order_name"`
	OrderStatus statusField `json:"order_status"`
}

type orderStatusResponse struct {
	OrderID     string `json:"order_id"`
	OrderStatus int    `json:"order_status"`
	Status      string `json:"status"`
}

type submitOrdersResponse struct {
	Status    string `json:"status"`
	Submitted int    `json:"submitted"`
}

// statusField accepts the numeric wire value or a status name.
type statusField struct {
	value orders.OrderStatus
	set   bool
}

func (s *statusField) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		return nil
	}

	var n int
	if err := json.Unmarshal(b, &n); err == nil {
		s.value, s.set = orders.OrderStatus(n), true
		return nil
	}

	var name string
	if err := json.Unmarshal(b, &name); err != nil {
		return errors.New("order_status must be an integer or a status name")
	}
	st, ok := orders.ParseStatus(strings.TrimSpace(name))
	if !ok {
		return fmt.Errorf("unknown order_status %q", name)
	}
	s.value, s.set = st, true
	return nil
}

// --- Handlers ---

func (handler *Handler) handleSubmitOrders(w http.ResponseWriter, r *http.Request) {
	ctx := handler.withReqID(r.Context(), w, r)

	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	defer r.Body.Close()

	if ct := r.Header.Get("Content-Type"); ct != "" && !strings.HasPrefix(ct, "application/json") {
		handler.httpError(ctx, w, http.StatusUnsupportedMediaType, "Content-Type must be application/json", errors.New("unsupported content type: "+ct))
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		handler.httpError(ctx, w, http.StatusBadRequest, "failed to read body: "+err.Error(), err)
		return
	}

	reqs, err := decodeSubmitRequests(body)
	if err != nil {
		handler.httpError(ctx, w, http.StatusBadRequest, err.Error(), err)
		return
	}

	batch, err := toOrders(reqs)
	if err != nil {
		handler.httpError(ctx, w, http.StatusBadRequest, err.Error(), err)
		return
	}

	handler.logger.Debug(ctx, "orders_received", "Delayed order request received", map[string]any{"count": len(batch)})

	if !handler.submit(ctx, w, batch) {
		return
	}
	handler.jsonResponse(ctx, w, http.StatusAccepted, submitOrdersResponse{Status: "accepted", Submitted: len(batch)})
}

// handleGetStatus reports the stored status of an order.
func (handler *Handler) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	ctx := handler.withReqID(r.Context(), w, r)
	orderID := chi.URLParam(r, "order_id")

	if handler.store == nil {
		handler.httpError(ctx, w, http.StatusNotImplemented, "order store is disabled", errors.New("store.driver is none"))
		return
	}

	status, err := handler.store.Get(ctx, orderID)
	switch {
	case errors.Is(err, errs.ErrOrderNotFound):
		handler.jsonResponse(ctx, w, http.StatusNotFound, map[string]string{"error": "not found"})
		return
	case err != nil:
		handler.httpError(ctx, w, http.StatusServiceUnavailable, "order store unavailable", err)
		return
	}

	handler.jsonResponse(ctx, w, http.StatusOK, orderStatusResponse{
		OrderID:     orderID,
		OrderStatus: int(status),
		Status:      status.String(),
	})
}

func (handler *Handler) handleSendDelay(w http.ResponseWriter, r *http.Request) {
	ctx := handler.withReqID(r.Context(), w, r)

	batch := make([]orders.Order, len(demoOrders))
	copy(batch, demoOrders)

	if !handler.submit(ctx, w, batch) {
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (handler *Handler) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if err := handler.pinger.Ping(healthzTimeout); err != nil {
		handler.logger.Warn(ctx, "healthz_failed", "Broker is not reachable", map[string]any{"error": err.Error()})
		handler.jsonResponse(ctx, w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}
	handler.jsonResponse(ctx, w, http.StatusOK, map[string]string{"status": "ok"})
}

// submit records (when a store is set) and delays batch; on failure it has
// already written the error response. With a transactional store the records are
// rolled back when publishing fails.
func (handler *Handler) submit(ctx context.Context, w http.ResponseWriter, batch []orders.Order) bool {
	ctx, cancel := context.WithTimeout(ctx, submitTimeout)
	defer cancel()

	var publishErr error
	err := handler.inTx(ctx, func(ctx context.Context) error {
		if handler.store != nil {
			for _, order := range batch {
				if err := handler.store.UpdateStatus(ctx, order.ID, order.Status); err != nil {
					return err
				}
			}
		}
		publishErr = handler.submitter.SubmitDelayedBatch(ctx, batch...)
		return publishErr
	})

	switch {
	case err == nil:
	case publishErr != nil && errors.Is(publishErr, errs.ErrTransport):
		handler.httpError(ctx, w, http.StatusBadGateway, "failed to hand order to the broker", err)
		return false
	case publishErr != nil:
		handler.httpError(ctx, w, http.StatusInternalServerError, "failed to submit order", err)
		return false
	default:
		// record, begin or commit failed
		handler.httpError(ctx, w, http.StatusServiceUnavailable, "order store unavailable", err)
		return false
	}

	for _, order := range batch {
		handler.logger.Info(ctx, "order_submitted", "Order submitted for delayed evaluation", map[string]any{
			"order_id":     order.ID,
			"order_status": order.Status.String(),
		})
	}
	return true
}

// inTx runs fn in a store transaction when the store supports one.
func (handler *Handler) inTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if tx, ok := handler.store.(ports.Transactor); ok {
		return tx.InTx(ctx, fn)
	}
	return fn(ctx)
}

// --- Helpers ---

// decodeSubmitRequests accepts a single order object or an array of them.
func decodeSubmitRequests(body []byte) ([]submitOrderRequest, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, errors.New("request body is empty")
	}

	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.DisallowUnknownFields()

	var reqs []submitOrderRequest
	if trimmed[0] == '[' {
		if err := dec.Decode(&reqs); err != nil {
			return nil, fmt.Errorf("invalid JSON: %w", err)
		}
	} else {
		var req submitOrderRequest
		if err := dec.Decode(&req); err != nil {
			return nil, fmt.Errorf("invalid JSON: %w", err)
		}
		reqs = append(reqs, req)
	}
	if dec.More() {
		return nil, errors.New("invalid JSON: trailing data after value")
	}

	switch {
	case len(reqs) == 0:
		return nil, errors.New("at least one order is required")
	case len(reqs) > maxBatch:
		return nil, fmt.Errorf("at most %d orders per request", maxBatch)
	}
	return reqs, nil
}

func toOrders(reqs []submitOrderRequest) ([]orders.Order, error) {
	out := make([]orders.Order, 0, len(reqs))
	seen := make(map[string]struct{}, len(reqs))

	for i, req := range reqs {
		if !req.OrderStatus.set {
			return nil, fmt.Errorf("order %d: %w", i+1, errs.NewInvalidOrderError("order_status", "is required"))
		}
		order, err := orders.New(req.OrderID, req.OrderName, req.OrderStatus.value)
		if err != nil {
			return nil, fmt.Errorf("order %d: %w", i+1, err)
		}
		if _, dup := seen[order.ID]; dup {
			return nil, fmt.Errorf("order %d: %w", i+1, errs.NewInvalidOrderError("order_id", "is duplicated in the request"))
		}
		seen[order.ID] = struct{}{}
		out = append(out, order)
	}
	return out, nil
}

// httpError sends a JSON error response with a message.
func (handler *Handler) httpError(ctx context.Context, w http.ResponseWriter, status int, msg string, err error) {
	action := "request_failed"
	switch {
	case status == http.StatusBadGateway:
		action = "rabbitmq_publish_failed"
	case status >= 500:
		action = "http_internal_error"
	case status == http.StatusBadRequest:
		action = "validation_failed"
	case status == http.StatusUnsupportedMediaType:
		action = "unsupported_media_type"
	}
	handler.logger.Error(ctx, action, msg, err)

	type errBody struct {
		Error string `json:"error"`
	}
	handler.jsonResponse(ctx, w, status, errBody{Error: msg})
}

// jsonResponse encodes data as the response body.
func (handler *Handler) jsonResponse(ctx context.Context, w http.ResponseWriter, status int, data any) {
	buf := []byte("{}")
	if data != nil {
		var err error
		buf, err = json.Marshal(data)
		if err != nil {
			handler.logger.Error(ctx, "response_encode_failed", "failed to encode response", err)
			http.Error(w, `{"error":"failed to encode response"}`, http.StatusInternalServerError)
			return
		}
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(buf)
}

// withReqID extracts or generates a request ID, echoes it back and adds it to the context.
func (handler *Handler) withReqID(ctx context.Context, w http.ResponseWriter, r *http.Request) context.Context {
	reqID := r.Header.Get("X-Request-ID")
	if reqID == "" {
		reqID = logger.NewRequestID()
	}
	w.Header().Set("X-Request-ID", reqID)
	return handler.logger.WithRequestID(ctx, reqID)
}
