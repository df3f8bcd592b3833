package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	kafkago "github.com/segmentio/kafka-go"

	kafkax "github.com/Bed-guy/newshop/internal/kafka"
	"github.com/Bed-guy/newshop/internal/orders"
	"github.com/Bed-guy/newshop/internal/redisx"
)

// OrdersHandler exposes both historical order surfaces. Authentication is
// handled upstream; the caller's identity arrives as User-Id / X-Admin
// headers.
type OrdersHandler struct {
	Engine    *orders.Engine
	Lifecycle *orders.Controller
	Store     orders.Store
	Redis     *redis.Client
	Service   string

	// Per-topic producers; nil producers disable the audit fan-out.
	Created       *kafkax.Producer
	Paid          *kafkax.Producer
	StatusChanged *kafkax.Producer
}

func (h *OrdersHandler) Register(r *chi.Mux) {
	r.Post("/api/orders", h.createOrder)
	r.Post("/api/orders/from-cart", h.createOrderFromCart)
	r.Post("/api/order/create", h.createOrderCompat) // legacy storefront surface
	r.Post("/api/orders/{id}/pay", h.payOrder)
	r.Put("/api/orders/{id}/status", h.setOrderStatus)
	r.Get("/api/orders/{id}", h.getOrder)
	r.Get("/api/orders", h.listOrders)
}

type createOrderReq struct {
	ExternalID string `json:"external_id"`
	UserID     string `json:"user_id"`
	orders.Recipient
	Items []orders.LineInput `json:"items"`
}

type orderResp struct {
	*orders.Order
	Idempotent bool `json:"idempotent,omitempty"`
}

func (h *OrdersHandler) createOrder(w http.ResponseWriter, r *http.Request) {
	var req createOrderReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}
	if req.ExternalID == "" {
		req.ExternalID = r.Header.Get("X-Idempotency-Key")
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	h.placeAndRespond(ctx, w, r, orders.PlacementInput{
		ExternalID: req.ExternalID,
		UserID:     req.UserID,
		Recipient:  req.Recipient,
		Lines:      req.Items,
	})
}

type fromCartReq struct {
	ExternalID string `json:"external_id"`
	UserID     string `json:"user_id"`
	orders.Recipient
}

func (h *OrdersHandler) createOrderFromCart(w http.ResponseWriter, r *http.Request) {
	var req fromCartReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}
	if req.UserID == "" {
		req.UserID = r.Header.Get("User-Id")
	}
	if req.ExternalID == "" {
		req.ExternalID = r.Header.Get("X-Idempotency-Key")
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if replayed := h.idemFastPath(ctx, w, req.ExternalID); replayed {
		return
	}
	o, existed, err := h.Engine.PlaceOrderFromCart(ctx, req.ExternalID, req.UserID, req.Recipient)
	h.respondPlacement(ctx, w, r, o, existed, err)
}

// createOrderCompat is the older single-product surface: user id rides in
// the user-id header, the body carries one product and quantity.
func (h *OrdersHandler) createOrderCompat(w http.ResponseWriter, r *http.Request) {
	var req struct {
		orders.Recipient
		ProductID  string `json:"product_id"`
		Quantity   int    `json:"quantity"`
		ExternalID string `json:"external_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}
	userID := r.Header.Get("User-Id")
	if userID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "user-id header required"})
		return
	}
	if req.ExternalID == "" {
		req.ExternalID = r.Header.Get("X-Idempotency-Key")
	}
	if req.ExternalID == "" {
		// The legacy client never sent one; each call is a fresh attempt.
		req.ExternalID = uuid.NewString()
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	h.placeAndRespond(ctx, w, r, orders.PlacementInput{
		ExternalID: req.ExternalID,
		UserID:     userID,
		Recipient:  req.Recipient,
		Lines:      []orders.LineInput{{ProductID: req.ProductID, Quantity: req.Quantity}},
	})
}

func (h *OrdersHandler) placeAndRespond(ctx context.Context, w http.ResponseWriter, r *http.Request, in orders.PlacementInput) {
	if replayed := h.idemFastPath(ctx, w, in.ExternalID); replayed {
		return
	}
	o, existed, err := h.Engine.PlaceOrder(ctx, in)
	h.respondPlacement(ctx, w, r, o, existed, err)
}

func (h *OrdersHandler) respondPlacement(ctx context.Context, w http.ResponseWriter, r *http.Request, o *orders.Order, existed bool, err error) {
	if err != nil {
		writeErr(w, err)
		return
	}

	if h.Redis != nil {
		idemKey := fmt.Sprintf(redisx.KeyIdemOrderCreate, o.ExternalID)
		_ = h.Redis.Set(ctx, idemKey, o.ID, redisx.TTLIdempotency).Err()
		h.cacheOrder(ctx, o)
	}
	if !existed {
		h.publishCreated(o, r.Header.Get("X-Request-Id"))
	}

	code := http.StatusCreated
	if existed {
		code = http.StatusOK
	}
	writeJSON(w, code, orderResp{Order: o, Idempotent: existed})
}

// idemFastPath answers a replayed external id straight from Redis. The
// store re-checks either way; this only skips the transaction.
func (h *OrdersHandler) idemFastPath(ctx context.Context, w http.ResponseWriter, externalID string) bool {
	if h.Redis == nil || externalID == "" {
		return false
	}
	orderID, err := h.Redis.Get(ctx, fmt.Sprintf(redisx.KeyIdemOrderCreate, externalID)).Result()
	if err != nil || orderID == "" {
		return false
	}
	o, err := h.Store.GetOrder(ctx, orderID)
	if err != nil {
		return false
	}
	writeJSON(w, http.StatusOK, orderResp{Order: o, Idempotent: true})
	return true
}

func (h *OrdersHandler) payOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "id")
	var req struct {
		PaymentMethod orders.PaymentMethod `json:"payment_method"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	o, err := h.Lifecycle.Pay(ctx, orderID, req.PaymentMethod, r.Header.Get("User-Id"), r.RemoteAddr, isAdmin(r))
	if err != nil {
		writeErr(w, err)
		return
	}

	h.cacheOrder(ctx, o)
	if h.Paid != nil {
		payload := kafkax.MustMarshal(orders.OrderPaidPayload{
			OrderID: o.ID, UserID: o.UserID, Method: o.PaymentMethod,
			Amount: o.TotalAmount, PaidAt: *o.PaymentTime,
		})
		h.publish(h.Paid, orders.EventOrderPaid, o.ID, r.Header.Get("X-Request-Id"), payload)
	}
	writeJSON(w, http.StatusOK, o)
}

func (h *OrdersHandler) setOrderStatus(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "id")
	if !isAdmin(r) {
		writeErr(w, fmt.Errorf("%w: admin only", orders.ErrPermissionDenied))
		return
	}
	var req struct {
		Status orders.Status `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	from := orders.Status("")
	if prev, err := h.Store.GetOrder(ctx, orderID); err == nil {
		from = prev.Status
	}

	o, err := h.Lifecycle.SetStatus(ctx, orderID, req.Status, r.Header.Get("User-Id"), r.RemoteAddr)
	if err != nil {
		writeErr(w, err)
		return
	}

	h.cacheOrder(ctx, o)
	if h.StatusChanged != nil {
		payload := kafkax.MustMarshal(orders.OrderStatusChangedPayload{
			OrderID: o.ID, From: from, To: o.Status, ActorID: r.Header.Get("User-Id"),
		})
		h.publish(h.StatusChanged, orders.EventOrderStatusChanged, o.ID, r.Header.Get("X-Request-Id"), payload)
	}
	writeJSON(w, http.StatusOK, o)
}

func (h *OrdersHandler) getOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "id")

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	if h.Redis != nil {
		key := fmt.Sprintf(redisx.KeyOrderCache, orderID)
		if s, err := h.Redis.Get(ctx, key).Result(); err == nil && s != "" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(s))
			return
		}
	}

	o, err := h.Store.GetOrder(ctx, orderID)
	if err != nil {
		writeErr(w, err)
		return
	}
	h.cacheOrder(ctx, o)
	writeJSON(w, http.StatusOK, o)
}

func (h *OrdersHandler) listOrders(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	q := r.URL.Query()
	f := orders.ListFilter{
		UserID:     q.Get("user_id"),
		MerchantID: q.Get("merchant_id"),
		Status:     orders.Status(q.Get("status")),
		Limit:      atoiDefault(q.Get("limit"), 50),
		Offset:     atoiDefault(q.Get("offset"), 0),
	}
	// non-admin callers only ever see their own orders
	if !isAdmin(r) {
		f.UserID = r.Header.Get("User-Id")
		f.MerchantID = ""
	}
	if f.Status != "" && !f.Status.Valid() {
		writeErr(w, fmt.Errorf("%w: %q", orders.ErrInvalidStatus, f.Status))
		return
	}

	out, err := h.Store.ListOrders(ctx, f)
	if err != nil {
		writeErr(w, err)
		return
	}
	if out == nil {
		out = []orders.Order{}
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *OrdersHandler) cacheOrder(ctx context.Context, o *orders.Order) {
	if h.Redis == nil {
		return
	}
	b, err := json.Marshal(o)
	if err != nil {
		return
	}
	_ = h.Redis.Set(ctx, fmt.Sprintf(redisx.KeyOrderCache, o.ID), b, redisx.TTLOrderCache).Err()
}

func (h *OrdersHandler) publishCreated(o *orders.Order, traceID string) {
	if h.Created == nil {
		return
	}
	lines := make([]orders.LinePayload, 0, len(o.Lines))
	for _, l := range o.Lines {
		lines = append(lines, orders.LinePayload{ProductID: l.ProductID, Quantity: l.Quantity, UnitPrice: l.UnitPrice})
	}
	payload := kafkax.MustMarshal(orders.OrderCreatedPayload{
		OrderID:     o.ID,
		ExternalID:  o.ExternalID,
		UserID:      o.UserID,
		MerchantID:  o.MerchantID,
		Lines:       lines,
		TotalAmount: o.TotalAmount,
	})
	h.publish(h.Created, orders.EventOrderCreated, o.ID, traceID, payload)
}

func (h *OrdersHandler) publish(p *kafkax.Producer, eventType, orderID, traceID string, payload []byte) {
	ev := orders.Envelope{
		EventID:       uuid.NewString(),
		EventType:     eventType,
		EventVersion:  1,
		OccurredAt:    time.Now().UTC(),
		Producer:      h.Service,
		TraceID:       traceID,
		CorrelationID: orderID,
		Payload:       payload,
	}
	p.Publish(orders.PartitionKey(orderID), kafkax.MustMarshal(ev),
		kafkago.Header{Key: "x-event-type", Value: []byte(eventType)},
		kafkago.Header{Key: "x-event-version", Value: []byte("1")},
	)
}

func isAdmin(r *http.Request) bool {
	v := r.Header.Get("X-Admin")
	return v == "1" || v == "true"
}

func atoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	var n int
	if _, err := fmt.Sscanf(s, "%d", &n); err != nil {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, err error) {
	body := map[string]any{"error": err.Error()}
	var shortage *orders.InsufficientStockError
	if errors.As(err, &shortage) {
		body["details"] = shortage.Shortages
	}
	writeJSON(w, statusFromErr(err), body)
}

func statusFromErr(err error) int {
	switch {
	case errors.Is(err, orders.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, orders.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, orders.ErrInsufficientStock),
		errors.Is(err, orders.ErrIllegalTransition):
		return http.StatusConflict
	case errors.Is(err, orders.ErrTransientStorage):
		return http.StatusServiceUnavailable
	case errors.Is(err, orders.ErrInvalidRequest),
		errors.Is(err, orders.ErrInvalidStatus):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
