// Package api exposes the payment core over HTTP.
package api

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"paycore/internal/common/api"
	"paycore/internal/common/database"
	"paycore/internal/common/middleware"
	"paycore/internal/common/money"
	"paycore/internal/ledger"
	"paycore/internal/ledger/domain"
	"paycore/internal/payments"
	"paycore/internal/providers"
	"paycore/internal/providers/cards"
	"paycore/internal/providers/momo"
	"paycore/internal/providers/wallet"
	"paycore/internal/ratelimit"
	"paycore/internal/recon"
	"paycore/internal/risk"
)

// Handler handles payment core HTTP requests.
type Handler struct {
	payments      *payments.Service
	ledger        *ledger.Service
	pipeline      *recon.Pipeline
	limiter       *ratelimit.Limiter
	blacklist     *risk.Blacklist
	webhookSecret string
	currency      money.Currency
	logger        *slog.Logger
}

// NewHandler creates a payment core handler.
func NewHandler(paymentsSvc *payments.Service, ledgerSvc *ledger.Service, pipeline *recon.Pipeline, limiter *ratelimit.Limiter, blacklist *risk.Blacklist, webhookSecret string, currency money.Currency, logger *slog.Logger) *Handler {
	return &Handler{
		payments:      paymentsSvc,
		ledger:        ledgerSvc,
		pipeline:      pipeline,
		limiter:       limiter,
		blacklist:     blacklist,
		webhookSecret: webhookSecret,
		currency:      currency,
		logger:        logger,
	}
}

// Routes returns the payment core routes. The caller mounts auth and the
// generic API rate limit; the payment-initiation quota is applied here.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/orders", h.CreateOrder)
	r.Get("/orders/{id}", h.GetOrder)
	r.Get("/orders/{id}/payments", h.ListOrderPayments)

	r.With(middleware.RateLimit(h.limiter, ratelimit.ActionPayment)).
		Post("/payments", h.InitiatePayment)
	r.Get("/payments/{id}", h.GetPaymentStatus)
	r.Post("/payments/{id}/cancel", h.CancelPayment)

	r.Route("/callbacks", func(r chi.Router) {
		r.Post("/card", h.CardWebhook)
		r.Post("/wallet", h.WalletCallback)
		r.Post("/orange-money", h.MobileMoneyCallback(domain.ProviderOrangeMoney))
		r.Post("/afrimoney", h.MobileMoneyCallback(domain.ProviderAfrimoney))
		r.Post("/qmoney", h.MobileMoneyCallback(domain.ProviderQMoney))
	})

	r.Group(func(r chi.Router) {
		r.Use(middleware.RequireRole(middleware.RoleAdmin))
		r.Get("/orders", h.ListOrders)
		r.Post("/orders/{id}/status", h.OverrideOrderStatus)
		r.Post("/payments/{id}/refund", h.RefundPayment)
		r.Post("/payments/{id}/confirm-transfer", h.ConfirmBankTransfer)
		r.Post("/admin/block-ip", h.BlockIP)
		r.Post("/admin/unblock-ip", h.UnblockIP)
		r.Post("/admin/blacklist", h.UpdateBlacklist)
	})

	return r
}

// CreateOrderRequest is the API request for creating an order.
type CreateOrderRequest struct {
	Customer struct {
		Name    string `json:"name" validate:"required,max=255"`
		Phone   string `json:"phone" validate:"required,max=32"`
		Email   string `json:"email" validate:"omitempty,email"`
		Address string `json:"address" validate:"max=500"`
	} `json:"customer"`
	Items []struct {
		ServiceID      string `json:"service_id" validate:"required"`
		ServiceName    string `json:"service_name" validate:"required"`
		Quantity       int    `json:"quantity" validate:"required,gt=0"`
		UnitPriceMinor int64  `json:"unit_price_minor" validate:"gte=0"`
	} `json:"items" validate:"required,min=1,dive"`
	DeliveryFeeMinor    int64  `json:"delivery_fee_minor" validate:"gte=0"`
	TaxMinor            int64  `json:"tax_minor" validate:"gte=0"`
	DeliveryMethod      string `json:"delivery_method" validate:"omitempty,oneof=pickup delivery"`
	SpecialInstructions string `json:"special_instructions" validate:"max=1000"`
}

// CreateOrder handles POST /orders.
func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	var req CreateOrderRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	items := make([]domain.OrderItem, 0, len(req.Items))
	subtotal := money.Zero(h.currency)
	for _, item := range req.Items {
		unit := money.New(item.UnitPriceMinor, h.currency)
		line := money.New(item.UnitPriceMinor*int64(item.Quantity), h.currency)
		items = append(items, domain.OrderItem{
			ServiceID:   item.ServiceID,
			ServiceName: item.ServiceName,
			Quantity:    item.Quantity,
			UnitPrice:   unit,
			LineTotal:   line,
		})
		subtotal = subtotal.MustAdd(line)
	}

	delivery := money.New(req.DeliveryFeeMinor, h.currency)
	tax := money.New(req.TaxMinor, h.currency)
	totals := domain.OrderTotals{
		Subtotal:      subtotal,
		Delivery:      delivery,
		Tax:           tax,
		ProcessingFee: money.Zero(h.currency),
		Total:         subtotal.MustAdd(delivery).MustAdd(tax),
	}

	order, err := h.ledger.CreateOrder(r.Context(), ledger.CreateOrderRequest{
		Customer: domain.Customer{
			Name:    req.Customer.Name,
			Phone:   req.Customer.Phone,
			Email:   req.Customer.Email,
			Address: req.Customer.Address,
		},
		Items:               items,
		Totals:              totals,
		DeliveryMethod:      domain.DeliveryMethod(req.DeliveryMethod),
		SpecialInstructions: req.SpecialInstructions,
	})
	if err != nil {
		api.BadRequest(w, err.Error())
		return
	}

	api.WriteData(w, http.StatusCreated, order)
}

// GetOrder handles GET /orders/{id}.
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	order, err := h.ledger.GetOrder(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	api.WriteData(w, http.StatusOK, order)
}

// ListOrders handles GET /orders. Admin only.
func (h *Handler) ListOrders(w http.ResponseWriter, r *http.Request) {
	status := domain.OrderStatus(r.URL.Query().Get("status"))
	limit := api.QueryInt(r, "limit", 50, 200)
	offset := api.QueryInt(r, "offset", 0, 0)

	orders, err := h.ledger.ListOrders(r.Context(), status, limit, offset)
	if err != nil {
		api.InternalError(w, "failed to list orders")
		return
	}
	api.WriteData(w, http.StatusOK, orders)
}

// ListOrderPayments handles GET /orders/{id}/payments.
func (h *Handler) ListOrderPayments(w http.ResponseWriter, r *http.Request) {
	paymentsList, err := h.ledger.ListPaymentsByOrder(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	api.WriteData(w, http.StatusOK, paymentsList)
}

// InitiatePaymentRequest is the API request for initiating payment.
type InitiatePaymentRequest struct {
	OrderID    string `json:"order_id" validate:"required"`
	Provider   string `json:"provider" validate:"required,oneof=card wallet orange-money afrimoney qmoney bank-transfer"`
	PayerName  string `json:"payer_name" validate:"max=255"`
	PayerPhone string `json:"payer_phone" validate:"max=32"`
	PayerEmail string `json:"payer_email" validate:"omitempty,email"`
}

// InitiatePayment handles POST /payments.
func (h *Handler) InitiatePayment(w http.ResponseWriter, r *http.Request) {
	var req InitiatePaymentRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	fingerprint := risk.ComputeFingerprint(
		r.Header.Get("User-Agent"),
		r.Header.Get("Accept-Language"),
		r.Header.Get("Accept-Encoding"),
	)

	var accountCreatedAt *time.Time
	if p, ok := middleware.GetPrincipal(r.Context()); ok && p.CreatedAt != nil {
		accountCreatedAt = p.CreatedAt
	}

	result, err := h.payments.Initiate(r.Context(), payments.InitiateRequest{
		OrderID:  req.OrderID,
		Provider: domain.Provider(req.Provider),
		Payer: providers.Payer{
			Name:  req.PayerName,
			Phone: req.PayerPhone,
			Email: req.PayerEmail,
		},
		IPAddress:        middleware.GetClientIP(r.Context()),
		Fingerprint:      fingerprint,
		AccountCreatedAt: accountCreatedAt,
	})
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	api.WriteData(w, http.StatusCreated, map[string]any{
		"payment_id":   result.Payment.ID,
		"order_id":     result.Payment.OrderID,
		"status":       result.Payment.Status,
		"amount_minor": result.Payment.Amount.AmountMinor,
		"currency":     result.Payment.Amount.Currency,
		"continuation": result.Initiation,
	})
}

// GetPaymentStatus handles GET /payments/{id}.
func (h *Handler) GetPaymentStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.payments.GetStatus(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	api.WriteData(w, http.StatusOK, status)
}

// CancelPayment handles POST /payments/{id}/cancel.
func (h *Handler) CancelPayment(w http.ResponseWriter, r *http.Request) {
	payment, err := h.payments.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	api.WriteData(w, http.StatusOK, payment)
}

// RefundRequest is the API request for a refund.
type RefundRequest struct {
	AmountMinor *int64 `json:"amount_minor" validate:"omitempty,gt=0"`
	Reason      string `json:"reason" validate:"max=500"`
}

// RefundPayment handles POST /payments/{id}/refund. Admin only.
func (h *Handler) RefundPayment(w http.ResponseWriter, r *http.Request) {
	var req RefundRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	var amount *money.Money
	if req.AmountMinor != nil {
		m := money.New(*req.AmountMinor, h.currency)
		amount = &m
	}

	refund, err := h.ledger.Refund(r.Context(), chi.URLParam(r, "id"), amount, req.Reason)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	api.WriteData(w, http.StatusCreated, refund)
}

// OverrideOrderStatusRequest is the API request for an order override.
type OverrideOrderStatusRequest struct {
	Status string `json:"status" validate:"required,oneof=confirmed in-progress ready completed cancelled"`
}

// OverrideOrderStatus handles POST /orders/{id}/status. Admin only.
func (h *Handler) OverrideOrderStatus(w http.ResponseWriter, r *http.Request) {
	var req OverrideOrderStatusRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	operatorID := ""
	if p, ok := middleware.GetPrincipal(r.Context()); ok {
		operatorID = p.UserID
	}

	order, err := h.ledger.AdminOverrideOrderStatus(r.Context(), chi.URLParam(r, "id"), domain.OrderStatus(req.Status), operatorID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	api.WriteData(w, http.StatusOK, order)
}

// ConfirmBankTransfer handles POST /payments/{id}/confirm-transfer. An
// operator verified the incoming transfer; this is the bank transfer rail's
// "callback".
func (h *Handler) ConfirmBankTransfer(w http.ResponseWriter, r *http.Request) {
	paymentID := chi.URLParam(r, "id")

	result, err := h.pipeline.Process(r.Context(), &providers.CallbackEvent{
		Provider:   domain.ProviderBankTransfer,
		PaymentID:  paymentID,
		RawStatus:  "confirmed",
		OccurredAt: time.Now().UTC(),
	})
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	api.WriteData(w, http.StatusOK, map[string]string{"result": string(result)})
}

// CardWebhook handles POST /callbacks/card. The acquirer signs deliveries;
// a bad signature raises a security event and never touches the ledger.
func (h *Handler) CardWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		api.BadRequest(w, "unreadable body")
		return
	}

	signature := r.Header.Get("X-Signature")
	if !cards.VerifySignature(h.webhookSecret, body, signature) {
		h.pipeline.RecordSecurityEvent(r.Context(), "webhook-signature-failure",
			middleware.GetClientIP(r.Context()),
			map[string]string{"provider": string(domain.ProviderCard)},
		)
		api.Unauthorized(w, "invalid signature")
		return
	}

	event, err := cards.ParseWebhook(body)
	if err != nil {
		api.BadRequest(w, "malformed payload")
		return
	}
	h.acknowledge(w, r, event)
}

// WalletCallback handles POST /callbacks/wallet.
func (h *Handler) WalletCallback(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		api.BadRequest(w, "unreadable body")
		return
	}

	event, err := wallet.ParseCallback(body)
	if err != nil {
		api.BadRequest(w, "malformed payload")
		return
	}
	h.acknowledge(w, r, event)
}

// MobileMoneyCallback builds the handler for one mobile money rail.
func (h *Handler) MobileMoneyCallback(provider domain.Provider) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			api.BadRequest(w, "unreadable body")
			return
		}

		event, err := momo.ParseCallback(provider, body)
		if err != nil {
			api.BadRequest(w, "malformed payload")
			return
		}
		h.acknowledge(w, r, event)
	}
}

// acknowledge runs an event through reconciliation and answers 200 on
// receipt regardless of whether it was applied, a duplicate or unknown, so
// providers never retry events we have already seen.
func (h *Handler) acknowledge(w http.ResponseWriter, r *http.Request, event *providers.CallbackEvent) {
	result, err := h.pipeline.Process(r.Context(), event)
	if err != nil {
		api.InternalError(w, "reconciliation failed")
		return
	}
	api.WriteData(w, http.StatusOK, map[string]string{"result": string(result)})
}

// BlockIPRequest is the API request for blocking a key.
type BlockIPRequest struct {
	IP string `json:"ip" validate:"required"`
}

// BlockIP handles POST /admin/block-ip. Admin only.
func (h *Handler) BlockIP(w http.ResponseWriter, r *http.Request) {
	var req BlockIPRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}
	h.limiter.BlockIP(req.IP)
	api.WriteData(w, http.StatusOK, map[string]string{"ip": req.IP, "blocked": "true"})
}

// UnblockIP handles POST /admin/unblock-ip. Admin only.
func (h *Handler) UnblockIP(w http.ResponseWriter, r *http.Request) {
	var req BlockIPRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}
	h.limiter.UnblockIP(req.IP)
	api.WriteData(w, http.StatusOK, map[string]string{"ip": req.IP, "blocked": "false"})
}

// BlacklistRequest is the API request for editing the contact blacklist.
type BlacklistRequest struct {
	Contact string `json:"contact" validate:"required"`
	Remove  bool   `json:"remove"`
}

// UpdateBlacklist handles POST /admin/blacklist. Admin only.
func (h *Handler) UpdateBlacklist(w http.ResponseWriter, r *http.Request) {
	var req BlacklistRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}
	if req.Remove {
		h.blacklist.Remove(req.Contact)
	} else {
		h.blacklist.Add(req.Contact)
	}
	api.WriteData(w, http.StatusOK, map[string]any{"contact": req.Contact, "blacklisted": !req.Remove})
}

// writeServiceError maps service errors onto the HTTP error taxonomy.
func (h *Handler) writeServiceError(w http.ResponseWriter, err error) {
	var (
		ite *domain.InvalidTransitionError
		ios *domain.InvalidOrderStateError
		ioe *domain.IllegalOverrideError
		ure *domain.UnpayableRefundError
		ore *domain.OverRefundError
		dse *domain.DuplicateSettlementError
		rbe *payments.RiskBlockedError
		pue *payments.ProviderUnavailableError
	)

	switch {
	case errors.Is(err, database.ErrNotFound):
		api.NotFound(w, "resource not found")
	case errors.As(err, &rbe):
		api.WriteErrorWithDetails(w, http.StatusForbidden, api.ErrCodeRiskBlocked,
			"Transaction blocked", map[string]string{"risk_level": rbe.Level})
	case errors.As(err, &pue):
		api.WriteError(w, http.StatusBadGateway, api.ErrCodeProviderUnavail, pue.Error())
	case errors.As(err, &ite), errors.As(err, &ios), errors.As(err, &ioe),
		errors.As(err, &ure), errors.As(err, &ore), errors.As(err, &dse):
		api.Conflict(w, err.Error())
	case errors.Is(err, database.ErrConflict):
		api.Conflict(w, "concurrent update, retry")
	default:
		h.logger.Error("request failed", "error", err)
		api.InternalError(w, "internal error")
	}
}
