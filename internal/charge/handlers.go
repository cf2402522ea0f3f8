package charge

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/lbruckner/creditmeter/internal/account"
	"github.com/lbruckner/creditmeter/internal/circuitbreaker"
	"github.com/lbruckner/creditmeter/internal/ledger"
	"github.com/lbruckner/creditmeter/internal/metrics"
	"github.com/lbruckner/creditmeter/internal/pagination"
	"github.com/lbruckner/creditmeter/internal/provider"
	"github.com/lbruckner/creditmeter/internal/validation"
)

// VoiceLister serves the cached voice catalog.
type VoiceLister interface {
	Voices(ctx context.Context) ([]provider.Voice, error)
}

// Handler provides HTTP endpoints for charges and paid actions.
type Handler struct {
	service  *Service
	registry *provider.Registry
	voices   VoiceLister
	breaker  *circuitbreaker.Breaker
}

// NewHandler creates a new charge handler. voices may be nil if no voice
// catalog provider is configured.
func NewHandler(service *Service, registry *provider.Registry, voices VoiceLister) *Handler {
	return &Handler{service: service, registry: registry, voices: voices}
}

// WithBreaker guards provider calls with a per-provider circuit breaker.
// A tripped circuit rejects before any credits are deducted.
func (h *Handler) WithBreaker(b *circuitbreaker.Breaker) *Handler {
	h.breaker = b
	return h
}

func (h *Handler) allowProvider(c *gin.Context, name string) bool {
	if h.breaker == nil || h.breaker.Allow(name) {
		return true
	}
	c.JSON(http.StatusServiceUnavailable, gin.H{
		"error":   "provider_unavailable",
		"message": "Provider is temporarily unavailable, try again later",
	})
	return false
}

func (h *Handler) recordProvider(name string, err error) {
	if h.breaker == nil {
		return
	}
	if err != nil {
		h.breaker.RecordFailure(name)
	} else {
		h.breaker.RecordSuccess(name)
	}
}

// RegisterRoutes sets up the authenticated billing routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/charge", h.Charge)
	r.POST("/tts", h.TTS)
	r.POST("/ai/process", h.Process)
	r.GET("/balance", h.Balance)
	r.GET("/transactions", h.Transactions)
	r.GET("/voices", h.Voices)
}

// ChargeRequest is the body for POST /v1/charge.
type ChargeRequest struct {
	Amount        int64  `json:"amount"`
	CharCount     int64  `json:"charCount"`
	IsPremium     bool   `json:"isPremium"`
	ReferenceTxID string `json:"referenceTxId"`
}

// Charge handles POST /v1/charge
func (h *Handler) Charge(c *gin.Context) {
	userID := account.CurrentUserID(c)

	var req ChargeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Request body must be JSON",
		})
		return
	}

	amount := req.Amount
	if amount == 0 {
		amount = req.CharCount
	}
	if amount <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "A positive amount is required",
		})
		return
	}

	class := ledger.ClassFor(req.IsPremium)
	result, err := h.service.Charge(c.Request.Context(), userID, class, amount, req.ReferenceTxID)
	if err != nil {
		h.chargeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"ok":          true,
		"deductionId": result.DeductionID,
		"remaining":   result.Remaining,
		"existing":    result.Existing,
	})
}

// TTSRequest is the body for POST /v1/tts.
type TTSRequest struct {
	Text      string `json:"text"`
	VoiceID   string `json:"voiceId"`
	Provider  string `json:"provider"`
	VoiceType string `json:"voice_type"`
}

// TTS handles POST /v1/tts: charges for the text, then synthesizes audio.
func (h *Handler) TTS(c *gin.Context) {
	userID := account.CurrentUserID(c)

	var req TTSRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Text == "" || req.VoiceID == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "text and voiceId required",
		})
		return
	}
	if len(req.Text) > validation.MaxTextLength {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "text_too_long",
			"message": "text exceeds the maximum billable length",
		})
		return
	}
	if req.Provider == "" {
		req.Provider = "openai"
	}
	premium := req.VoiceType == "premium"

	synth, err := h.registry.Synthesizer(req.Provider)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "unsupported_provider",
			"message": "Unsupported TTS provider",
		})
		return
	}

	if !h.allowProvider(c, synth.Name()) {
		return
	}

	var audio *provider.Audio
	result, err := h.service.Execute(c.Request.Context(), userID, ledger.ClassFor(premium), Cost(req.Text),
		func(ctx context.Context) error {
			defer timeProvider(synth.Name(), time.Now())
			var aerr error
			audio, aerr = synth.Synthesize(ctx, provider.SynthesisRequest{
				Text:    req.Text,
				VoiceID: req.VoiceID,
				Premium: premium,
			})
			observeProvider(synth.Name(), aerr)
			h.recordProvider(synth.Name(), aerr)
			return aerr
		})
	if err != nil {
		h.chargeError(c, err)
		return
	}

	c.Header("X-Deduction-Id", strconv.FormatInt(result.DeductionID, 10))
	c.Data(http.StatusOK, audio.ContentType, audio.Data)
}

// ProcessRequest is the body for POST /v1/ai/process.
type ProcessRequest struct {
	Text     string `json:"text"`
	Prompt   string `json:"prompt"`
	Provider string `json:"provider"`
}

// Process handles POST /v1/ai/process: charges for the text, then rewrites
// it with the selected AI provider.
func (h *Handler) Process(c *gin.Context) {
	userID := account.CurrentUserID(c)

	var req ProcessRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Text == "" || req.Prompt == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "text and prompt required",
		})
		return
	}
	if len(req.Text) > validation.MaxTextLength {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "text_too_long",
			"message": "text exceeds the maximum billable length",
		})
		return
	}
	if req.Provider == "" {
		req.Provider = "openai"
	}

	proc, err := h.registry.Processor(req.Provider)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "unsupported_provider",
			"message": "Unsupported AI provider",
		})
		return
	}

	if !h.allowProvider(c, proc.Name()) {
		return
	}

	cost := Cost(req.Text)
	var processed string
	result, err := h.service.Execute(c.Request.Context(), userID, ledger.ClassBasis, cost,
		func(ctx context.Context) error {
			defer timeProvider(proc.Name(), time.Now())
			var perr error
			processed, perr = proc.Process(ctx, req.Prompt, req.Text)
			observeProvider(proc.Name(), perr)
			h.recordProvider(proc.Name(), perr)
			return perr
		})
	if err != nil {
		h.chargeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"ok":              true,
		"processedText":   processed,
		"deductedCredits": cost,
		"deductionId":     result.DeductionID,
		"remaining":       result.Remaining,
	})
}

// Balance handles GET /v1/balance
func (h *Handler) Balance(c *gin.Context) {
	userID := account.CurrentUserID(c)

	balances, err := h.service.Balance(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"ok":      true,
		"basis":   balances[ledger.ClassBasis],
		"premium": balances[ledger.ClassPremium],
	})
}

// Transactions handles GET /v1/transactions with cursor pagination.
func (h *Handler) Transactions(c *gin.Context) {
	userID := account.CurrentUserID(c)

	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 200 {
			limit = parsed
		}
	}

	var beforeID int64
	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_cursor",
			"message": "Malformed pagination cursor",
		})
		return
	}
	if cursor != nil {
		beforeID, _ = strconv.ParseInt(cursor.ID, 10, 64)
	}

	// Fetch one extra row to learn whether another page exists.
	txs, err := h.service.History(c.Request.Context(), userID, beforeID, limit+1)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	txs, next, hasMore := pagination.ComputePage(txs, limit, func(tx *ledger.Transaction) (time.Time, string) {
		return tx.CreatedAt, strconv.FormatInt(tx.ID, 10)
	})

	resp := gin.H{
		"transactions": txs,
		"count":        len(txs),
		"hasMore":      hasMore,
	}
	if next != "" {
		resp["nextCursor"] = next
	}
	c.JSON(http.StatusOK, resp)
}

// Voices handles GET /v1/voices
func (h *Handler) Voices(c *gin.Context) {
	if h.voices == nil {
		c.JSON(http.StatusNotImplemented, gin.H{
			"error":   "not_configured",
			"message": "No voice catalog provider configured",
		})
		return
	}

	voices, err := h.voices.Voices(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{
			"error":   "provider_failed",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"voices": voices,
		"count":  len(voices),
	})
}

// chargeError maps service errors to HTTP responses.
func (h *Handler) chargeError(c *gin.Context, err error) {
	var insufficient *ledger.InsufficientFundsError
	switch {
	case errors.As(err, &insufficient):
		c.JSON(http.StatusPaymentRequired, gin.H{
			"ok":      false,
			"reason":  "insufficient_credits",
			"balance": insufficient.Balance,
		})
	case errors.Is(err, ledger.ErrAccountNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "account_not_found",
			"message": "No credit account for this user",
		})
	case errors.Is(err, ledger.ErrInvalidAmount), errors.Is(err, ledger.ErrInvalidClass):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
	case errors.Is(err, provider.ErrNotConfigured):
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":    "provider_not_configured",
			"message":  "Provider credentials are not configured",
			"refunded": true,
		})
	case errors.Is(err, ErrProviderFailed):
		c.JSON(http.StatusBadGateway, gin.H{
			"error":    "provider_failed",
			"message":  err.Error(),
			"refunded": true,
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"ok":     false,
			"reason": "charge_failed",
		})
	}
}

func observeProvider(name string, err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	metrics.ProviderRequestsTotal.WithLabelValues(name, result).Inc()
}

// timeProvider observes one provider call's duration.
func timeProvider(name string, start time.Time) {
	metrics.ProviderRequestDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
}
