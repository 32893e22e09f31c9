// Package httpserver exposes the wallet transfer engine over HTTP. It is a
// thin facade: request decoding, idempotent replay, and error-to-status
// mapping live here, domain rules live in pkg/wallet.
package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/MarkoPoloResearchLab/wallet/internal/idempotency"
	"github.com/MarkoPoloResearchLab/wallet/pkg/fxrate"
	"github.com/MarkoPoloResearchLab/wallet/pkg/wallet"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	idempotencyKeyHeader  = "Idempotency-Key"
	contentTypeJSON       = "application/json"
	walletDisabledMessage = "Wallet service is disabled"
)

// Dependencies carries the wired domain services the handlers call into.
type Dependencies struct {
	Logger    *zap.Logger
	Wallet    *wallet.Service
	Guard     *idempotency.Guard
	Converter *fxrate.Converter
}

func (deps Dependencies) validate() error {
	if deps.Logger == nil {
		return errors.New("logger dependency is nil")
	}
	if deps.Wallet == nil {
		return errors.New("wallet service dependency is nil")
	}
	if deps.Guard == nil {
		return errors.New("idempotency guard dependency is nil")
	}
	if deps.Converter == nil {
		return errors.New("fx converter dependency is nil")
	}
	return nil
}

// Run boots the HTTP facade and blocks until ctx is cancelled or the server
// fails.
func Run(ctx context.Context, cfg Config, deps Dependencies) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("http config: %w", err)
	}
	if err := deps.validate(); err != nil {
		return fmt.Errorf("http dependencies: %w", err)
	}

	router := NewRouter(cfg, deps)
	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		deps.Logger.Info("wallet http listening", zap.String("addr", cfg.ListenAddr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
			deps.Logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// NewRouter builds the gin engine with all wallet routes registered.
func NewRouter(cfg Config, deps Dependencies) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept", idempotencyKeyHeader},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	handler := &httpHandler{
		logger:    deps.Logger,
		wallet:    deps.Wallet,
		guard:     deps.Guard,
		converter: deps.Converter,
		cfg:       cfg,
	}

	// The feature flag gates funds movement only; reads, reconciliation, and
	// fx quotes stay available on disabled deployments.
	walletGroup := router.Group("/wallet")
	walletGroup.POST("/transfer", requireWalletEnabled(cfg), handler.handleTransfer)
	walletGroup.GET("/accounts/:accountId", handler.handleGetAccount)
	walletGroup.POST("/platform/provision", handler.handleProvisionPlatform)
	walletGroup.POST("/subscribe", requireWalletEnabled(cfg), handler.handleSubscribe)
	walletGroup.POST("/reconcile/tenant/:tenantId", handler.handleReconcileTenant)
	walletGroup.POST("/reconcile/account/:accountId", handler.handleReconcileAccount)
	walletGroup.POST("/reconcile/account/:accountId/repair", handler.handleRepairAccount)

	fxGroup := router.Group("/fx")
	fxGroup.GET("/convert", handler.handleConvert)

	return router
}

// requireWalletEnabled refuses funds movement when the feature flag is off.
func requireWalletEnabled(cfg Config) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		if !cfg.WalletEnabled {
			ctx.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": walletDisabledMessage})
			return
		}
		ctx.Next()
	}
}

type httpHandler struct {
	logger    *zap.Logger
	wallet    *wallet.Service
	guard     *idempotency.Guard
	converter *fxrate.Converter
	cfg       Config
}

type transferRequestPayload struct {
	TenantID             string          `json:"tenant_id"`
	SourceAccountID      string          `json:"source_account_id"`
	DestinationAccountID string          `json:"destination_account_id"`
	Amount               string          `json:"amount"`
	Currency             string          `json:"currency"`
	Reference            string          `json:"reference"`
	Metadata             json.RawMessage `json:"metadata"`
	// Product tags the transaction category (defaults to "transfer").
	Product string `json:"product"`
	// CommissionAccountID is accepted for wire compatibility with older
	// clients; commission postings are decommissioned on the live transfer
	// path, so the value is ignored.
	CommissionAccountID string `json:"commission_account_id"`
}

type subscribeRequestPayload struct {
	TenantID  string          `json:"tenant_id"`
	VendorID  string          `json:"vendor_id"`
	AccountID string          `json:"account_id"`
	Tokens    string          `json:"tokens"`
	Metadata  json.RawMessage `json:"metadata"`
}

type provisionRequestPayload struct {
	TenantID string `json:"tenant_id"`
}

type repairRequestPayload struct {
	Reason string `json:"reason"`
}

func (handler *httpHandler) handleTransfer(ctx *gin.Context) {
	var payload transferRequestPayload
	if err := ctx.ShouldBindJSON(&payload); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	payload.TenantID = handler.tenantOrDefault(payload.TenantID)
	request, err := decodeTransferRequest(payload)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}

	handler.executeGuarded(ctx, func(requestCtx context.Context) (idempotency.Response, error) {
		result, err := handler.wallet.Transfer(requestCtx, request)
		if err != nil {
			return idempotency.Response{}, err
		}
		return jsonResponse(http.StatusCreated, transferResultPayload(result))
	})
}

func (handler *httpHandler) handleSubscribe(ctx *gin.Context) {
	var payload subscribeRequestPayload
	if err := ctx.ShouldBindJSON(&payload); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	payload.TenantID = handler.tenantOrDefault(payload.TenantID)
	request, err := decodeSubscribeRequest(payload)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}

	handler.executeGuarded(ctx, func(requestCtx context.Context) (idempotency.Response, error) {
		result, err := handler.wallet.Subscribe(requestCtx, request)
		if err != nil {
			return idempotency.Response{}, err
		}
		return jsonResponse(http.StatusCreated, transferResultPayload(result))
	})
}

// tenantOrDefault falls back to the configured default tenant when a request
// body omits tenant_id.
func (handler *httpHandler) tenantOrDefault(tenantID string) string {
	if tenantID == "" {
		return handler.cfg.DefaultTenantID
	}
	return tenantID
}

// executeGuarded runs a mutating operation behind the idempotency guard and
// writes the (possibly replayed) cached response verbatim.
func (handler *httpHandler) executeGuarded(ctx *gin.Context, operation func(ctx context.Context) (idempotency.Response, error)) {
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()

	key := ctx.GetHeader(idempotencyKeyHeader)
	response, replayed, err := handler.guard.Execute(requestCtx, key, operation)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	if replayed {
		ctx.Header("Idempotent-Replay", "true")
	}
	ctx.Data(response.StatusCode, contentTypeJSON, response.Body)
}

func (handler *httpHandler) handleGetAccount(ctx *gin.Context) {
	accountID, err := wallet.NewAccountID(ctx.Param("accountId"))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()

	summary, err := handler.wallet.GetAccountSummary(requestCtx, accountID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, accountSummaryPayload(summary))
}

func (handler *httpHandler) handleProvisionPlatform(ctx *gin.Context) {
	var payload provisionRequestPayload
	if err := ctx.ShouldBindJSON(&payload); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	tenantID, err := wallet.NewTenantID(handler.tenantOrDefault(payload.TenantID))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()

	account, err := handler.wallet.EnsurePlatformAccount(requestCtx, tenantID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusCreated, gin.H{"account": accountPayloadFrom(account)})
}

func (handler *httpHandler) handleReconcileTenant(ctx *gin.Context) {
	tenantID, err := wallet.NewTenantID(ctx.Param("tenantId"))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()

	report, err := handler.wallet.ReconcileTenant(requestCtx, tenantID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, reconciliationReportPayload(report))
}

func (handler *httpHandler) handleReconcileAccount(ctx *gin.Context) {
	accountID, err := wallet.NewAccountID(ctx.Param("accountId"))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()

	discrepancy, err := handler.wallet.ReconcileAccount(requestCtx, accountID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, discrepancyPayloadFrom(discrepancy))
}

func (handler *httpHandler) handleRepairAccount(ctx *gin.Context) {
	accountID, err := wallet.NewAccountID(ctx.Param("accountId"))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	var payload repairRequestPayload
	if err := ctx.ShouldBindJSON(&payload); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()

	if err := handler.wallet.RepairAccountBalance(requestCtx, accountID, payload.Reason); err != nil {
		handler.respondError(ctx, err)
		return
	}
	discrepancy, err := handler.wallet.ReconcileAccount(requestCtx, accountID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, discrepancyPayloadFrom(discrepancy))
}

func (handler *httpHandler) handleConvert(ctx *gin.Context) {
	rawAmount := ctx.Query("amount")
	currency := ctx.Query("currency")
	amount, err := decimal.NewFromString(rawAmount)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_amount", fmt.Sprintf("amount %q is not a decimal number", rawAmount)))
		return
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()

	quote, err := handler.converter.ConvertToUnitOfAccount(requestCtx, amount, currency)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"amount":   quote.Amount.String(),
		"currency": quote.Currency,
		"tokens":   quote.Tokens.String(),
		"usd":      quote.USD.String(),
	})
}

func (handler *httpHandler) respondError(ctx *gin.Context, err error) {
	status, code := classifyError(err)
	if status >= http.StatusInternalServerError {
		handler.logger.Error("wallet request failed", zap.Error(err))
		ctx.JSON(status, errorResponse(code, "internal error"))
		return
	}
	ctx.JSON(status, errorResponse(code, err.Error()))
}

// classifyError maps domain sentinels onto HTTP statuses. Unknown errors are
// treated as internal.
func classifyError(err error) (int, string) {
	switch {
	case errors.Is(err, wallet.ErrAccountNotFound):
		return http.StatusNotFound, "account_not_found"
	case errors.Is(err, wallet.ErrTenantMismatch):
		return http.StatusConflict, "tenant_mismatch"
	case errors.Is(err, wallet.ErrCurrencyMismatch):
		return http.StatusConflict, "currency_mismatch"
	case errors.Is(err, wallet.ErrInsufficientBalance):
		return http.StatusConflict, "insufficient_balance"
	case errors.Is(err, wallet.ErrSameAccount):
		return http.StatusBadRequest, "same_account"
	case errors.Is(err, wallet.ErrInvalidAmount):
		return http.StatusBadRequest, "invalid_amount"
	case errors.Is(err, wallet.ErrCommissionExceedsAmount):
		return http.StatusBadRequest, "commission_exceeds_amount"
	case errors.Is(err, wallet.ErrCommissionAccountMissing):
		return http.StatusBadRequest, "commission_account_missing"
	case errors.Is(err, wallet.ErrUnbalancedPlan):
		return http.StatusInternalServerError, "unbalanced_plan"
	case errors.Is(err, wallet.ErrRepairReasonRequired):
		return http.StatusBadRequest, "repair_reason_required"
	case errors.Is(err, wallet.ErrInvalidTenantID),
		errors.Is(err, wallet.ErrInvalidAccountID),
		errors.Is(err, wallet.ErrInvalidOwnerID),
		errors.Is(err, wallet.ErrInvalidCurrencyCode),
		errors.Is(err, wallet.ErrInvalidMetadataJSON):
		return http.StatusBadRequest, "invalid_input"
	case errors.Is(err, idempotency.ErrMissingKey):
		return http.StatusBadRequest, "missing_idempotency_key"
	case errors.Is(err, idempotency.ErrInvalidKey):
		return http.StatusBadRequest, "invalid_idempotency_key"
	case errors.Is(err, fxrate.ErrInvalidQuoteInput):
		return http.StatusBadRequest, "invalid_quote_input"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}

func decodeTransferRequest(payload transferRequestPayload) (wallet.TransferRequest, error) {
	tenantID, err := wallet.NewTenantID(payload.TenantID)
	if err != nil {
		return wallet.TransferRequest{}, err
	}
	sourceID, err := wallet.NewAccountID(payload.SourceAccountID)
	if err != nil {
		return wallet.TransferRequest{}, err
	}
	destinationID, err := wallet.NewAccountID(payload.DestinationAccountID)
	if err != nil {
		return wallet.TransferRequest{}, err
	}
	amount, err := wallet.NewAmountFromString(payload.Amount)
	if err != nil {
		return wallet.TransferRequest{}, err
	}
	currency, err := wallet.NewCurrencyCode(payload.Currency)
	if err != nil {
		return wallet.TransferRequest{}, err
	}
	metadata, err := wallet.NewMetadataJSON(string(payload.Metadata))
	if err != nil {
		return wallet.TransferRequest{}, err
	}
	return wallet.TransferRequest{
		TenantID:             tenantID,
		SourceAccountID:      sourceID,
		DestinationAccountID: destinationID,
		Amount:               amount,
		Currency:             currency,
		Reference:            payload.Reference,
		Metadata:             metadata,
		Category:             payload.Product,
	}, nil
}

func decodeSubscribeRequest(payload subscribeRequestPayload) (wallet.SubscribeRequest, error) {
	tenantID, err := wallet.NewTenantID(payload.TenantID)
	if err != nil {
		return wallet.SubscribeRequest{}, err
	}
	tokens, err := wallet.NewAmountFromString(payload.Tokens)
	if err != nil {
		return wallet.SubscribeRequest{}, err
	}
	metadata, err := wallet.NewMetadataJSON(string(payload.Metadata))
	if err != nil {
		return wallet.SubscribeRequest{}, err
	}
	request := wallet.SubscribeRequest{
		TenantID: tenantID,
		VendorID: payload.VendorID,
		Tokens:   tokens,
		Metadata: metadata,
	}
	if payload.AccountID != "" {
		accountID, err := wallet.NewAccountID(payload.AccountID)
		if err != nil {
			return wallet.SubscribeRequest{}, err
		}
		request.AccountID = accountID
	}
	return request, nil
}

func jsonResponse(status int, body any) (idempotency.Response, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return idempotency.Response{}, err
	}
	return idempotency.Response{StatusCode: status, Body: raw}, nil
}

type accountPayload struct {
	AccountID      string `json:"account_id"`
	TenantID       string `json:"tenant_id"`
	OwnerType      string `json:"owner_type"`
	OwnerID        string `json:"owner_id"`
	Currency       string `json:"currency"`
	Balance        string `json:"balance"`
	Status         string `json:"status"`
	CreatedUnixUTC int64  `json:"created_unix_utc"`
	UpdatedUnixUTC int64  `json:"updated_unix_utc"`
}

type entryPayload struct {
	EntryID        string `json:"entry_id"`
	TransactionID  string `json:"transaction_id"`
	AccountID      string `json:"account_id"`
	Direction      string `json:"direction"`
	Amount         string `json:"amount"`
	CreatedUnixUTC int64  `json:"created_unix_utc"`
}

func accountPayloadFrom(account wallet.Account) accountPayload {
	return accountPayload{
		AccountID:      account.AccountID.String(),
		TenantID:       account.TenantID.String(),
		OwnerType:      account.OwnerType.String(),
		OwnerID:        account.OwnerID,
		Currency:       account.Currency.String(),
		Balance:        account.Balance.String(),
		Status:         account.Status.String(),
		CreatedUnixUTC: account.CreatedUnixUTC,
		UpdatedUnixUTC: account.UpdatedUnixUTC,
	}
}

func entryPayloadFrom(entry wallet.Entry) entryPayload {
	return entryPayload{
		EntryID:        entry.EntryID.String(),
		TransactionID:  entry.TransactionID.String(),
		AccountID:      entry.AccountID.String(),
		Direction:      entry.Direction.String(),
		Amount:         entry.Amount.String(),
		CreatedUnixUTC: entry.CreatedUnixUTC,
	}
}

func accountSummaryPayload(summary wallet.AccountSummary) gin.H {
	entries := make([]entryPayload, 0, len(summary.RecentEntries))
	for _, entry := range summary.RecentEntries {
		entries = append(entries, entryPayloadFrom(entry))
	}
	return gin.H{
		"account":        accountPayloadFrom(summary.Account),
		"recent_entries": entries,
	}
}

func transferResultPayload(result wallet.TransferResult) gin.H {
	entries := make([]entryPayload, 0, len(result.Entries))
	for _, entry := range result.Entries {
		entries = append(entries, entryPayloadFrom(entry))
	}
	return gin.H{
		"transaction": gin.H{
			"transaction_id":   result.Transaction.TransactionID.String(),
			"tenant_id":        result.Transaction.TenantID.String(),
			"category":         result.Transaction.Category,
			"reference":        result.Transaction.Reference,
			"metadata":         json.RawMessage(result.Transaction.Metadata.String()),
			"created_unix_utc": result.Transaction.CreatedUnixUTC,
		},
		"entries":           entries,
		"commission_amount": result.CommissionAmount.String(),
	}
}

func discrepancyPayloadFrom(discrepancy wallet.Discrepancy) gin.H {
	return gin.H{
		"account_id":       discrepancy.AccountID.String(),
		"expected_balance": discrepancy.ExpectedBalance.String(),
		"stored_balance":   discrepancy.StoredBalance.String(),
		"difference":       discrepancy.Difference.String(),
		"consistent":       discrepancy.IsConsistent(),
	}
}

func reconciliationReportPayload(report wallet.ReconciliationReport) gin.H {
	discrepancies := make([]gin.H, 0, len(report.Discrepancies))
	for _, discrepancy := range report.Discrepancies {
		discrepancies = append(discrepancies, discrepancyPayloadFrom(discrepancy))
	}
	return gin.H{
		"tenant_id":           report.TenantID.String(),
		"accounts_checked":    report.AccountsChecked,
		"accounts_with_drift": report.AccountsWithDrift,
		"discrepancies":       discrepancies,
		"generated_unix_utc":  report.GeneratedUnixUTC,
	}
}
