package gateway

import (
	"context"
	"errors"
	"io"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"

	"github.com/mbd888/paygate/internal/auth"
	"github.com/mbd888/paygate/internal/directory"
	"github.com/mbd888/paygate/internal/idgen"
	"github.com/mbd888/paygate/internal/ledger"
	"github.com/mbd888/paygate/internal/logging"
	"github.com/mbd888/paygate/internal/networks"
	"github.com/mbd888/paygate/internal/ownership"
	"github.com/mbd888/paygate/internal/pagination"
	"github.com/mbd888/paygate/internal/paywall"
	"github.com/mbd888/paygate/internal/security"
	"github.com/mbd888/paygate/internal/validation"
	"github.com/mbd888/paygate/pkg/x402"
)

// MaxBatchTokens caps a dashboard ownership batch.
const MaxBatchTokens = 500

// CallCORS is the CORS policy of the call endpoint.
var CallCORS = security.CORSPolicy{
	AllowOrigins: []string{"*"},
	AllowMethods: []string{http.MethodPost, http.MethodOptions},
	AllowHeaders: []string{"Content-Type", x402.HeaderPaymentSignature, x402.HeaderPaymentLegacy, "X-Request-ID"},
	ExposeHeaders: []string{
		x402.HeaderPaymentRequired, x402.HeaderPaymentResponse, "X-Request-ID",
		HeaderFeedbackAuth, HeaderFeedbackExpiry,
	},
}

// OwnershipQueries are the dashboard's ownership reads.
type OwnershipQueries interface {
	OwnerOf(ctx context.Context, chainID int64, tokenID *big.Int) (common.Address, error)
	BatchOwnerOf(ctx context.Context, chainID int64, tokenIDs []*big.Int) (map[string]common.Address, error)
	TokensOwnedBy(ctx context.Context, chainID int64, owner common.Address) ([]*big.Int, error)
}

// AgentReader loads agents by id.
type AgentReader interface {
	GetByID(ctx context.Context, id string) (*directory.AgentRecord, error)
}

// PaymentHistory lists ledger rows.
type PaymentHistory interface {
	ListByAgent(ctx context.Context, agentID string, limit int, cursor *pagination.Cursor) ([]*ledger.PaymentRecord, error)
}

// Handler provides HTTP endpoints for the gateway.
type Handler struct {
	service       *Service
	owners        OwnershipQueries
	agents        AgentReader
	history       PaymentHistory
	publicBaseURL string
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithDashboard enables the dashboard read endpoints.
func WithDashboard(owners OwnershipQueries, agents AgentReader, history PaymentHistory) HandlerOption {
	return func(h *Handler) {
		h.owners = owners
		h.agents = agents
		h.history = history
	}
}

// WithPublicBaseURL sets the origin used in challenge resource URLs.
func WithPublicBaseURL(u string) HandlerOption {
	return func(h *Handler) { h.publicBaseURL = strings.TrimRight(u, "/") }
}

// NewHandler creates a new gateway handler.
func NewHandler(service *Service, opts ...HandlerOption) *Handler {
	h := &Handler{service: service}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// RegisterCallRoutes sets up the paid call endpoint. Only POST is served;
// OPTIONS is answered by the CORS middleware and everything else gets 405.
func (h *Handler) RegisterCallRoutes(r gin.IRouter) {
	g := r.Group("/api/call")
	g.Use(security.CORSMiddleware(CallCORS))
	g.POST("/:handle/:slug", validation.RequestSizeMiddleware(validation.MaxRequestSize), h.Call)
	g.OPTIONS("/:handle/:slug", func(c *gin.Context) { c.Status(http.StatusNoContent) })
	for _, m := range []string{
		http.MethodGet, http.MethodHead, http.MethodPut, http.MethodPatch,
		http.MethodDelete, http.MethodConnect, http.MethodTrace,
	} {
		g.Handle(m, "/:handle/:slug", h.methodNotAllowed)
	}
}

// RegisterDashboardRoutes sets up the dashboard reads. The group must
// already run auth.Middleware.
func (h *Handler) RegisterDashboardRoutes(r *gin.RouterGroup) {
	r.POST("/ownership/batch", auth.RequireAuth(), h.BatchOwnership)
	r.GET("/ownership/:chainId/tokens/:address", auth.RequireWallet("address"), h.TokensOwned)
	r.GET("/agents/:agentId/payments", auth.RequireAuth(), h.ListPayments)
}

// Call handles POST /api/call/:handle/:slug
func (h *Handler) Call(c *gin.Context) {
	requestID := requestIDFrom(c)
	ctx := c.Request.Context()

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		if validation.IsBodyTooLarge(err) {
			writeError(c, requestID, http.StatusRequestEntityTooLarge, CodePayloadTooLarge,
				"request body exceeds "+strconv.Itoa(validation.MaxRequestSize)+" bytes", "")
			return
		}
		writeError(c, requestID, http.StatusBadRequest, CodeInternal, "failed to read request body", "")
		return
	}

	res := h.service.Call(ctx, CallRequest{
		RequestID:   requestID,
		Handle:      c.Param("handle"),
		Slug:        c.Param("slug"),
		Resource:    h.resourceURL(c),
		Header:      c.Request.Header,
		Body:        body,
		ContentType: c.GetHeader("Content-Type"),
	})
	h.respond(c, requestID, res)
}

func (h *Handler) respond(c *gin.Context, requestID string, res *Result) {
	paywall.SetSettlement(c, res.Settlement)
	if res.Feedback != nil {
		if v, err := res.Feedback.Hex(); err == nil {
			c.Header(HeaderFeedbackAuth, v)
			c.Header(HeaderFeedbackExpiry, strconv.FormatInt(res.Feedback.Expiry, 10))
		}
	}

	if res.Challenge != nil {
		ch := paywall.Challenge{PaymentRequired: res.Challenge, RequestID: requestID}
		if res.Err != nil {
			ch.Message = res.Err.Message
			ch.Reason = res.Err.Reason
		}
		paywall.WriteChallenge(c, ch)
		return
	}
	if res.Err != nil && res.Err.Code != CodeTargetError {
		writeError(c, requestID, res.Err.Status, res.Err.Code, res.Err.Message, res.Err.Reason)
		return
	}

	contentType := res.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	c.Data(res.StatusCode, contentType, res.Body)
}

func (h *Handler) methodNotAllowed(c *gin.Context) {
	c.Header("Allow", "POST, OPTIONS")
	writeError(c, requestIDFrom(c), http.StatusMethodNotAllowed, CodeMethodNotAllowed, "only POST is supported", "")
}

func (h *Handler) resourceURL(c *gin.Context) string {
	if h.publicBaseURL != "" {
		return h.publicBaseURL + c.Request.URL.Path
	}
	scheme := "http"
	if c.Request.TLS != nil || strings.EqualFold(c.GetHeader("X-Forwarded-Proto"), "https") {
		scheme = "https"
	}
	return scheme + "://" + c.Request.Host + c.Request.URL.Path
}

// BatchOwnershipRequest is the body of POST /api/ownership/batch.
type BatchOwnershipRequest struct {
	ChainID  int64    `json:"chainId" binding:"required"`
	TokenIDs []string `json:"tokenIds" binding:"required"`
}

// BatchOwnership handles POST /api/ownership/batch
func (h *Handler) BatchOwnership(c *gin.Context) {
	requestID := requestIDFrom(c)
	if h.owners == nil {
		writeError(c, requestID, http.StatusNotFound, CodeNotFound, "dashboard is not enabled", "")
		return
	}

	var req BatchOwnershipRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, requestID, http.StatusBadRequest, "INVALID_REQUEST", "chainId and tokenIds are required", "")
		return
	}
	if errs := validation.Validate(validation.MaxItems("tokenIds", len(req.TokenIDs), MaxBatchTokens)); len(errs) > 0 {
		writeError(c, requestID, http.StatusBadRequest, "INVALID_REQUEST", errs.Error(), "")
		return
	}

	ids := make([]*big.Int, 0, len(req.TokenIDs))
	for _, s := range req.TokenIDs {
		id, ok := new(big.Int).SetString(s, 10)
		if !ok || id.Sign() < 0 {
			writeError(c, requestID, http.StatusBadRequest, "INVALID_REQUEST", "tokenIds must be non-negative decimal integers", s)
			return
		}
		ids = append(ids, id)
	}

	owners, err := h.owners.BatchOwnerOf(c.Request.Context(), req.ChainID, ids)
	if err != nil {
		writeOwnershipError(c, requestID, err)
		return
	}

	out := make(map[string]string, len(owners))
	missing := []string{}
	for _, id := range ids {
		if addr, ok := owners[id.String()]; ok {
			out[id.String()] = addr.Hex()
		} else {
			missing = append(missing, id.String())
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"chainId": req.ChainID,
		"owners":  out,
		"missing": missing,
	})
}

// TokensOwned handles GET /api/ownership/:chainId/tokens/:address
func (h *Handler) TokensOwned(c *gin.Context) {
	requestID := requestIDFrom(c)
	if h.owners == nil {
		writeError(c, requestID, http.StatusNotFound, CodeNotFound, "dashboard is not enabled", "")
		return
	}

	chainID, err := strconv.ParseInt(c.Param("chainId"), 10, 64)
	if err != nil || chainID <= 0 {
		writeError(c, requestID, http.StatusBadRequest, "INVALID_REQUEST", "chainId must be a positive integer", "")
		return
	}
	if !validation.IsValidEthAddress(c.Param("address")) {
		writeError(c, requestID, http.StatusBadRequest, "INVALID_REQUEST", "address must be a 0x-prefixed 20 byte hex address", "")
		return
	}
	owner := common.HexToAddress(c.Param("address"))

	ids, err := h.owners.TokensOwnedBy(c.Request.Context(), chainID, owner)
	if err != nil {
		writeOwnershipError(c, requestID, err)
		return
	}
	tokenIDs := make([]string, len(ids))
	for i, id := range ids {
		tokenIDs[i] = id.String()
	}
	c.JSON(http.StatusOK, gin.H{
		"chainId":  chainID,
		"owner":    owner.Hex(),
		"tokenIds": tokenIDs,
		// derived from Transfer logs; ownerOf is authoritative
		"derived": true,
	})
}

// ListPayments handles GET /api/agents/:agentId/payments
func (h *Handler) ListPayments(c *gin.Context) {
	requestID := requestIDFrom(c)
	ctx := c.Request.Context()
	if h.history == nil || h.agents == nil {
		writeError(c, requestID, http.StatusNotFound, CodeNotFound, "dashboard is not enabled", "")
		return
	}

	agent, err := h.agents.GetByID(ctx, c.Param("agentId"))
	if err != nil {
		if errors.Is(err, directory.ErrNotFound) {
			writeError(c, requestID, http.StatusNotFound, CodeNotFound, "agent not found", "")
			return
		}
		writeError(c, requestID, http.StatusInternalServerError, CodeInternal, "agent lookup failed", "")
		return
	}
	id, _ := auth.GetIdentity(c)
	controller, err := h.controller(ctx, agent)
	if err != nil {
		writeOwnershipError(c, requestID, err)
		return
	}
	if !strings.EqualFold(controller, id.Wallet) {
		writeError(c, requestID, http.StatusForbidden, "FORBIDDEN", "you do not control this agent", "")
		return
	}

	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		writeError(c, requestID, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), "")
		return
	}
	limit := pagination.ParseLimit(c.Query("limit"))

	records, err := h.history.ListByAgent(ctx, agent.ID, limit+1, cursor)
	if err != nil {
		logging.L(ctx).Error("list payments failed", "agent_id", agent.ID, "error", err)
		writeError(c, requestID, http.StatusInternalServerError, CodeInternal, "failed to list payments", "")
		return
	}
	page, next, more := pagination.ComputePage(records, limit, func(r *ledger.PaymentRecord) (time.Time, string) {
		return r.CreatedAt, r.RequestID
	})
	if page == nil {
		page = []*ledger.PaymentRecord{}
	}
	c.JSON(http.StatusOK, gin.H{
		"payments":   page,
		"count":      len(page),
		"nextCursor": next,
		"hasMore":    more,
	})
}

// controller is the wallet allowed to read an agent's history: the token
// owner for agents with an identity, the payout address otherwise.
func (h *Handler) controller(ctx context.Context, agent *directory.AgentRecord) (string, error) {
	if !agent.HasIdentity() {
		return agent.PayoutAddress, nil
	}
	owner, err := h.owners.OwnerOf(ctx, agent.ChainID, agent.TokenID)
	if err != nil {
		return "", err
	}
	return owner.Hex(), nil
}

func writeOwnershipError(c *gin.Context, requestID string, err error) {
	switch {
	case errors.Is(err, networks.ErrUnsupportedNetwork):
		writeError(c, requestID, http.StatusBadRequest, CodeUnsupportedNetwork, "chain is not supported", "")
	case errors.Is(err, ownership.ErrRegistryNotConfigured):
		writeError(c, requestID, http.StatusBadRequest, CodeUnsupportedNetwork, "chain has no identity registry", "")
	case errors.Is(err, ownership.ErrNoOwner):
		writeError(c, requestID, http.StatusNotFound, CodeNotFound, "identity token has no owner", "")
	default:
		logging.L(c.Request.Context()).Warn("ownership read failed", "error", err)
		writeError(c, requestID, http.StatusServiceUnavailable, CodeOwnerUnavailable, "chain read failed; retry shortly", "")
	}
}

func writeError(c *gin.Context, requestID string, status int, code Code, message, reason string) {
	body := gin.H{
		"error":     code,
		"message":   message,
		"requestId": requestID,
	}
	if reason != "" {
		body["reason"] = reason
	}
	c.AbortWithStatusJSON(status, body)
}

// requestIDFrom returns the id set by the server's request-id middleware,
// generating one when the handler runs standalone.
// requestIDFrom returns the gateway request id set by the server
// middleware, minting one when the handler is mounted without it. Ids in
// caller headers or an inherited context are never reused.
func requestIDFrom(c *gin.Context) string {
	if id := c.GetString("requestId"); id != "" {
		return id
	}
	id := idgen.WithPrefix("req_")
	c.Set("requestId", id)
	c.Header("X-Request-ID", id)
	c.Request = c.Request.WithContext(logging.WithRequestID(c.Request.Context(), id))
	return id
}
