package gateway

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mbd888/paygate/internal/directory"
	"github.com/mbd888/paygate/internal/events"
	"github.com/mbd888/paygate/internal/facilitator"
	"github.com/mbd888/paygate/internal/feedback"
	"github.com/mbd888/paygate/internal/ledger"
	"github.com/mbd888/paygate/internal/logging"
	"github.com/mbd888/paygate/internal/networks"
	"github.com/mbd888/paygate/internal/ownership"
	"github.com/mbd888/paygate/internal/paywall"
	"github.com/mbd888/paygate/internal/traces"
	"github.com/mbd888/paygate/pkg/x402"
)

// Directory resolves a route to an agent and its payee.
type Directory interface {
	Resolve(ctx context.Context, handle, slug string) (*directory.Target, error)
}

// Payments verifies, dry-runs, and settles payments.
type Payments interface {
	Verify(ctx context.Context, p *x402.PaymentPayload, req *x402.PaymentRequirements) (*facilitator.VerifyResult, error)
	Simulate(ctx context.Context, p *x402.PaymentPayload, req *x402.PaymentRequirements, net *networks.Config) error
	Settle(ctx context.Context, p *x402.PaymentPayload, req *x402.PaymentRequirements) (*facilitator.SettlementResult, error)
}

// Backend forwards a paid call to the agent's target.
type Backend interface {
	Forward(ctx context.Context, req ForwardRequest) (*ForwardResponse, error)
}

// FeedbackIssuer signs feedback authorizations after settlement.
type FeedbackIssuer interface {
	Issue(ctx context.Context, agent *directory.AgentRecord, client common.Address, net *networks.Config) (*feedback.Authorization, error)
}

// Ledger records payment attempts. Implementations swallow their own errors.
type Ledger interface {
	Begin(ctx context.Context, rec *ledger.PaymentRecord) bool
	Finalize(ctx context.Context, requestID string, out ledger.Outcome)
}

// Deps are the service collaborators. Feedback and Events may be nil.
type Deps struct {
	Directory Directory
	Networks  networks.Resolver
	Owners    directory.OwnerReader
	Payments  Payments
	Backend   Backend
	Ledger    Ledger
	Feedback  FeedbackIssuer
	Events    *events.Emitter
	Policy    *HeaderPolicy
	Logger    *slog.Logger
}

// Service runs the paid call state machine:
//
//	Lookup -> NetworkResolved -> ChallengeIssued | PaymentParsed ->
//	RequirementsMatched -> Verified -> Simulated -> Forwarded ->
//	OwnershipReconfirmed -> Settled -> FeedbackIssued? -> Responded
//
// Only settlement retries, inside the facilitator client. Every other
// failure is terminal for the request.
type Service struct {
	directory Directory
	networks  networks.Resolver
	owners    directory.OwnerReader
	payments  Payments
	backend   Backend
	ledger    Ledger
	feedback  FeedbackIssuer
	events    *events.Emitter
	policy    HeaderPolicy
	logger    *slog.Logger
}

// NewService creates a gateway service.
func NewService(d Deps) *Service {
	s := &Service{
		directory: d.Directory,
		networks:  d.Networks,
		owners:    d.Owners,
		payments:  d.Payments,
		backend:   d.Backend,
		ledger:    d.Ledger,
		feedback:  d.Feedback,
		events:    d.Events,
		policy:    DefaultHeaderPolicy(),
		logger:    d.Logger,
	}
	if d.Policy != nil {
		s.policy = *d.Policy
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.events == nil {
		s.events = events.NewEmitter(nil, s.logger)
	}
	return s
}

// CallRequest is one inbound call.
type CallRequest struct {
	RequestID   string
	Handle      string
	Slug        string
	Resource    string // public URL of the call endpoint
	Header      http.Header
	Body        []byte
	ContentType string
}

// Result is everything the handler needs to respond.
type Result struct {
	StatusCode  int
	ContentType string
	Body        []byte

	// Challenge is set on 402 responses.
	Challenge *x402.PaymentRequired
	// Settlement is set once the call reached ownership reconfirmation.
	Settlement *x402.PaymentResponse
	Feedback   *feedback.Authorization

	// Err is the terminal error, if any. For TARGET_ERROR the backend's
	// status and body are mirrored in the fields above.
	Err *CallError
}

// call is the per-request state threaded through the stages.
type call struct {
	req       CallRequest
	start     time.Time
	target    *directory.Target
	net       *networks.Config
	offer     paywall.Offer
	reqmt     x402.PaymentRequirements
	payment   *x402.PaymentPayload
	payer     string
	recorded  bool
	verifyMs  int64
	forwardMs int64
	settleMs  int64
}

func (c *call) agent() *directory.AgentRecord { return c.target.Agent }

func (c *call) eventPayment() events.Payment {
	return events.Payment{
		RequestID: c.req.RequestID,
		AgentID:   c.agent().ID,
		ChainID:   c.agent().ChainID,
		Payer:     c.payer,
		Recipient: c.reqmt.PayTo,
		Amount:    c.reqmt.Amount,
	}
}

// Call runs one paid call to completion. Once the payment header has been
// parsed the remaining stages ignore caller cancellation so a started
// settlement is never abandoned.
func (s *Service) Call(ctx context.Context, req CallRequest) *Result {
	cl := &call{req: req, start: time.Now()}
	ctx = logging.WithLogger(ctx, logging.FromContext(ctx).With("handle", req.Handle, "slug", req.Slug))
	ctx, span := traces.StartSpan(ctx, "gateway.call", traces.RequestID(req.RequestID))
	defer span.End()

	res := s.run(ctx, cl)
	if res.Err != nil {
		traces.Fail(span, res.Err)
	}
	return res
}

func (s *Service) run(ctx context.Context, cl *call) *Result {
	// Lookup
	sctx, done := s.stage(ctx, "lookup")
	target, err := s.directory.Resolve(sctx, cl.req.Handle, cl.req.Slug)
	done(err)
	if err != nil {
		return s.fail(ctx, cl, lookupError(err))
	}
	cl.target = target
	ctx = logging.WithAttrs(ctx, "agent_id", target.Agent.ID, "chain_id", target.Agent.ChainID)
	traces.Annotate(ctx, traces.AgentID(target.Agent.ID), traces.ChainID(target.Agent.ChainID))

	// NetworkResolved
	net, err := s.networks.Resolve(ctx, target.Agent.ChainID)
	if err != nil {
		if errors.Is(err, networks.ErrUnsupportedNetwork) {
			return s.fail(ctx, cl, newError(CodeUnsupportedNetwork, http.StatusBadRequest, err, "chain %d is not supported", target.Agent.ChainID))
		}
		return s.fail(ctx, cl, newError(CodeInternal, http.StatusInternalServerError, err, "network configuration unavailable"))
	}
	cl.net = net

	cl.offer = paywall.Offer{
		PriceCents:  target.Agent.PriceCents,
		PayTo:       target.PayTo,
		Resource:    cl.req.Resource,
		Description: target.Agent.Name,
	}
	cl.reqmt, err = paywall.BuildRequirement(cl.offer, net)
	if err != nil {
		return s.fail(ctx, cl, newError(CodeInternal, http.StatusInternalServerError, err, "agent price is not payable"))
	}

	// ChallengeIssued | PaymentParsed
	payment, err := paywall.DecodePayment(cl.req.Header)
	if errors.Is(err, x402.ErrNoPayment) {
		gwCalls.WithLabelValues("challenge").Inc()
		return &Result{
			StatusCode: http.StatusPaymentRequired,
			Challenge:  paywall.Required(cl.offer, cl.reqmt, ""),
		}
	}
	if err != nil {
		return s.fail(ctx, cl, newError(CodeMalformedPayment, http.StatusBadRequest, err, "payment header could not be decoded"))
	}
	cl.payment = payment
	cl.payer = normalizeAddress(payment.Payload.Authorization.From)
	ctx = logging.WithAttrs(ctx, "payer", cl.payer)
	traces.Annotate(ctx, traces.Payer(cl.payer), traces.Amount(cl.reqmt.Amount))

	// From here on a side effect may be in flight.
	ctx = context.WithoutCancel(ctx)

	// RequirementsMatched
	if err := paywall.Match(payment, cl.reqmt); err != nil {
		ce := challengeError(CodeRequirementMismatch, err, "payment does not match the requirement")
		var me *paywall.MismatchError
		if errors.As(err, &me) {
			ce.Reason = me.Field
		}
		return s.fail(ctx, cl, ce)
	}

	// Verified
	sctx, done = s.stage(ctx, "verify")
	vr, err := s.payments.Verify(sctx, payment, &cl.reqmt)
	cl.verifyMs = done(err)
	if err != nil {
		ce := challengeError(CodeVerificationFailed, err, "payment could not be verified")
		ce.Reason = "facilitator_unavailable"
		return s.fail(ctx, cl, ce)
	}
	if !vr.Valid {
		ce := challengeError(CodeVerificationFailed, nil, "payment rejected by facilitator")
		ce.Reason = vr.Reason
		return s.fail(ctx, cl, ce)
	}

	cl.recorded = s.ledger.Begin(ctx, &ledger.PaymentRecord{
		RequestID: cl.req.RequestID,
		AgentID:   target.Agent.ID,
		ChainID:   net.ChainID,
		Network:   cl.reqmt.Network,
		Payer:     cl.payer,
		Recipient: cl.reqmt.PayTo,
		Amount:    cl.reqmt.Amount,
		Asset:     cl.reqmt.Asset,
		Status:    ledger.StatusVerified,
		VerifyMs:  cl.verifyMs,
		CreatedAt: time.Now().UTC(),
	})

	// Simulated
	sctx, done = s.stage(ctx, "simulate")
	err = s.payments.Simulate(sctx, payment, &cl.reqmt, net)
	done(err)
	if err != nil {
		kind := facilitator.KindUnclassified
		var se *facilitator.SimulationError
		if errors.As(err, &se) {
			kind = se.Kind
		}
		ce := challengeError(CodeSimulationFailed, err, "payment would not settle")
		ce.Reason = string(kind)
		return s.fail(ctx, cl, ce)
	}

	// Forwarded
	sctx, done = s.stage(ctx, "forward")
	fwd, err := s.backend.Forward(sctx, ForwardRequest{
		TargetURL:   target.Agent.TargetURL,
		Body:        cl.req.Body,
		ContentType: cl.req.ContentType,
		Header:      s.policy.Apply(cl.req.Header, s.overrides(cl)),
		Timeout:     target.Agent.Timeout(),
	})
	cl.forwardMs = done(err)
	if err != nil {
		if errors.Is(err, ErrTargetTimeout) {
			return s.fail(ctx, cl, newError(CodeTargetTimeout, http.StatusGatewayTimeout, err, "agent did not respond in time"))
		}
		return s.fail(ctx, cl, newError(CodeTargetUnreachable, http.StatusBadGateway, err, "agent could not be reached"))
	}
	if !fwd.OK() {
		ce := newError(CodeTargetError, fwd.StatusCode, nil, "agent returned HTTP %d", fwd.StatusCode)
		res := s.fail(ctx, cl, ce)
		res.ContentType = fwd.ContentType
		res.Body = fwd.Body
		return res
	}

	res := &Result{StatusCode: fwd.StatusCode, ContentType: fwd.ContentType, Body: fwd.Body}

	// OwnershipReconfirmed
	if ce := s.reconfirmOwner(ctx, cl); ce != nil {
		out := s.fail(ctx, cl, ce)
		out.Settlement = s.settlementHeader(cl, nil, strings.ToLower(string(ce.Code)))
		return out
	}

	// Settled
	sctx, done = s.stage(ctx, "settle")
	sr, err := s.payments.Settle(sctx, payment, &cl.reqmt)
	cl.settleMs = done(err)
	if sr != nil && sr.Attempts > 0 {
		gwSettleAttempts.Observe(float64(sr.Attempts))
	}
	if err != nil || sr == nil || !sr.Success {
		reason := "settlement_failed"
		attempts := 0
		if sr != nil {
			attempts = sr.Attempts
			if sr.ErrorReason != "" {
				reason = sr.ErrorReason
			}
		}
		logging.L(ctx).Warn("settlement failed, call served unpaid",
			"stage", "settle", "attempts", attempts, "reason", reason, "error", err, "reconcile", true)
		gwCalls.WithLabelValues(strings.ToLower(string(CodeSettlementFailed))).Inc()
		gwUnpaidServed.WithLabelValues("settlement_failed").Inc()
		s.finalize(ctx, cl, ledger.Outcome{
			Status:     ledger.StatusVerified,
			HTTPStatus: fwd.StatusCode,
			ErrorCode:  string(CodeSettlementFailed),
		})
		s.events.EmitSettlementFailed(ctx, cl.eventPayment(), reason, attempts)
		res.Settlement = s.settlementHeader(cl, nil, reason)
		return res
	}
	res.Settlement = s.settlementHeader(cl, sr, "")
	traces.Annotate(ctx, traces.TxHash(sr.Transaction))

	// FeedbackIssued?
	out := ledger.Outcome{Status: ledger.StatusSettled, TxHash: sr.Transaction, HTTPStatus: fwd.StatusCode}
	if auth := s.issueFeedback(ctx, cl); auth != nil {
		res.Feedback = auth
		out.FeedbackIndex = auth.IndexLimit
	}

	s.finalize(ctx, cl, out)
	s.events.EmitSettled(ctx, cl.eventPayment(), sr.Transaction, sr.AlreadySettled)
	gwCalls.WithLabelValues("settled").Inc()
	logging.L(ctx).Info("call settled",
		"stage", "responded", "tx_hash", sr.Transaction, "already_settled", sr.AlreadySettled,
		"attempts", sr.Attempts, "total_ms", time.Since(cl.start).Milliseconds())
	return res
}

// reconfirmOwner re-reads the token owner right before settlement. Agents
// without an identity token are paid to their fixed payout address.
func (s *Service) reconfirmOwner(ctx context.Context, cl *call) *CallError {
	agent := cl.agent()
	if !agent.HasIdentity() {
		return nil
	}

	sctx, done := s.stage(ctx, "ownership")
	owner, err := s.owners.OwnerOf(sctx, agent.ChainID, agent.TokenID)
	if err != nil && !errors.Is(err, ownership.ErrNoOwner) {
		done(err)
		gwUnpaidServed.WithLabelValues("ownership_unconfirmed").Inc()
		logging.L(ctx).Error("ownership recheck failed, not settling",
			"stage", "ownership", "error", err, "reconcile", true)
		s.events.EmitSettlementFailed(ctx, cl.eventPayment(), "ownership_unconfirmed", 0)
		return newError(CodeOwnershipUnconfirmed, http.StatusServiceUnavailable, err, "agent ownership could not be confirmed; you were not charged")
	}
	done(nil)

	if err == nil && owner == cl.target.PayTo {
		return nil
	}

	current := ""
	if err == nil {
		current = owner.Hex()
	}
	gwOwnershipChanges.Inc()
	gwUnpaidServed.WithLabelValues("ownership_changed").Inc()
	logging.L(ctx).Error("agent ownership changed during call, not settling",
		"stage", "ownership", "token_id", tokenString(agent.TokenID),
		"challenged_owner", cl.target.PayTo.Hex(), "current_owner", current, "reconcile", true)
	s.events.EmitOwnershipChanged(ctx, cl.eventPayment(), current)
	return newError(CodeOwnershipChanged, http.StatusConflict, nil, "agent ownership changed during the call; you were not charged")
}

func (s *Service) issueFeedback(ctx context.Context, cl *call) *feedback.Authorization {
	if s.feedback == nil || !common.IsHexAddress(cl.payer) {
		return nil
	}
	sctx, done := s.stage(ctx, "feedback")
	auth, err := s.feedback.Issue(sctx, cl.agent(), common.HexToAddress(cl.payer), cl.net)
	done(err)
	if err != nil {
		logging.L(ctx).Warn("feedback authorization not issued", "stage", "feedback", "error", err)
		return nil
	}
	return auth
}

func (s *Service) overrides(cl *call) map[string]string {
	return map[string]string{
		HeaderRequestID:     cl.req.RequestID,
		HeaderAgentID:       cl.agent().ID,
		HeaderPayerAddress:  cl.payer,
		HeaderGatewaySecret: cl.agent().OriginSecret,
	}
}

func (s *Service) settlementHeader(cl *call, sr *facilitator.SettlementResult, reason string) *x402.PaymentResponse {
	reqmt := cl.reqmt
	pr := &x402.PaymentResponse{
		Network:      reqmt.Network,
		Payer:        cl.payer,
		ErrorReason:  reason,
		Requirements: &reqmt,
	}
	if sr != nil && sr.Success {
		pr.Success = true
		pr.Transaction = sr.Transaction
		if sr.Network != "" {
			pr.Network = sr.Network
		}
	}
	return pr
}

// challengeError builds a 402 error; the caller also gets a fresh requirement.
func challengeError(code Code, err error, msg string) *CallError {
	return newError(code, http.StatusPaymentRequired, err, "%s", msg)
}

// fail finalizes the ledger row, if one was opened, and builds the error result.
func (s *Service) fail(ctx context.Context, cl *call, ce *CallError) *Result {
	gwCalls.WithLabelValues(strings.ToLower(string(ce.Code))).Inc()

	level := slog.LevelInfo
	if ce.Status >= 500 {
		level = slog.LevelWarn
	}
	logging.L(ctx).Log(ctx, level, "call failed",
		"stage", failedStage[ce.Code], "code", ce.Code, "reason", ce.Reason, "error", ce.Err)

	out := ledger.Outcome{Status: ledger.StatusFailed, ErrorCode: string(ce.Code)}
	if ce.Code == CodeTargetError {
		out.HTTPStatus = ce.Status
	}
	s.finalize(ctx, cl, out)

	res := &Result{StatusCode: ce.Status, Err: ce}
	if ce.Challenge() && cl.target != nil && cl.net != nil {
		res.Challenge = paywall.Required(cl.offer, cl.reqmt, string(ce.Code))
	}
	return res
}

func (s *Service) finalize(ctx context.Context, cl *call, out ledger.Outcome) {
	if !cl.recorded {
		return
	}
	out.ForwardMs = cl.forwardMs
	out.SettleMs = cl.settleMs
	out.TotalMs = time.Since(cl.start).Milliseconds()
	s.ledger.Finalize(ctx, cl.req.RequestID, out)
}

// stage opens a span for one state and returns a func that closes it and
// records the stage latency in milliseconds.
func (s *Service) stage(ctx context.Context, name string) (context.Context, func(error) int64) {
	start := time.Now()
	ctx, span := traces.StartSpan(ctx, "gateway."+name)
	return ctx, func(err error) int64 {
		traces.Fail(span, err)
		span.End()
		return observeStage(name, start)
	}
}

// failedStage names the state each terminal error leaves from.
var failedStage = map[Code]string{
	CodeNotFound:             "lookup",
	CodeOwnerUnavailable:     "lookup",
	CodeUnsupportedNetwork:   "network",
	CodeInternal:             "lookup",
	CodeMalformedPayment:     "payment",
	CodeRequirementMismatch:  "match",
	CodeVerificationFailed:   "verify",
	CodeSimulationFailed:     "simulate",
	CodeTargetTimeout:        "forward",
	CodeTargetUnreachable:    "forward",
	CodeTargetError:          "forward",
	CodeOwnershipChanged:     "ownership",
	CodeOwnershipUnconfirmed: "ownership",
}

func lookupError(err error) *CallError {
	switch {
	case errors.Is(err, directory.ErrNotFound):
		return newError(CodeNotFound, http.StatusNotFound, err, "agent not found")
	case errors.Is(err, directory.ErrOwnerUnavailable):
		return newError(CodeOwnerUnavailable, http.StatusServiceUnavailable, err, "agent owner could not be read; retry shortly")
	case errors.Is(err, networks.ErrUnsupportedNetwork):
		return newError(CodeUnsupportedNetwork, http.StatusBadRequest, err, "agent is registered on an unsupported network")
	default:
		return newError(CodeInternal, http.StatusInternalServerError, err, "agent lookup failed")
	}
}

func normalizeAddress(addr string) string {
	if common.IsHexAddress(addr) {
		return common.HexToAddress(addr).Hex()
	}
	return addr
}

func tokenString(id *big.Int) string {
	if id == nil {
		return ""
	}
	return id.String()
}
