package settle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"settlepay/chain"
	"settlepay/events"
	"settlepay/observability"
	"settlepay/rates"
	"settlepay/storage"
)

// maxScanBlock caps explorer block-range scans when the chain head is
// unknown.
const maxScanBlock = 99999999

// RateSource provides exchange-rate snapshots.
type RateSource interface {
	Current(ctx context.Context) (*rates.Snapshot, error)
}

// TxLookup finds inbound transfers via a block explorer.
type TxLookup interface {
	NativeTransfers(ctx context.Context, address string, startBlock, endBlock uint64) ([]chain.Transfer, error)
	TokenTransfers(ctx context.Context, tokenContract, address string, startBlock, endBlock uint64) ([]chain.Transfer, error)
}

// Publisher receives settlement notifications.
type Publisher interface {
	Publish(event events.Event) bool
}

// CreateOrderRequest carries the inputs for a new settlement order. The
// merchant identity arrives already resolved; this engine does not do auth.
type CreateOrderRequest struct {
	Merchant       *storage.Merchant
	OrderReference string
	FiatAmount     float64
	FiatCurrency   string
	ChainID        string
}

// Engine owns the order lifecycle: candidate derivation at creation,
// balance reconciliation on status checks, and the one-time completion
// transition handing off to the disbursement worker.
type Engine struct {
	store       *storage.Store
	gateways    map[string]chain.Gateway
	explorers   map[string]TxLookup
	oracle      RateSource
	worker      *Worker
	sink        Publisher
	log         *slog.Logger
	metrics     *observability.SettlementMetrics
	tracer      trace.Tracer
	pollTimeout time.Duration
	now         func() time.Time
}

// EngineOption adjusts engine behaviour.
type EngineOption func(*Engine)

// WithLogger attaches a structured logger.
func WithLogger(log *slog.Logger) EngineOption {
	return func(e *Engine) {
		if log != nil {
			e.log = log
		}
	}
}

// WithMetrics overrides the metrics registry.
func WithMetrics(m *observability.SettlementMetrics) EngineOption {
	return func(e *Engine) { e.metrics = m }
}

// WithPublisher attaches the settlement event sink.
func WithPublisher(sink Publisher) EngineOption {
	return func(e *Engine) { e.sink = sink }
}

// WithPollTimeout bounds each candidate balance check. A timed-out check
// counts as "not funded this poll" so one slow chain cannot stall the rest.
func WithPollTimeout(timeout time.Duration) EngineOption {
	return func(e *Engine) {
		if timeout > 0 {
			e.pollTimeout = timeout
		}
	}
}

// WithClock overrides the time source (test only).
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// NewEngine wires the settlement engine. Gateways and explorers are keyed by
// chain id.
func NewEngine(store *storage.Store, gateways map[string]chain.Gateway, explorers map[string]TxLookup, oracle RateSource, worker *Worker, opts ...EngineOption) *Engine {
	engine := &Engine{
		store:       store,
		gateways:    gateways,
		explorers:   explorers,
		oracle:      oracle,
		worker:      worker,
		log:         slog.Default(),
		tracer:      otel.Tracer("settle"),
		pollTimeout: 5 * time.Second,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(engine)
	}
	return engine
}

// CreateOrder converts the fiat amount per accepted token, derives one
// burner address per token, and persists the order with all candidates in a
// single transaction. Order-level failures abort before any persistence.
func (e *Engine) CreateOrder(ctx context.Context, req CreateOrderRequest) (*SettlementView, error) {
	if req.Merchant == nil || strings.TrimSpace(req.Merchant.PayoutAddress) == "" {
		return nil, fmt.Errorf("settle: merchant payout address required")
	}
	if req.FiatAmount <= 0 {
		return nil, fmt.Errorf("settle: fiat amount must be positive")
	}
	// Rates anchor on USD; accepting another currency here would silently
	// price it as dollars.
	fiatCurrency := strings.ToUpper(strings.TrimSpace(req.FiatCurrency))
	if fiatCurrency == "" {
		fiatCurrency = "USD"
	}
	if fiatCurrency != "USD" {
		return nil, fmt.Errorf("%w: %s", ErrFiatUnsupported, fiatCurrency)
	}
	chainID := strings.TrimSpace(req.ChainID)

	ctx, span := e.tracer.Start(ctx, "settle.create_order",
		trace.WithAttributes(attribute.String("chain.id", chainID)))
	defer span.End()

	gateway, ok := e.gateways[chainID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrChainUnsupported, chainID)
	}
	network, err := e.store.NetworkByChainID(ctx, chainID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrChainUnsupported, chainID)
	}
	if err != nil {
		return nil, err
	}

	factoryRow, err := e.store.ActiveFactory(ctx, network.ID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: no factory for chain %s", ErrContractUnavailable, chainID)
	}
	if err != nil {
		return nil, err
	}
	multisigRow, err := e.store.ActiveMultisig(ctx, network.ID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: no multisig for chain %s", ErrContractUnavailable, chainID)
	}
	if err != nil {
		return nil, err
	}
	factory, err := chain.NewFactory(gateway, common.HexToAddress(factoryRow.Address), factoryRow.ABI)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrContractUnavailable, err)
	}

	snapshot, err := e.oracle.Current(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRateUnavailable, err)
	}
	currencies, err := e.store.CurrenciesForNetwork(ctx, network.ID)
	if err != nil {
		return nil, err
	}
	initialBlock, err := gateway.BlockNumber(ctx)
	if err != nil {
		e.metrics.RecordRPCError(chainID, "block_number")
		return nil, fmt.Errorf("%w: %v", ErrChainUnavailable, err)
	}

	// The order id is part of the derivation preimage, so it is fixed
	// before anything is persisted.
	paymentID := uuid.New()
	payout := common.HexToAddress(req.Merchant.PayoutAddress)
	multisig := common.HexToAddress(multisigRow.Address)

	candidates := make([]storage.BurnerCandidate, 0, len(currencies))
	for _, currency := range currencies {
		rate, rateErr := snapshot.TokenPerFiat(currency.CoingeckoID, currency.Symbol)
		if rateErr != nil {
			// Deliberate policy: a token without a rate is excluded
			// from this order instead of failing it. Logged and
			// counted so the dropout is observable.
			e.log.Warn("token excluded: rate unavailable",
				"order_id", paymentID, "token", currency.Symbol, "coingecko_id", currency.CoingeckoID)
			e.metrics.RecordRateDrop(currency.Symbol)
			continue
		}
		amount := rates.SmallestUnit(req.FiatAmount, rate, currency.Decimals)
		if amount.Sign() <= 0 {
			e.log.Warn("token excluded: amount truncates to zero",
				"order_id", paymentID, "token", currency.Symbol)
			e.metrics.RecordRateDrop(currency.Symbol)
			continue
		}

		token := common.HexToAddress(currency.TokenAddress)
		derived, deriveErr := factory.PredictAddress(ctx, paymentID.String(), token, amount, payout, multisig)
		if deriveErr != nil {
			e.metrics.RecordRPCError(chainID, "predict_address")
			return nil, fmt.Errorf("%w: derive %s: %v", ErrChainUnavailable, currency.Symbol, deriveErr)
		}

		candidates = append(candidates, storage.BurnerCandidate{
			ID:             uuid.New(),
			PaymentID:      paymentID,
			CurrencyID:     currency.ID,
			Address:        derived.Hex(),
			Position:       len(candidates),
			TokenAmount:    amount.String(),
			ConversionRate: rate,
			Status:         storage.OrderInProgress,
			DeployStatus:   storage.DeployNotDeployed,
		})
		e.metrics.RecordCandidateDerived(chainID, currency.Symbol)
	}
	if len(candidates) == 0 {
		return nil, ErrNoCandidates
	}

	payment := &storage.Payment{
		ID:                 paymentID,
		MerchantID:         req.Merchant.ID,
		OrderReference:     strings.TrimSpace(req.OrderReference),
		FiatAmount:         req.FiatAmount,
		FiatCurrency:       fiatCurrency,
		ChainID:            chainID,
		PayoutAddress:      payout.Hex(),
		Status:             storage.OrderInProgress,
		InitialBlockNumber: initialBlock,
	}
	if err := e.store.CreateOrder(ctx, payment, candidates); err != nil {
		return nil, fmt.Errorf("persist order: %w", err)
	}
	e.metrics.RecordOrderCreated(chainID)
	e.log.Info("order created",
		"order_id", paymentID, "chain_id", chainID, "candidates", len(candidates),
		"fiat_amount", req.FiatAmount, "fiat_currency", fiatCurrency)

	fresh, err := e.store.CandidatesByPayment(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	return buildView(payment, fresh), nil
}

// CheckStatus reconciles the order against on-chain balances. It is
// idempotent and cheap to poll: once a winner is recorded, balance polling
// is skipped entirely.
func (e *Engine) CheckStatus(ctx context.Context, orderID uuid.UUID) (*SettlementView, error) {
	started := e.now()
	ctx, span := e.tracer.Start(ctx, "settle.check_status",
		trace.WithAttributes(attribute.String("order.id", orderID.String())))
	defer span.End()

	payment, err := e.store.PaymentByID(ctx, orderID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidOrder, orderID)
	}
	if err != nil {
		return nil, err
	}
	candidates, err := e.store.CandidatesByPayment(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("%w: %s has no deposit addresses", ErrInvalidOrder, orderID)
	}

	winner := recordedWinner(candidates)
	if winner == nil {
		winner, err = e.pollForWinner(ctx, payment, candidates)
		if err != nil {
			return nil, err
		}
	}
	if winner == nil {
		e.metrics.ObserveCheckStatus("in_progress", e.now().Sub(started))
		return buildView(payment, candidates), nil
	}

	// The conditional update decides first completion, not the stale read
	// above; two racing pollers agree on exactly one.
	firstCompletion, err := e.store.CompletePayment(ctx, payment.ID, winner.CurrencyID, winner.Address)
	if err != nil {
		return nil, err
	}
	if payment.TransactionHash == nil {
		e.recordInbound(ctx, payment, winner)
	}

	// Re-enqueue only from NOT_DEPLOYED or FAILED; INITIATED and SUCCEEDED
	// are the retry-idempotence boundary.
	if winner.DeployStatus == storage.DeployNotDeployed || winner.DeployStatus == storage.DeployFailed {
		e.worker.Enqueue(Task{PaymentID: payment.ID, CandidateID: winner.ID, ChainID: payment.ChainID})
	}

	if firstCompletion {
		symbol := ""
		if winner.Currency != nil {
			symbol = winner.Currency.Symbol
		}
		e.metrics.RecordSettlement(payment.ChainID, symbol)
		e.log.Info("order settled",
			"order_id", payment.ID, "chain_id", payment.ChainID,
			"token", symbol, "deposit_address", winner.Address)
		if e.sink != nil {
			e.sink.Publish(events.Event{
				Type:    events.TypeSettlementCompleted,
				OrderID: payment.ID.String(),
				ChainID: payment.ChainID,
				Token:   symbol,
				Amount:  winner.TokenAmount,
			})
		}
	}

	payment, err = e.store.PaymentByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	candidates, err = e.store.CandidatesByPayment(ctx, orderID)
	if err != nil {
		return nil, err
	}
	e.metrics.ObserveCheckStatus("completed", e.now().Sub(started))
	return buildView(payment, candidates), nil
}

func recordedWinner(candidates []storage.BurnerCandidate) *storage.BurnerCandidate {
	for i := range candidates {
		if candidates[i].UsedForPayment {
			return &candidates[i]
		}
	}
	return nil
}

// pollForWinner checks balances in persisted creation order and claims the
// first funded candidate. First match wins, not best match.
func (e *Engine) pollForWinner(ctx context.Context, payment *storage.Payment, candidates []storage.BurnerCandidate) (*storage.BurnerCandidate, error) {
	for i := range candidates {
		candidate := &candidates[i]
		expected, ok := new(big.Int).SetString(candidate.TokenAmount, 10)
		if !ok {
			e.log.Error("malformed expected amount", "candidate_id", candidate.ID, "amount", candidate.TokenAmount)
			continue
		}
		balance, err := e.candidateBalance(ctx, payment.ChainID, candidate)
		if err != nil {
			// A failed or timed-out read means "not funded this
			// poll"; the remaining candidates still get checked.
			e.log.Debug("balance check failed", "candidate_id", candidate.ID, "err", err)
			e.metrics.RecordRPCError(payment.ChainID, "balance")
			continue
		}
		if balance.Cmp(expected) < 0 {
			continue
		}

		claimed, err := e.store.ClaimCandidate(ctx, payment.ID, candidate.ID)
		if err != nil {
			return nil, err
		}
		if !claimed {
			// Lost the race to a concurrent poller, possibly one that
			// claimed a different candidate of this payment; adopt its
			// winner.
			return e.store.WinningCandidate(ctx, payment.ID)
		}
		candidate.UsedForPayment = true
		candidate.Status = storage.OrderCompleted
		return candidate, nil
	}
	return nil, nil
}

func (e *Engine) candidateBalance(ctx context.Context, chainID string, candidate *storage.BurnerCandidate) (*big.Int, error) {
	gateway, ok := e.gateways[chainID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrChainUnsupported, chainID)
	}
	callCtx, cancel := context.WithTimeout(ctx, e.pollTimeout)
	defer cancel()

	holder := common.HexToAddress(candidate.Address)
	if candidate.Currency != nil && candidate.Currency.Kind == storage.KindNative {
		return gateway.NativeBalance(callCtx, holder)
	}
	token := common.Address{}
	if candidate.Currency != nil {
		token = common.HexToAddress(candidate.Currency.TokenAddress)
	}
	return gateway.TokenBalance(callCtx, token, holder)
}

// recordInbound backfills sender and transaction metadata from the block
// explorer. Explorer indexing lags the chain, so an empty result leaves the
// fields null for a later poll to fill.
func (e *Engine) recordInbound(ctx context.Context, payment *storage.Payment, winner *storage.BurnerCandidate) {
	explorer, ok := e.explorers[payment.ChainID]
	if !ok || winner.Currency == nil {
		return
	}
	endBlock := uint64(maxScanBlock)
	if gateway, ok := e.gateways[payment.ChainID]; ok {
		if head, err := gateway.BlockNumber(ctx); err == nil {
			endBlock = head
		}
	}

	var transfers []chain.Transfer
	var err error
	if winner.Currency.Kind == storage.KindNative {
		transfers, err = explorer.NativeTransfers(ctx, winner.Address, payment.InitialBlockNumber, endBlock)
	} else {
		transfers, err = explorer.TokenTransfers(ctx, winner.Currency.TokenAddress, winner.Address, payment.InitialBlockNumber, endBlock)
	}
	if err != nil {
		e.log.Debug("explorer lookup failed", "order_id", payment.ID, "err", err)
		return
	}
	if len(transfers) == 0 {
		return
	}
	first := transfers[0]
	if err := e.store.RecordInboundTransfer(ctx, payment.ID, first.From, first.Hash, first.BlockNumber, first.BlockHash); err != nil {
		e.log.Warn("record inbound transfer", "order_id", payment.ID, "err", err)
	}
}

func buildView(payment *storage.Payment, candidates []storage.BurnerCandidate) *SettlementView {
	view := &SettlementView{
		OrderID: payment.ID.String(),
		Kind:    KindNative,
		Status:  payment.Status,
		ChainID: payment.ChainID,
	}
	if len(candidates) > 0 {
		view.Kind = KindBurner
	}
	for _, candidate := range candidates {
		view.Candidates = append(view.Candidates, candidateView(candidate))
		if candidate.UsedForPayment {
			settled := &SettledView{
				DepositAddress:  candidate.Address,
				SenderAddress:   payment.SenderAddress,
				TransactionHash: payment.TransactionHash,
				BlockNumber:     payment.TxBlockNumber,
				BlockHash:       payment.TxBlockHash,
			}
			if candidate.Currency != nil {
				settled.Symbol = candidate.Currency.Symbol
				settled.TokenAddress = candidate.Currency.TokenAddress
			}
			view.Settled = settled
		}
	}
	return view
}
