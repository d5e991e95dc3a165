package settle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"settlepay/chain"
	"settlepay/events"
	"settlepay/observability"
	"settlepay/storage"
)

// Task identifies one disbursement to execute. Contract and currency
// metadata are resolved at execution time so a task stays valid across
// configuration refreshes.
type Task struct {
	PaymentID   uuid.UUID
	CandidateID uuid.UUID
	ChainID     string
}

// Signer signs disbursement transactions with the service operator key.
type Signer interface {
	Address() common.Address
	SignTx(tx *gethtypes.Transaction, chainID *big.Int) (*gethtypes.Transaction, error)
}

// Worker executes disbursements on a bounded pool. Failures are recorded on
// the candidate and surface only through later status checks; they never
// propagate to the poller that triggered the task.
type Worker struct {
	store    *storage.Store
	gateways map[string]chain.Gateway
	signer   Signer
	sink     Publisher
	log      *slog.Logger
	metrics  *observability.SettlementMetrics
	tracer   trace.Tracer

	tasks chan Task
	wg    sync.WaitGroup

	mu       sync.Mutex
	inflight map[uuid.UUID]struct{}
}

// WorkerOption adjusts worker behaviour.
type WorkerOption func(*Worker)

// WithWorkerLogger attaches a structured logger.
func WithWorkerLogger(log *slog.Logger) WorkerOption {
	return func(w *Worker) {
		if log != nil {
			w.log = log
		}
	}
}

// WithWorkerMetrics overrides the metrics registry.
func WithWorkerMetrics(m *observability.SettlementMetrics) WorkerOption {
	return func(w *Worker) { w.metrics = m }
}

// WithWorkerPublisher attaches the settlement event sink.
func WithWorkerPublisher(sink Publisher) WorkerOption {
	return func(w *Worker) { w.sink = sink }
}

// NewWorker builds a disbursement worker with a bounded task queue.
func NewWorker(store *storage.Store, gateways map[string]chain.Gateway, signer Signer, queueDepth int, opts ...WorkerOption) *Worker {
	if queueDepth <= 0 {
		queueDepth = 64
	}
	worker := &Worker{
		store:    store,
		gateways: gateways,
		signer:   signer,
		log:      slog.Default(),
		tracer:   otel.Tracer("settle/worker"),
		tasks:    make(chan Task, queueDepth),
		inflight: make(map[uuid.UUID]struct{}),
	}
	for _, opt := range opts {
		opt(worker)
	}
	return worker
}

// Start launches n executors that drain the queue until the context is
// cancelled.
func (w *Worker) Start(ctx context.Context, n int) {
	if n <= 0 {
		n = 1
	}
	for i := 0; i < n; i++ {
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case task := <-w.tasks:
					w.run(ctx, task)
				}
			}
		}()
	}
}

// Wait blocks until all executors have exited.
func (w *Worker) Wait() { w.wg.Wait() }

// Enqueue submits a task without blocking. A full queue rejects the task;
// the next status check will re-enqueue it.
func (w *Worker) Enqueue(task Task) bool {
	if w == nil {
		return false
	}
	select {
	case w.tasks <- task:
		return true
	default:
		w.log.Warn("disbursement queue full", "order_id", task.PaymentID, "candidate_id", task.CandidateID)
		w.metrics.RecordQueueDrop()
		return false
	}
}

// run executes one task. The in-flight set and the status-guarded claim
// together keep at most one disbursement active per candidate.
func (w *Worker) run(ctx context.Context, task Task) {
	ctx, span := w.tracer.Start(ctx, "settle.disburse",
		trace.WithAttributes(
			attribute.String("order.id", task.PaymentID.String()),
			attribute.String("chain.id", task.ChainID),
		))
	defer span.End()

	w.mu.Lock()
	if _, busy := w.inflight[task.CandidateID]; busy {
		w.mu.Unlock()
		return
	}
	w.inflight[task.CandidateID] = struct{}{}
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		delete(w.inflight, task.CandidateID)
		w.mu.Unlock()
	}()

	claimed, err := w.store.MarkDisbursementInitiated(ctx, task.CandidateID)
	if err != nil {
		w.log.Error("claim disbursement", "candidate_id", task.CandidateID, "err", err)
		return
	}
	if !claimed {
		// Already initiated or succeeded; nothing to do.
		return
	}

	txHash, err := w.disburse(ctx, task)
	if err != nil {
		w.metrics.RecordDisbursement(task.ChainID, "failed")
		w.log.Error("disbursement failed", "order_id", task.PaymentID, "candidate_id", task.CandidateID, "err", err)
		if storeErr := w.store.MarkDisbursementFailed(ctx, task.CandidateID, err.Error()); storeErr != nil {
			w.log.Error("record disbursement failure", "candidate_id", task.CandidateID, "err", storeErr)
		}
		if w.sink != nil {
			w.sink.Publish(events.Event{
				Type:    events.TypeDisbursementFailed,
				OrderID: task.PaymentID.String(),
				ChainID: task.ChainID,
				Reason:  err.Error(),
			})
		}
		return
	}

	if err := w.store.MarkDisbursementSucceeded(ctx, task.CandidateID, txHash); err != nil {
		w.log.Error("record disbursement success", "candidate_id", task.CandidateID, "err", err)
		return
	}
	w.metrics.RecordDisbursement(task.ChainID, "succeeded")
	w.log.Info("disbursement broadcast", "order_id", task.PaymentID, "candidate_id", task.CandidateID, "tx_hash", txHash)
	if w.sink != nil {
		w.sink.Publish(events.Event{
			Type:    events.TypeDisbursementSucceeded,
			OrderID: task.PaymentID.String(),
			ChainID: task.ChainID,
			TxHash:  txHash,
		})
	}
}

// disburse builds, signs, and broadcasts the factory deploy call that moves
// the settled funds to the merchant wallet.
func (w *Worker) disburse(ctx context.Context, task Task) (string, error) {
	payment, err := w.store.PaymentByID(ctx, task.PaymentID)
	if err != nil {
		return "", fmt.Errorf("load payment: %w", err)
	}
	candidate, err := w.store.CandidateByID(ctx, task.CandidateID)
	if err != nil {
		return "", fmt.Errorf("load candidate: %w", err)
	}
	if candidate.Currency == nil {
		return "", errors.New("candidate currency metadata missing")
	}
	gateway, ok := w.gateways[task.ChainID]
	if !ok {
		return "", fmt.Errorf("no gateway for chain %s", task.ChainID)
	}
	network, err := w.store.NetworkByChainID(ctx, task.ChainID)
	if err != nil {
		return "", fmt.Errorf("load network: %w", err)
	}
	factoryRow, err := w.store.ActiveFactory(ctx, network.ID)
	if err != nil {
		return "", fmt.Errorf("load factory: %w", err)
	}
	multisigRow, err := w.store.ActiveMultisig(ctx, network.ID)
	if err != nil {
		return "", fmt.Errorf("load multisig: %w", err)
	}
	factory, err := chain.NewFactory(gateway, common.HexToAddress(factoryRow.Address), factoryRow.ABI)
	if err != nil {
		return "", err
	}

	amount, ok := new(big.Int).SetString(candidate.TokenAmount, 10)
	if !ok {
		return "", fmt.Errorf("malformed candidate amount %q", candidate.TokenAmount)
	}
	data, err := factory.DeployCallData(
		payment.ID.String(),
		common.HexToAddress(candidate.Currency.TokenAddress),
		amount,
		common.HexToAddress(payment.PayoutAddress),
		common.HexToAddress(multisigRow.Address),
	)
	if err != nil {
		return "", err
	}

	from := w.signer.Address()
	gasPrice, err := gateway.SuggestGasPrice(ctx)
	if err != nil {
		return "", fmt.Errorf("gas price: %w", err)
	}
	gasLimit, err := gateway.EstimateGas(ctx, from, factory.Address(), data)
	if err != nil {
		return "", fmt.Errorf("estimate gas: %w", err)
	}
	nonce, err := gateway.PendingNonceAt(ctx, from)
	if err != nil {
		return "", fmt.Errorf("nonce: %w", err)
	}

	tx := gethtypes.NewTransaction(nonce, factory.Address(), big.NewInt(0), gasLimit, gasPrice, data)
	signed, err := w.signer.SignTx(tx, gateway.ChainID())
	if err != nil {
		return "", fmt.Errorf("sign: %w", err)
	}
	if err := gateway.SendTransaction(ctx, signed); err != nil {
		return "", fmt.Errorf("broadcast: %w", err)
	}
	return signed.Hash().Hex(), nil
}
