package settle

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"settlepay/chain"
	"settlepay/events"
	"settlepay/rates"
	"settlepay/storage"
)

const testChainID = "137"

// stubGateway fakes the per-chain RPC surface. Burner derivation hashes the
// call data, so distinct preimages yield distinct deterministic addresses.
type stubGateway struct {
	mu            sync.Mutex
	native        map[common.Address]*big.Int
	tokens        map[string]*big.Int
	head          uint64
	balanceCalls  int
	tokenErr      error
	sendErr       error
	sent          []*gethtypes.Transaction
	blockNumErr   error
	derivationErr error
}

func newStubGateway() *stubGateway {
	return &stubGateway{
		native: make(map[common.Address]*big.Int),
		tokens: make(map[string]*big.Int),
		head:   1000,
	}
}

func tokenKey(token, holder common.Address) string {
	return token.Hex() + "|" + holder.Hex()
}

func (g *stubGateway) fundNative(addr common.Address, amount *big.Int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.native[addr] = amount
}

func (g *stubGateway) fundToken(token, holder common.Address, amount *big.Int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.tokens[tokenKey(token, holder)] = amount
}

func (g *stubGateway) ChainID() *big.Int { return big.NewInt(137) }

func (g *stubGateway) BlockNumber(context.Context) (uint64, error) {
	if g.blockNumErr != nil {
		return 0, g.blockNumErr
	}
	return g.head, nil
}

func (g *stubGateway) NativeBalance(_ context.Context, account common.Address) (*big.Int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.balanceCalls++
	if balance, ok := g.native[account]; ok {
		return new(big.Int).Set(balance), nil
	}
	return big.NewInt(0), nil
}

func (g *stubGateway) TokenBalance(_ context.Context, token, holder common.Address) (*big.Int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.balanceCalls++
	if g.tokenErr != nil {
		return nil, g.tokenErr
	}
	if balance, ok := g.tokens[tokenKey(token, holder)]; ok {
		return new(big.Int).Set(balance), nil
	}
	return big.NewInt(0), nil
}

func (g *stubGateway) CallContract(_ context.Context, _ common.Address, data []byte) ([]byte, error) {
	if g.derivationErr != nil {
		return nil, g.derivationErr
	}
	derived := common.BytesToAddress(gethcrypto.Keccak256(data)[12:])
	return common.LeftPadBytes(derived.Bytes(), 32), nil
}

func (g *stubGateway) SuggestGasPrice(context.Context) (*big.Int, error) { return big.NewInt(30), nil }

func (g *stubGateway) EstimateGas(context.Context, common.Address, common.Address, []byte) (uint64, error) {
	return 210_000, nil
}

func (g *stubGateway) PendingNonceAt(context.Context, common.Address) (uint64, error) { return 7, nil }

func (g *stubGateway) SendTransaction(_ context.Context, tx *gethtypes.Transaction) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.sendErr != nil {
		return g.sendErr
	}
	g.sent = append(g.sent, tx)
	return nil
}

type stubExplorer struct {
	transfers []chain.Transfer
	err       error
}

func (s *stubExplorer) NativeTransfers(context.Context, string, uint64, uint64) ([]chain.Transfer, error) {
	return s.transfers, s.err
}

func (s *stubExplorer) TokenTransfers(context.Context, string, string, uint64, uint64) ([]chain.Transfer, error) {
	return s.transfers, s.err
}

type stubRates struct {
	snapshot *rates.Snapshot
	err      error
}

func (s *stubRates) Current(context.Context) (*rates.Snapshot, error) {
	return s.snapshot, s.err
}

type stubSigner struct{}

func (stubSigner) Address() common.Address {
	return common.HexToAddress("0x00000000000000000000000000000000000000ee")
}

func (stubSigner) SignTx(tx *gethtypes.Transaction, _ *big.Int) (*gethtypes.Transaction, error) {
	return tx, nil
}

type stubSink struct {
	mu     sync.Mutex
	events []events.Event
}

func (s *stubSink) Publish(event events.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return true
}

func (s *stubSink) byType(eventType string) []events.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []events.Event
	for _, event := range s.events {
		if event.Type == eventType {
			out = append(out, event)
		}
	}
	return out
}

type fixture struct {
	store    *storage.Store
	gateway  *stubGateway
	explorer *stubExplorer
	sink     *stubSink
	worker   *Worker
	engine   *Engine
	usdc     *storage.Currency
	matic    *storage.Currency
}

func defaultSnapshot() *rates.Snapshot {
	// 30000 USD per BTC, 45000 MATIC per BTC: 1.5 MATIC per USD.
	return rates.NewSnapshot(30000, map[string]float64{
		"usd":      30000,
		"matic":    45000,
		"usd-coin": 30000,
	}, time.Now().UTC())
}

func setupFixture(t *testing.T) *fixture {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	store, err := storage.New(db)
	if err != nil {
		t.Fatalf("init storage: %v", err)
	}

	network := &storage.ChainNetwork{ID: uuid.New(), Name: "polygon", ChainID: testChainID}
	if err := db.Create(network).Error; err != nil {
		t.Fatalf("seed network: %v", err)
	}
	usdc := &storage.Currency{
		ID:             uuid.New(),
		Name:           "USD Coin",
		Symbol:         "USDC",
		CoingeckoID:    "usd-coin",
		Kind:           storage.KindERC20,
		ChainNetworkID: &network.ID,
		TokenAddress:   "0x00000000000000000000000000000000000000aa",
		Decimals:       6,
	}
	if err := db.Create(usdc).Error; err != nil {
		t.Fatalf("seed usdc: %v", err)
	}
	matic := &storage.Currency{
		ID:             uuid.New(),
		Name:           "Polygon",
		Symbol:         "MATIC",
		CoingeckoID:    "matic",
		Kind:           storage.KindNative,
		ChainNetworkID: &network.ID,
		Decimals:       18,
	}
	if err := db.Create(matic).Error; err != nil {
		t.Fatalf("seed matic: %v", err)
	}
	if err := db.Create(&storage.FactoryContract{
		ID:             uuid.New(),
		Name:           "burner factory",
		Address:        "0x00000000000000000000000000000000000000f1",
		ChainNetworkID: network.ID,
		Active:         true,
	}).Error; err != nil {
		t.Fatalf("seed factory: %v", err)
	}
	if err := db.Create(&storage.MultisigContract{
		ID:             uuid.New(),
		Name:           "governance multisig",
		Address:        "0x00000000000000000000000000000000000000cc",
		ChainNetworkID: network.ID,
		Active:         true,
	}).Error; err != nil {
		t.Fatalf("seed multisig: %v", err)
	}

	gateway := newStubGateway()
	explorer := &stubExplorer{}
	sink := &stubSink{}
	gateways := map[string]chain.Gateway{testChainID: gateway}
	worker := NewWorker(store, gateways, stubSigner{}, 16, WithWorkerPublisher(sink))
	engine := NewEngine(store, gateways, map[string]TxLookup{testChainID: explorer}, &stubRates{snapshot: defaultSnapshot()}, worker,
		WithPublisher(sink),
		WithPollTimeout(time.Second),
	)
	return &fixture{
		store:    store,
		gateway:  gateway,
		explorer: explorer,
		sink:     sink,
		worker:   worker,
		engine:   engine,
		usdc:     usdc,
		matic:    matic,
	}
}

func testMerchant() *storage.Merchant {
	return &storage.Merchant{
		ID:            uuid.New(),
		Name:          "acme",
		APIKey:        "key",
		PayoutAddress: "0x00000000000000000000000000000000000000bb",
	}
}

func createOrder(t *testing.T, f *fixture) *SettlementView {
	t.Helper()
	view, err := f.engine.CreateOrder(context.Background(), CreateOrderRequest{
		Merchant:   testMerchant(),
		FiatAmount: 100,
		ChainID:    testChainID,
	})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	return view
}

// drainOne runs the next queued disbursement synchronously.
func drainOne(t *testing.T, f *fixture) Task {
	t.Helper()
	select {
	case task := <-f.worker.tasks:
		f.worker.run(context.Background(), task)
		return task
	default:
		t.Fatal("no disbursement task queued")
		return Task{}
	}
}

func candidateBySymbol(t *testing.T, view *SettlementView, symbol string) CandidateView {
	t.Helper()
	for _, candidate := range view.Candidates {
		if candidate.Symbol == symbol {
			return candidate
		}
	}
	t.Fatalf("no %s candidate in view", symbol)
	return CandidateView{}
}

func TestCreateOrderDerivesOneCandidatePerToken(t *testing.T) {
	f := setupFixture(t)
	view := createOrder(t, f)

	if view.Status != storage.OrderInProgress {
		t.Fatalf("expected in progress, got %s", view.Status)
	}
	if view.Kind != KindBurner {
		t.Fatalf("expected burner settlement, got %s", view.Kind)
	}
	if len(view.Candidates) != 2 {
		t.Fatalf("expected 2 candidates, got %d", len(view.Candidates))
	}

	usdcView := candidateBySymbol(t, view, "USDC")
	if usdcView.AmountSmallestUnit != "100000000" {
		t.Fatalf("usdc amount: %s", usdcView.AmountSmallestUnit)
	}
	maticView := candidateBySymbol(t, view, "MATIC")
	if maticView.AmountSmallestUnit != "150000000000000000000" {
		t.Fatalf("matic amount: %s", maticView.AmountSmallestUnit)
	}
	if usdcView.DepositAddress == maticView.DepositAddress {
		t.Fatal("candidates must have distinct burner addresses")
	}
	if usdcView.DisbursementStatus != string(storage.DeployNotDeployed) {
		t.Fatalf("unexpected deploy status %s", usdcView.DisbursementStatus)
	}
}

func TestCreateOrderIsDeterministicPerPreimage(t *testing.T) {
	f := setupFixture(t)
	first := createOrder(t, f)
	second := createOrder(t, f)

	// Same amounts, different order ids: distinct addresses.
	if candidateBySymbol(t, first, "USDC").DepositAddress == candidateBySymbol(t, second, "USDC").DepositAddress {
		t.Fatal("different orders must derive different burner addresses")
	}
}

func TestCreateOrderUnsupportedChainPersistsNothing(t *testing.T) {
	f := setupFixture(t)
	_, err := f.engine.CreateOrder(context.Background(), CreateOrderRequest{
		Merchant:   testMerchant(),
		FiatAmount: 100,
		ChainID:    "999",
	})
	if !errors.Is(err, ErrChainUnsupported) {
		t.Fatalf("expected ErrChainUnsupported, got %v", err)
	}
	var count int64
	if err := f.store.DB().Model(&storage.Payment{}).Count(&count).Error; err != nil {
		t.Fatalf("count payments: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected no persisted payments, got %d", count)
	}
}

func TestCreateOrderWithoutFactoryAborts(t *testing.T) {
	f := setupFixture(t)
	if err := f.store.DB().Model(&storage.FactoryContract{}).Where("1 = 1").Update("active", false).Error; err != nil {
		t.Fatalf("deactivate factory: %v", err)
	}
	_, err := f.engine.CreateOrder(context.Background(), CreateOrderRequest{
		Merchant:   testMerchant(),
		FiatAmount: 100,
		ChainID:    testChainID,
	})
	if !errors.Is(err, ErrContractUnavailable) {
		t.Fatalf("expected ErrContractUnavailable, got %v", err)
	}
	var count int64
	if err := f.store.DB().Model(&storage.BurnerCandidate{}).Count(&count).Error; err != nil {
		t.Fatalf("count candidates: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected no persisted candidates, got %d", count)
	}
}

func TestCreateOrderDropsTokenWithoutRate(t *testing.T) {
	f := setupFixture(t)
	f.engine.oracle = &stubRates{snapshot: rates.NewSnapshot(30000, map[string]float64{
		"usd": 30000,
		// matic intentionally absent
	}, time.Now().UTC())}

	view := createOrder(t, f)
	if len(view.Candidates) != 1 {
		t.Fatalf("expected 1 candidate, got %d", len(view.Candidates))
	}
	if view.Candidates[0].Symbol != "USDC" {
		t.Fatalf("expected USDC to survive, got %s", view.Candidates[0].Symbol)
	}
}

func TestCreateOrderDerivationFailureAborts(t *testing.T) {
	f := setupFixture(t)
	f.gateway.derivationErr = errors.New("rpc down")

	_, err := f.engine.CreateOrder(context.Background(), CreateOrderRequest{
		Merchant:   testMerchant(),
		FiatAmount: 100,
		ChainID:    testChainID,
	})
	if !errors.Is(err, ErrChainUnavailable) {
		t.Fatalf("expected ErrChainUnavailable, got %v", err)
	}
}

func fundCandidate(t *testing.T, f *fixture, view *SettlementView, symbol string, delta int64) {
	t.Helper()
	candidate := candidateBySymbol(t, view, symbol)
	expected, ok := new(big.Int).SetString(candidate.AmountSmallestUnit, 10)
	if !ok {
		t.Fatalf("bad amount %s", candidate.AmountSmallestUnit)
	}
	amount := new(big.Int).Add(expected, big.NewInt(delta))
	holder := common.HexToAddress(candidate.DepositAddress)
	if symbol == "MATIC" {
		f.gateway.fundNative(holder, amount)
		return
	}
	f.gateway.fundToken(common.HexToAddress(candidate.TokenAddress), holder, amount)
}

func TestCheckStatusHappyPath(t *testing.T) {
	f := setupFixture(t)
	view := createOrder(t, f)
	orderID := uuid.MustParse(view.OrderID)
	ctx := context.Background()

	fundCandidate(t, f, view, "USDC", 0)
	f.explorer.transfers = []chain.Transfer{{
		Hash:        "0xdeposit",
		From:        "0xsender",
		Value:       "100000000",
		BlockNumber: "1001",
		BlockHash:   "0xblock",
	}}

	settled, err := f.engine.CheckStatus(ctx, orderID)
	if err != nil {
		t.Fatalf("check status: %v", err)
	}
	if settled.Status != storage.OrderCompleted {
		t.Fatalf("expected completed, got %s", settled.Status)
	}
	if settled.Settled == nil || settled.Settled.Symbol != "USDC" {
		t.Fatalf("unexpected settled view %+v", settled.Settled)
	}
	if settled.Settled.TransactionHash == nil || *settled.Settled.TransactionHash != "0xdeposit" {
		t.Fatalf("transaction hash not recorded: %+v", settled.Settled)
	}
	if settled.Settled.SenderAddress == nil || *settled.Settled.SenderAddress != "0xsender" {
		t.Fatalf("sender not recorded: %+v", settled.Settled)
	}

	// Disbursement runs asynchronously; execute the queued task.
	drainOne(t, f)

	after, err := f.engine.CheckStatus(ctx, orderID)
	if err != nil {
		t.Fatalf("re-check: %v", err)
	}
	winner := candidateBySymbol(t, after, "USDC")
	if winner.DisbursementStatus != string(storage.DeploySucceeded) {
		t.Fatalf("expected succeeded, got %s", winner.DisbursementStatus)
	}
	if winner.DisbursementTxHash == "" {
		t.Fatal("disbursement tx hash missing")
	}
	if len(f.gateway.sent) != 1 {
		t.Fatalf("expected 1 broadcast, got %d", len(f.gateway.sent))
	}
	if got := f.sink.byType(events.TypeSettlementCompleted); len(got) != 1 {
		t.Fatalf("expected 1 completion event, got %d", len(got))
	}
	if got := f.sink.byType(events.TypeDisbursementSucceeded); len(got) != 1 {
		t.Fatalf("expected 1 disbursement event, got %d", len(got))
	}
}

func TestCheckStatusThresholdIsInclusive(t *testing.T) {
	f := setupFixture(t)
	view := createOrder(t, f)
	orderID := uuid.MustParse(view.OrderID)
	ctx := context.Background()

	// One smallest unit short: still in progress.
	fundCandidate(t, f, view, "USDC", -1)
	pending, err := f.engine.CheckStatus(ctx, orderID)
	if err != nil {
		t.Fatalf("check status: %v", err)
	}
	if pending.Status != storage.OrderInProgress {
		t.Fatalf("underfunded order must stay in progress, got %s", pending.Status)
	}

	// Exactly the threshold: funded.
	fundCandidate(t, f, view, "USDC", 0)
	settled, err := f.engine.CheckStatus(ctx, orderID)
	if err != nil {
		t.Fatalf("check status: %v", err)
	}
	if settled.Status != storage.OrderCompleted {
		t.Fatalf("boundary balance must settle, got %s", settled.Status)
	}
}

func TestCreateOrderRejectsNonUSDFiat(t *testing.T) {
	f := setupFixture(t)
	_, err := f.engine.CreateOrder(context.Background(), CreateOrderRequest{
		Merchant:     testMerchant(),
		FiatAmount:   100,
		FiatCurrency: "EUR",
		ChainID:      testChainID,
	})
	if !errors.Is(err, ErrFiatUnsupported) {
		t.Fatalf("expected ErrFiatUnsupported, got %v", err)
	}
}

func TestCheckStatusFirstMatchWins(t *testing.T) {
	f := setupFixture(t)
	view := createOrder(t, f)
	orderID := uuid.MustParse(view.OrderID)
	ctx := context.Background()

	// Fund both candidates; the first by creation order wins even though
	// the later one is also sufficient.
	fundCandidate(t, f, view, "USDC", 500)
	fundCandidate(t, f, view, "MATIC", 500)

	settled, err := f.engine.CheckStatus(ctx, orderID)
	if err != nil {
		t.Fatalf("check status: %v", err)
	}
	if settled.Settled == nil || settled.Settled.Symbol != "USDC" {
		t.Fatalf("expected first candidate to win, got %+v", settled.Settled)
	}

	var used int64
	if err := f.store.DB().Model(&storage.BurnerCandidate{}).Where("used_for_payment = ?", true).Count(&used).Error; err != nil {
		t.Fatalf("count winners: %v", err)
	}
	if used != 1 {
		t.Fatalf("expected exactly one winner, got %d", used)
	}
}

func TestCheckStatusBalanceErrorDegradesToNotFunded(t *testing.T) {
	f := setupFixture(t)
	view := createOrder(t, f)
	orderID := uuid.MustParse(view.OrderID)
	ctx := context.Background()

	// First candidate's token read fails; the native candidate is funded
	// and must still be evaluated.
	f.gateway.mu.Lock()
	f.gateway.tokenErr = errors.New("rpc timeout")
	f.gateway.mu.Unlock()
	fundCandidate(t, f, view, "MATIC", 0)

	settled, err := f.engine.CheckStatus(ctx, orderID)
	if err != nil {
		t.Fatalf("check status: %v", err)
	}
	if settled.Settled == nil || settled.Settled.Symbol != "MATIC" {
		t.Fatalf("expected MATIC to win past the failing candidate, got %+v", settled.Settled)
	}
}

func TestDivergentPollsAgreeOnOneWinner(t *testing.T) {
	f := setupFixture(t)
	view := createOrder(t, f)
	orderID := uuid.MustParse(view.OrderID)
	ctx := context.Background()

	// Both candidates are funded. Poller B sees both balances and claims
	// USDC, the first by position.
	fundCandidate(t, f, view, "USDC", 0)
	fundCandidate(t, f, view, "MATIC", 0)

	payment, err := f.store.PaymentByID(ctx, orderID)
	if err != nil {
		t.Fatalf("load payment: %v", err)
	}
	snapshotB, err := f.store.CandidatesByPayment(ctx, orderID)
	if err != nil {
		t.Fatalf("candidates: %v", err)
	}
	// Poller A took its snapshot before B claimed anything.
	snapshotA, err := f.store.CandidatesByPayment(ctx, orderID)
	if err != nil {
		t.Fatalf("candidates: %v", err)
	}

	winnerB, err := f.engine.pollForWinner(ctx, payment, snapshotB)
	if err != nil {
		t.Fatalf("poller B: %v", err)
	}
	if winnerB == nil || winnerB.Currency.Symbol != "USDC" {
		t.Fatalf("poller B should claim USDC, got %+v", winnerB)
	}

	// Poller A's USDC balance read fails transiently, so its stale view
	// says MATIC is the first funded candidate. The order-scoped claim
	// must reject it and hand back B's winner.
	f.gateway.mu.Lock()
	f.gateway.tokenErr = errors.New("rpc timeout")
	f.gateway.mu.Unlock()

	winnerA, err := f.engine.pollForWinner(ctx, payment, snapshotA)
	if err != nil {
		t.Fatalf("poller A: %v", err)
	}
	if winnerA == nil || winnerA.ID != winnerB.ID {
		t.Fatalf("pollers disagree: A=%+v B=%+v", winnerA, winnerB)
	}

	var used int64
	if err := f.store.DB().Model(&storage.BurnerCandidate{}).Where("used_for_payment = ?", true).Count(&used).Error; err != nil {
		t.Fatalf("count winners: %v", err)
	}
	if used != 1 {
		t.Fatalf("expected exactly one winner, got %d", used)
	}
}

func TestCheckStatusSkipsPollingOnceSettled(t *testing.T) {
	f := setupFixture(t)
	view := createOrder(t, f)
	orderID := uuid.MustParse(view.OrderID)
	ctx := context.Background()

	fundCandidate(t, f, view, "USDC", 0)
	if _, err := f.engine.CheckStatus(ctx, orderID); err != nil {
		t.Fatalf("check status: %v", err)
	}
	drainOne(t, f)

	f.gateway.mu.Lock()
	before := f.gateway.balanceCalls
	f.gateway.mu.Unlock()

	for i := 0; i < 3; i++ {
		after, err := f.engine.CheckStatus(ctx, orderID)
		if err != nil {
			t.Fatalf("poll %d: %v", i, err)
		}
		if after.Status != storage.OrderCompleted {
			t.Fatalf("status regressed to %s", after.Status)
		}
	}

	f.gateway.mu.Lock()
	defer f.gateway.mu.Unlock()
	if f.gateway.balanceCalls != before {
		t.Fatalf("completed order must not poll balances: %d extra calls", f.gateway.balanceCalls-before)
	}
}

func TestConcurrentCheckStatusSingleWinner(t *testing.T) {
	f := setupFixture(t)
	view := createOrder(t, f)
	orderID := uuid.MustParse(view.OrderID)

	fundCandidate(t, f, view, "USDC", 0)

	const pollers = 8
	var wg sync.WaitGroup
	errs := make(chan error, pollers)
	for i := 0; i < pollers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := f.engine.CheckStatus(context.Background(), orderID)
			if err != nil {
				errs <- err
				return
			}
			if result.Status != storage.OrderCompleted {
				errs <- fmt.Errorf("expected completed, got %s", result.Status)
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent poll: %v", err)
	}

	var used int64
	if err := f.store.DB().Model(&storage.BurnerCandidate{}).Where("used_for_payment = ?", true).Count(&used).Error; err != nil {
		t.Fatalf("count winners: %v", err)
	}
	if used != 1 {
		t.Fatalf("expected exactly one winner, got %d", used)
	}

	// The completion transition is a conditional update, so the side
	// effects fire once no matter how many pollers raced through.
	if got := f.sink.byType(events.TypeSettlementCompleted); len(got) != 1 {
		t.Fatalf("expected exactly 1 completion event, got %d", len(got))
	}
}

func TestCheckStatusBackfillsTransferMetadataLater(t *testing.T) {
	f := setupFixture(t)
	view := createOrder(t, f)
	orderID := uuid.MustParse(view.OrderID)
	ctx := context.Background()

	// Explorer lags at settlement time: fields stay null.
	fundCandidate(t, f, view, "USDC", 0)
	settled, err := f.engine.CheckStatus(ctx, orderID)
	if err != nil {
		t.Fatalf("check status: %v", err)
	}
	if settled.Settled.TransactionHash != nil {
		t.Fatalf("expected null tx hash, got %v", *settled.Settled.TransactionHash)
	}

	// The explorer catches up; the next poll fills the fields in.
	f.explorer.transfers = []chain.Transfer{{Hash: "0xlate", From: "0xsender"}}
	later, err := f.engine.CheckStatus(ctx, orderID)
	if err != nil {
		t.Fatalf("re-check: %v", err)
	}
	if later.Settled.TransactionHash == nil || *later.Settled.TransactionHash != "0xlate" {
		t.Fatalf("tx hash not backfilled: %+v", later.Settled)
	}
}

func TestCheckStatusUnknownOrder(t *testing.T) {
	f := setupFixture(t)
	_, err := f.engine.CheckStatus(context.Background(), uuid.New())
	if !errors.Is(err, ErrInvalidOrder) {
		t.Fatalf("expected ErrInvalidOrder, got %v", err)
	}
}
