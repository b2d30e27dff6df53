package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ibkrmcp/internal/domain"
)

// spyBroker counts every call so tests can prove the session never reaches
// the broker while disconnected.
type spyBroker struct {
	connectDelay time.Duration

	mu         sync.Mutex
	connectErr error

	connects    atomic.Int64
	disconnects atomic.Int64
	calls       atomic.Int64
	supplyID    int64
}

func (b *spyBroker) Name() string { return "spy" }

func (b *spyBroker) Connect(ctx context.Context) error {
	b.connects.Add(1)
	if b.connectDelay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(b.connectDelay):
		}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connectErr
}

// failConnects makes subsequent connects return err; nil restores success.
func (b *spyBroker) failConnects(err error) {
	b.mu.Lock()
	b.connectErr = err
	b.mu.Unlock()
}

func (b *spyBroker) Disconnect(context.Context) error {
	b.disconnects.Add(1)
	return nil
}

func (b *spyBroker) AccountSummary(context.Context) ([]domain.AccountValue, error) {
	b.calls.Add(1)
	return []domain.AccountValue{{Account: "DU1", Tag: "NetLiquidation", Value: "1.00", Currency: "USD"}}, nil
}

func (b *spyBroker) Positions(context.Context) ([]domain.Position, error) {
	b.calls.Add(1)
	return []domain.Position{
		{Contract: domain.NewContract("AAPL", domain.SecTypeStock), Position: 10},
		{Contract: domain.NewContract("IBM", domain.SecTypeStock), Position: 0},
	}, nil
}

func (b *spyBroker) PlaceOrder(_ context.Context, _ domain.Contract, o domain.Order) (int64, error) {
	b.calls.Add(1)
	if b.supplyID != 0 {
		return b.supplyID, nil
	}
	return 0, nil
}

func (b *spyBroker) CancelOrder(context.Context, int64) (bool, error) {
	b.calls.Add(1)
	return true, nil
}

func (b *spyBroker) OpenOrders(context.Context) ([]domain.OpenOrder, error) {
	b.calls.Add(1)
	return nil, nil
}

func (b *spyBroker) Quote(_ context.Context, c domain.Contract) (domain.Quote, error) {
	b.calls.Add(1)
	return domain.Quote{Symbol: c.Symbol, Last: 1}, nil
}

func (b *spyBroker) HistoricalBars(context.Context, domain.MarketDataRequest) ([]domain.Bar, error) {
	b.calls.Add(1)
	return []domain.Bar{{Close: 1}}, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestSession(b *spyBroker, mutate ...func(*Config)) *Session {
	cfg := Config{
		Host:           "127.0.0.1",
		Port:           4002,
		ClientID:       1,
		Timeout:        time.Second,
		ReconnectDelay: 10 * time.Millisecond,
	}
	for _, fn := range mutate {
		fn(&cfg)
	}
	return New(b, cfg, discardLogger())
}

func TestSessionStartsDisconnected(t *testing.T) {
	s := newTestSession(&spyBroker{})
	assert.False(t, s.IsConnected())
	assert.Equal(t, Disconnected, s.State())

	st := s.Status()
	assert.Equal(t, "127.0.0.1", st.Host)
	assert.Equal(t, 4002, st.Port)
	assert.Equal(t, 1, st.ClientID)
}

func TestConnectDisconnect(t *testing.T) {
	ctx := context.Background()
	b := &spyBroker{}
	s := newTestSession(b)

	require.NoError(t, s.Connect(ctx))
	assert.True(t, s.IsConnected())

	// Connect while connected is a no-op.
	require.NoError(t, s.Connect(ctx))
	assert.EqualValues(t, 1, b.connects.Load())

	require.NoError(t, s.Disconnect(ctx))
	assert.False(t, s.IsConnected())
	assert.EqualValues(t, 1, b.disconnects.Load())

	// Disconnect is idempotent and does not reach the broker again.
	require.NoError(t, s.Disconnect(ctx))
	assert.Equal(t, Disconnected, s.State())
	assert.EqualValues(t, 1, b.disconnects.Load())
}

func TestConnectFailureEndsDisconnected(t *testing.T) {
	b := &spyBroker{}
	b.failConnects(errors.New("connection refused"))
	s := newTestSession(b)

	err := s.Connect(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrConnection)
	assert.Contains(t, err.Error(), "connection refused")
	assert.False(t, s.IsConnected())
	assert.Equal(t, Disconnected, s.State())
	assert.NotEmpty(t, s.Status().LastError)
}

func TestConnectTimeout(t *testing.T) {
	b := &spyBroker{connectDelay: time.Second}
	s := newTestSession(b, func(c *Config) { c.Timeout = 20 * time.Millisecond })

	err := s.Connect(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrTimeout)
	assert.Equal(t, Disconnected, s.State())
}

func TestConcurrentConnectSingleAttempt(t *testing.T) {
	b := &spyBroker{connectDelay: 50 * time.Millisecond}
	s := newTestSession(b)

	const callers = 16
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- s.Connect(context.Background())
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
	assert.EqualValues(t, 1, b.connects.Load(), "only one physical connect may run")
	assert.True(t, s.IsConnected())
}

func TestConnectWaiterGivesUpOnContext(t *testing.T) {
	b := &spyBroker{connectDelay: 200 * time.Millisecond}
	s := newTestSession(b)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := s.Connect(ctx)
	assert.ErrorIs(t, err, domain.ErrTimeout)

	// The attempt keeps running and completes on its own.
	require.Eventually(t, s.IsConnected, time.Second, 5*time.Millisecond)
}

func TestReconnect(t *testing.T) {
	ctx := context.Background()
	b := &spyBroker{}
	s := newTestSession(b)
	require.NoError(t, s.Connect(ctx))

	var seen []State
	var mu sync.Mutex
	s.OnStateChange(func(st State) {
		mu.Lock()
		seen = append(seen, st)
		mu.Unlock()
	})

	require.NoError(t, s.Reconnect(ctx))
	assert.True(t, s.IsConnected())
	assert.EqualValues(t, 2, b.connects.Load())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []State{Disconnected, Reconnecting, Connecting, Connected}, seen)
}

func TestReconnectFailureEndsDisconnected(t *testing.T) {
	ctx := context.Background()
	b := &spyBroker{}
	s := newTestSession(b)
	require.NoError(t, s.Connect(ctx))

	b.failConnects(errors.New("gateway down"))
	err := s.Reconnect(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrConnection)
	assert.Equal(t, Disconnected, s.State(), "a failed reconnect must not stay Reconnecting")
	assert.False(t, s.IsConnected())
}

func TestDisconnectDuringHandshake(t *testing.T) {
	b := &spyBroker{connectDelay: 200 * time.Millisecond}
	s := newTestSession(b)

	connected := make(chan error, 1)
	go func() { connected <- s.Connect(context.Background()) }()
	require.Eventually(t, func() bool { return b.connects.Load() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, Connecting, s.State())

	// The caller gives up long before the handshake returns; the session is
	// Disconnected regardless.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	require.NoError(t, s.Disconnect(ctx))
	assert.Equal(t, Disconnected, s.State())

	select {
	case err := <-connected:
		require.Error(t, err)
		assert.True(t, errors.Is(err, domain.ErrConnection), "err = %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("Connect did not return")
	}
	// The link opened by the abandoned handshake is torn down.
	assert.Equal(t, int64(1), b.disconnects.Load())
	assert.Equal(t, Disconnected, s.State())
	assert.False(t, s.IsConnected())
}

func TestTransitionSequences(t *testing.T) {
	ctx := context.Background()
	type step struct {
		op      string
		fail    bool
		wantCon bool
	}
	sequences := [][]step{
		{{"connect", false, true}, {"disconnect", false, false}, {"connect", false, true}},
		{{"connect", true, false}, {"connect", false, true}, {"reconnect", true, false}},
		{{"reconnect", false, true}, {"disconnect", false, false}, {"disconnect", false, false}},
		{{"disconnect", false, false}, {"reconnect", true, false}, {"reconnect", false, true}},
	}
	for i, seq := range sequences {
		b := &spyBroker{}
		s := newTestSession(b, func(c *Config) { c.ReconnectDelay = 0 })
		for j, st := range seq {
			if st.fail {
				b.failConnects(errors.New("boom"))
			} else {
				b.failConnects(nil)
			}
			switch st.op {
			case "connect":
				_ = s.Connect(ctx)
			case "disconnect":
				_ = s.Disconnect(ctx)
			case "reconnect":
				_ = s.Reconnect(ctx)
			}
			assert.Equal(t, st.wantCon, s.IsConnected(), "sequence %d step %d (%s)", i, j, st.op)
		}
	}
}

func TestDisconnectedOperationsNeverCallBroker(t *testing.T) {
	ctx := context.Background()
	b := &spyBroker{}
	s := newTestSession(b)
	contract := domain.NewContract("AAPL", domain.SecTypeStock)

	ops := map[string]func() error{
		"AccountSummary": func() error { _, err := s.AccountSummary(ctx); return err },
		"Positions":      func() error { _, err := s.Positions(ctx); return err },
		"PlaceOrder": func() error {
			_, err := s.PlaceOrder(ctx, contract, domain.NewOrder(domain.ActionBuy, 1, domain.OrderTypeMarket))
			return err
		},
		"CancelOrder":    func() error { _, err := s.CancelOrder(ctx, 1000); return err },
		"OpenOrders":     func() error { _, err := s.OpenOrders(ctx); return err },
		"MarketData":     func() error { _, err := s.MarketData(ctx, contract); return err },
		"HistoricalData": func() error { _, err := s.HistoricalData(ctx, domain.NewMarketDataRequest(contract)); return err },
	}
	for name, op := range ops {
		err := op()
		assert.ErrorIs(t, err, domain.ErrNotConnected, name)
		assert.Equal(t, "Not connected to IBKR", err.Error(), name)
	}
	assert.EqualValues(t, 0, b.calls.Load())

	// Same after a connect/disconnect round trip.
	require.NoError(t, s.Connect(ctx))
	require.NoError(t, s.Disconnect(ctx))
	for name, op := range ops {
		assert.ErrorIs(t, op(), domain.ErrNotConnected, name)
	}
	assert.EqualValues(t, 0, b.calls.Load())
}

func TestPositionsExcludeZero(t *testing.T) {
	ctx := context.Background()
	s := newTestSession(&spyBroker{})
	require.NoError(t, s.Connect(ctx))

	positions, err := s.Positions(ctx)
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, "AAPL", positions[0].Contract.Symbol)
}

func TestPlaceOrderConcurrentIDsDistinct(t *testing.T) {
	ctx := context.Background()
	s := newTestSession(&spyBroker{})
	require.NoError(t, s.Connect(ctx))

	const n = 64
	ids := make(chan int64, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := s.PlaceOrder(ctx, domain.NewContract("AAPL", domain.SecTypeStock),
				domain.NewOrder(domain.ActionBuy, 1, domain.OrderTypeMarket))
			assert.NoError(t, err)
			ids <- id
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[int64]bool, n)
	for id := range ids {
		assert.GreaterOrEqual(t, id, int64(1000))
		assert.False(t, seen[id], "duplicate order id %d", id)
		seen[id] = true
	}
	assert.Len(t, seen, n)
}

func TestOrderIDsSurviveReconnect(t *testing.T) {
	ctx := context.Background()
	s := newTestSession(&spyBroker{})
	require.NoError(t, s.Connect(ctx))

	contract := domain.NewContract("MSFT", domain.SecTypeStock)
	order := domain.NewOrder(domain.ActionSell, 2, domain.OrderTypeMarket)
	first, err := s.PlaceOrder(ctx, contract, order)
	require.NoError(t, err)
	assert.EqualValues(t, 1000, first)

	require.NoError(t, s.Reconnect(ctx))
	second, err := s.PlaceOrder(ctx, contract, order)
	require.NoError(t, err)
	assert.Greater(t, second, first)
}

func TestPlaceOrderBrokerSuppliedID(t *testing.T) {
	ctx := context.Background()
	s := newTestSession(&spyBroker{supplyID: 777777})
	require.NoError(t, s.Connect(ctx))

	id, err := s.PlaceOrder(ctx, domain.NewContract("AAPL", domain.SecTypeStock),
		domain.NewOrder(domain.ActionBuy, 1, domain.OrderTypeMarket))
	require.NoError(t, err)
	assert.EqualValues(t, 777777, id)
}

func TestPlaceOrderValidatesBeforeBroker(t *testing.T) {
	ctx := context.Background()
	b := &spyBroker{}
	s := newTestSession(b)
	require.NoError(t, s.Connect(ctx))

	_, err := s.PlaceOrder(ctx, domain.NewContract("AAPL", domain.SecTypeStock),
		domain.NewOrder(domain.ActionBuy, 1, domain.OrderTypeLimit))
	assert.ErrorIs(t, err, domain.ErrInvalidParameter)
	assert.Equal(t, "limit_price", domain.FieldOf(err))
	assert.EqualValues(t, 0, b.calls.Load())
}

func TestReadonlyBlocksOrders(t *testing.T) {
	ctx := context.Background()
	b := &spyBroker{}
	s := newTestSession(b, func(c *Config) { c.Readonly = true })
	require.NoError(t, s.Connect(ctx))

	_, err := s.PlaceOrder(ctx, domain.NewContract("AAPL", domain.SecTypeStock),
		domain.NewOrder(domain.ActionBuy, 1, domain.OrderTypeMarket))
	assert.ErrorIs(t, err, domain.ErrOrder)
	_, err = s.CancelOrder(ctx, 1000)
	assert.ErrorIs(t, err, domain.ErrOrder)
	assert.EqualValues(t, 0, b.calls.Load())

	_, err = s.AccountSummary(ctx)
	assert.NoError(t, err)
}

func TestStateMarshalText(t *testing.T) {
	text, err := Reconnecting.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "reconnecting", string(text))
}
