package venue

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/quantfleet/ordergate/internal/model"
)

func TestRegistryGetAndList(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	r.Register(NewSimAdapter("simex"))

	a, err := r.Get("simex")
	require.NoError(t, err)
	assert.Equal(t, "simex", a.Name())

	_, err = r.Get("unknown")
	assert.ErrorIs(t, err, model.ErrVenueUnknown)
	assert.Equal(t, []string{"simex"}, r.List())
}

func TestSimSubmitCancelFetch(t *testing.T) {
	s := NewSimAdapter("simex")
	ctx := context.Background()

	ack, err := s.Submit(ctx, OrderSpec{
		ClientOrderID: "c1",
		Symbol:        "BTCUSDT",
		Side:          "BUY",
		Type:          "LIMIT",
		Price:         decimal.NewFromInt(100),
		Quantity:      decimal.NewFromInt(1),
	})
	require.NoError(t, err)
	assert.Equal(t, StatusOpen, ack.Status)
	assert.Equal(t, 1, s.ActiveCount("BTCUSDT"))

	require.NoError(t, s.Cancel(ctx, ack.VenueOrderID, "BTCUSDT"))
	st, err := s.Fetch(ctx, ack.VenueOrderID, "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, st.Status)
	assert.Zero(t, s.ActiveCount("BTCUSDT"))
}

func TestSimFillProgression(t *testing.T) {
	s := NewSimAdapter("simex")
	ctx := context.Background()

	ack, err := s.Submit(ctx, OrderSpec{
		ClientOrderID: "c1", Symbol: "BTCUSDT", Side: "BUY", Type: "LIMIT",
		Price: decimal.NewFromInt(100), Quantity: decimal.NewFromInt(2),
	})
	require.NoError(t, err)

	s.Fill(ack.VenueOrderID, decimal.NewFromInt(1), decimal.NewFromInt(99))
	st, err := s.Fetch(ctx, ack.VenueOrderID, "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, StatusPartiallyFilled, st.Status)

	s.Fill(ack.VenueOrderID, decimal.NewFromInt(1), decimal.NewFromInt(100))
	st, err = s.Fetch(ctx, ack.VenueOrderID, "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, StatusFilled, st.Status)
	assert.True(t, st.FilledQty.Equal(decimal.NewFromInt(2)))
}

func TestSimScriptedRejections(t *testing.T) {
	s := NewSimAdapter("simex")
	ctx := context.Background()
	scripted := &Error{Code: CodeQuotaExceeded, Message: "too many open orders"}

	s.RejectNext("c2", scripted)
	_, err := s.Submit(ctx, OrderSpec{ClientOrderID: "c1", Symbol: "BTCUSDT", Quantity: decimal.NewFromInt(1)})
	require.NoError(t, err)
	_, err = s.Submit(ctx, OrderSpec{ClientOrderID: "c2", Symbol: "BTCUSDT", Quantity: decimal.NewFromInt(1)})
	require.Error(t, err)

	ve, ok := AsVenueError(err)
	require.True(t, ok)
	assert.Equal(t, CodeQuotaExceeded, ve.Code)

	// The rejection is one-shot.
	_, err = s.Submit(ctx, OrderSpec{ClientOrderID: "c2", Symbol: "BTCUSDT", Quantity: decimal.NewFromInt(1)})
	assert.NoError(t, err)
}

func TestAsVenueErrorUnwraps(t *testing.T) {
	inner := &Error{Code: CodeRateLimited, Message: "429"}
	wrapped := fmt.Errorf("submit: %w", inner)

	ve, ok := AsVenueError(wrapped)
	require.True(t, ok)
	assert.Equal(t, CodeRateLimited, ve.Code)

	_, ok = AsVenueError(errors.New("plain"))
	assert.False(t, ok)
}

func TestNormalizeSymbol(t *testing.T) {
	s := NewSimAdapter("simex")
	assert.Equal(t, "BTCUSDT", s.NormalizeSymbol("btc-usdt"))
	assert.Equal(t, "ETHUSDT", s.NormalizeSymbol("eth_usdt"))
	assert.Equal(t, "BTCUSDT", s.NormalizeSymbol("BTCUSDT"))
}
