package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rewired-gh/dexwatch/internal/models"
	"github.com/rewired-gh/dexwatch/internal/store"
)

const addr = "0x1111111111111111111111111111111111111111"

func setup(t *testing.T) (*store.Store, *Manager, models.InstrumentRef) {
	t.Helper()
	s := store.New(0)
	s.EnsureSubscription(addr, 1)
	ref, ok := s.Ref(addr)
	require.True(t, ok)
	return s, NewManager(s), ref
}

func TestHandle_ConfigureAll(t *testing.T) {
	s, m, ref := setup(t)

	reply := m.Begin(1, ref)
	assert.Contains(t, reply.Text, "price")
	assert.Equal(t, State{Kind: StateAwaitingValue, Param: models.ParamPrice, Address: addr}, m.State(1))

	reply, err := m.Handle(1, "5")
	require.NoError(t, err)
	assert.False(t, reply.Done)
	assert.Contains(t, reply.Text, "market cap")

	reply, err = m.Handle(1, "10")
	require.NoError(t, err)
	assert.Contains(t, reply.Text, "volume 5m")

	reply, err = m.Handle(1, "20")
	require.NoError(t, err)
	assert.True(t, reply.Done)
	assert.Contains(t, reply.Text, "Price: 5%")
	assert.Contains(t, reply.Text, "Market cap: 10%")
	assert.Contains(t, reply.Text, "Volume 5m: 20%")

	sub, _ := s.Subscription(addr, 1)
	assert.Equal(t, models.Thresholds{Price: 5, MarketCap: 10, Volume: 20}, sub.Thresholds)
	assert.Equal(t, StateIdle, m.State(1).Kind, "session is destroyed when done")

	_, err = m.Handle(1, "7")
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestHandle_SingleParamAndFixedOrder(t *testing.T) {
	s, m, ref := setup(t)

	m.Begin(1, ref, models.ParamVolume, models.ParamPrice)
	assert.Equal(t, models.ParamPrice, m.State(1).Param, "params are asked in fixed order")

	_, err := m.Handle(1, "1")
	require.NoError(t, err)
	reply, err := m.Handle(1, "2")
	require.NoError(t, err)
	assert.True(t, reply.Done)

	sub, _ := s.Subscription(addr, 1)
	assert.Equal(t, models.Thresholds{Price: 1, Volume: 2}, sub.Thresholds)
}

func TestHandle_InvalidInputKeepsSession(t *testing.T) {
	s, m, ref := setup(t)
	m.Begin(1, ref, models.ParamMarketCap)

	for _, bad := range []string{"abc", "0", "-3", "", "1.2.3"} {
		reply, err := m.Handle(1, bad)
		assert.ErrorIs(t, err, ErrInvalidThresholdInput, bad)
		assert.Contains(t, reply.Text, "market cap", "re-prompts")
		assert.Equal(t, models.ParamMarketCap, m.State(1).Param)
	}

	_, err := m.Handle(1, "2,5")
	require.NoError(t, err)
	sub, _ := s.Subscription(addr, 1)
	assert.Equal(t, 2.5, sub.Thresholds.MarketCap)
}

func TestHandle_OrphanedSession(t *testing.T) {
	s, m, ref := setup(t)
	m.Begin(1, ref)

	s.RemoveSubscriber(addr, 1)
	s.EnsureSubscription(addr, 1)

	reply, err := m.Handle(1, "5")
	assert.ErrorIs(t, err, ErrOrphanedSession)
	assert.True(t, reply.Done)
	assert.Equal(t, StateIdle, m.State(1).Kind)

	sub, _ := s.Subscription(addr, 1)
	assert.True(t, sub.Thresholds.Inert(), "resurrected instrument is untouched")
}

func TestHandle_UnsubscribedWhileAnotherSubscriberKeepsInstrument(t *testing.T) {
	s, m, ref := setup(t)
	s.EnsureSubscription(addr, 2)
	m.Begin(1, ref)

	s.RemoveSubscriber(addr, 1)

	_, err := m.Handle(1, "5")
	assert.ErrorIs(t, err, ErrOrphanedSession)
}

func TestHandle_OrphanedSessionDiscardsUnparsableInput(t *testing.T) {
	s, m, ref := setup(t)
	m.Begin(1, ref, models.ParamPrice)

	s.RemoveSubscriber(addr, 1)

	reply, err := m.Handle(1, "abc")
	assert.ErrorIs(t, err, ErrOrphanedSession)
	assert.NotErrorIs(t, err, ErrInvalidThresholdInput)
	assert.True(t, reply.Done)
	assert.Contains(t, reply.Text, "no longer in your watchlist")
	assert.Equal(t, StateIdle, m.State(1).Kind)

	_, err = m.Handle(1, "5")
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestBegin_UnknownParamsFallBackToAll(t *testing.T) {
	_, m, ref := setup(t)

	reply := m.Begin(1, ref, models.Param("bogus"))
	assert.Contains(t, reply.Text, "price")
	assert.Equal(t, models.ParamPrice, m.State(1).Param)

	for _, in := range []string{"1", "2"} {
		r, err := m.Handle(1, in)
		require.NoError(t, err)
		assert.False(t, r.Done)
	}
	r, err := m.Handle(1, "3")
	require.NoError(t, err)
	assert.True(t, r.Done)
}

func TestCancel(t *testing.T) {
	_, m, ref := setup(t)
	assert.False(t, m.Cancel(1))

	m.Begin(1, ref)
	assert.True(t, m.Cancel(1))
	assert.Equal(t, State{Kind: StateIdle}, m.State(1))
}

func TestBeginRestartsDialogue(t *testing.T) {
	_, m, ref := setup(t)
	m.Begin(1, ref)
	_, err := m.Handle(1, "5")
	require.NoError(t, err)

	m.Begin(1, ref, models.ParamVolume)
	assert.Equal(t, models.ParamVolume, m.State(1).Param)
}

func TestParseThreshold(t *testing.T) {
	tests := []struct {
		in      string
		want    float64
		wantErr bool
	}{
		{in: "5", want: 5},
		{in: " 2.5 ", want: 2.5},
		{in: "2,5", want: 2.5},
		{in: "12%", want: 12},
		{in: "0.01", want: 0.01},
		{in: "0", wantErr: true},
		{in: "-1", wantErr: true},
		{in: "ten", wantErr: true},
		{in: "%", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseThreshold(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidThresholdInput)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
