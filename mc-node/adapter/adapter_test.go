package adapter

import (
	"context"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/require"

	"github.com/simbus-network/sim-runtime/mc-node/transport"
	"github.com/simbus-network/sim-runtime/mc-service/testlog"
)

func newTestAdapter(t *testing.T, stepSize float64) *Adapter {
	logger := testlog.Logger(t, log.LevelError)
	ep, err := transport.New(transport.KindLoopback, "", transport.Options{
		Log:      logger,
		StepSize: stepSize,
	})
	require.NoError(t, err)
	require.NoError(t, ep.Connect(context.Background()))
	return New(logger, ep, time.Second)
}

func TestModelReachableByUID(t *testing.T) {
	a := newTestAdapter(t, 1.0)
	m, err := a.RegisterModel(context.Background(), 7)
	require.NoError(t, err)
	require.EqualValues(t, 7, m.UID)

	got, ok := a.Model(7)
	require.True(t, ok)
	require.Same(t, m, got)

	_, ok = a.Model(8)
	require.False(t, ok)
}

func TestRegisterModelDuplicate(t *testing.T) {
	a := newTestAdapter(t, 1.0)
	_, err := a.RegisterModel(context.Background(), 7)
	require.NoError(t, err)
	_, err = a.RegisterModel(context.Background(), 7)
	require.ErrorContains(t, err, "already registered")
}

// A pending outbound scalar becomes the current value of every model's slot
// after a ready exchange, and the granted stop time applies to all models.
func TestReadyExchangesScalars(t *testing.T) {
	a := newTestAdapter(t, 0.5)
	m1, err := a.RegisterModel(context.Background(), 1)
	require.NoError(t, err)
	m2, err := a.RegisterModel(context.Background(), 2)
	require.NoError(t, err)

	m1.InitChannel("data", []string{"x"})
	m2.InitChannel("data", []string{"x"})

	s1, _ := mustChannel(t, m1, "data").Slot("x")
	s1.FinalVal = 2.5

	require.NoError(t, a.Ready(context.Background()))

	s2, _ := mustChannel(t, m2, "data").Slot("x")
	require.Equal(t, 2.5, s1.Val)
	require.Equal(t, 2.5, s2.Val)
	require.Equal(t, 0.5, m1.StopTime)
	require.Equal(t, 0.5, m2.StopTime)
}

// An unchanged slot publishes nothing, so a silent peer does not overwrite
// a producer's value.
func TestReadySilentPeerDoesNotOverwrite(t *testing.T) {
	a := newTestAdapter(t, 1.0)
	producer, err := a.RegisterModel(context.Background(), 1)
	require.NoError(t, err)
	silent, err := a.RegisterModel(context.Background(), 2)
	require.NoError(t, err)

	producer.InitChannel("data", []string{"x"})
	silent.InitChannel("data", []string{"x"})

	sp, _ := mustChannel(t, producer, "data").Slot("x")
	sp.FinalVal = 1.0
	// The silent peer's final equals its current value; registration order
	// puts it after the producer.
	require.NoError(t, a.Ready(context.Background()))

	ss, _ := mustChannel(t, silent, "data").Slot("x")
	require.Equal(t, 1.0, sp.Val)
	require.Equal(t, 1.0, ss.Val)
}

// Binary payloads fan out to every model except their producer, and the
// producing slot is consumed.
func TestReadyBinaryNotEchoedToProducer(t *testing.T) {
	a := newTestAdapter(t, 1.0)
	producer, err := a.RegisterModel(context.Background(), 1)
	require.NoError(t, err)
	consumer, err := a.RegisterModel(context.Background(), 2)
	require.NoError(t, err)

	producer.InitChannel("data", []string{"blob"})
	consumer.InitChannel("data", []string{"blob"})

	payload := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	sp, _ := mustChannel(t, producer, "data").Slot("blob")
	sp.AppendBin(payload)

	require.NoError(t, a.Ready(context.Background()))

	sc, _ := mustChannel(t, consumer, "data").Slot("blob")
	require.Empty(t, sp.Bin)
	require.Equal(t, payload, sc.Bin)
}

type blockingEndpoint struct{}

func (blockingEndpoint) Connect(ctx context.Context) error { return nil }
func (blockingEndpoint) Register(ctx context.Context, uid uint32) (uint32, error) {
	return uid, nil
}
func (blockingEndpoint) Ready(ctx context.Context, notices []transport.Notice) (transport.Grant, error) {
	<-ctx.Done()
	return transport.Grant{}, ctx.Err()
}
func (blockingEndpoint) Interrupt()  {}
func (blockingEndpoint) Close() error { return nil }

// A bus that never grants the next step surfaces as a timeout.
func TestReadyTimeout(t *testing.T) {
	logger := testlog.Logger(t, log.LevelError)
	a := New(logger, blockingEndpoint{}, 10*time.Millisecond)
	_, err := a.RegisterModel(context.Background(), 1)
	require.NoError(t, err)

	err = a.Ready(context.Background())
	require.ErrorIs(t, err, ErrTimeout)
}

func mustChannel(t *testing.T, m *Model, name string) *SignalTable {
	tbl, ok := m.Channel(name)
	require.True(t, ok)
	return tbl
}
