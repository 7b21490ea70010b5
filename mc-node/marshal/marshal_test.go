package marshal

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/simbus-network/sim-runtime/mc-node/adapter"
	"github.com/simbus-network/sim-runtime/mc-node/model"
)

func newBinding(t *testing.T, am *adapter.Model, channel string, signals []string) (*model.Function, *model.FunctionChannel) {
	fn := model.NewFunction("fn", 1.0, nil)
	ch := model.NewFunctionChannel(channel, signals)
	require.NoError(t, fn.AddChannel(ch))
	am.InitChannel(channel, signals)
	return fn, ch
}

func newAdapterModel() *adapter.Model {
	// A bare adapter model is enough for marshalling tests; no bus involved.
	m := &adapter.Model{}
	return m
}

func TestMarshalOutScalarsAndBinary(t *testing.T) {
	am := newAdapterModel()
	fn, ch := newBinding(t, am, "data", []string{"x", "blob"})

	ch.Values[0] = 4.2
	ch.AppendBinary(1, []byte{0xAA, 0xBB})

	require.NoError(t, Out(fn, am))

	tbl, ok := am.Channel("data")
	require.True(t, ok)
	sx, _ := tbl.Slot("x")
	sb, _ := tbl.Slot("blob")

	require.Equal(t, 4.2, sx.FinalVal)
	// The pending value is not visible as the current value within the tick.
	require.Equal(t, 0.0, sx.Val)
	require.Equal(t, []byte{0xAA, 0xBB}, sb.Bin)
	// The source payload is consumed once copied out.
	require.Empty(t, ch.Binary[1])
}

func TestMarshalInScalarsAndBinary(t *testing.T) {
	am := newAdapterModel()
	fn, ch := newBinding(t, am, "data", []string{"x", "blob"})

	tbl, _ := am.Channel("data")
	sx, _ := tbl.Slot("x")
	sb, _ := tbl.Slot("blob")
	sx.Val = 7.5
	sb.AppendBin([]byte{0x01, 0x02, 0x03})

	require.NoError(t, In(fn, am))

	require.Equal(t, 7.5, ch.Values[0])
	require.Equal(t, []byte{0x01, 0x02, 0x03}, ch.Binary[1])
	// The slot payload is consumed once copied in.
	require.Empty(t, sb.Bin)
}

// Marshal-out followed by marshal-in, with a local final→current exchange in
// place of the bus, is identity on scalars.
func TestMarshalRoundTripIdentity(t *testing.T) {
	am := newAdapterModel()
	fn, ch := newBinding(t, am, "data", []string{"a", "b", "c"})

	original := []float64{1.5, -2.25, 0.0}
	copy(ch.Values, original)

	require.NoError(t, Out(fn, am))

	tbl, _ := am.Channel("data")
	for _, name := range tbl.Signals() {
		s, _ := tbl.Slot(name)
		s.Val = s.FinalVal
	}

	require.NoError(t, In(fn, am))
	require.Equal(t, original, ch.Values)
}

func TestMarshalBinaryGrowsExactly(t *testing.T) {
	am := newAdapterModel()
	fn, ch := newBinding(t, am, "data", []string{"blob"})

	tbl, _ := am.Channel("data")
	s, _ := tbl.Slot("blob")
	s.AppendBin([]byte{0x10})

	ch.AppendBinary(0, []byte{0x01, 0x02})
	require.NoError(t, Out(fn, am))

	// The slot payload grew by exactly the old source size.
	require.Equal(t, []byte{0x10, 0x01, 0x02}, s.Bin)
	require.Empty(t, ch.Binary[0])
}

func TestMarshalUnknownChannel(t *testing.T) {
	am := newAdapterModel()
	fn := model.NewFunction("fn", 1.0, nil)
	require.NoError(t, fn.AddChannel(model.NewFunctionChannel("ghost", []string{"x"})))

	require.Error(t, Out(fn, am))
	require.Error(t, In(fn, am))
}
