package easyfpga

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExchangeSetReplySucceedsExactlyOnce(t *testing.T) {
	ex := NewExchange(NewRegisterRDFrame(1, 0, 0), Callback{})
	require.NoError(t, ex.SetReply(Frame{Opcode: OpRegisterRDRE, Bytes: []byte{byte(OpRegisterRDRE), 1, 0xAB, 0}}))

	err := ex.SetReply(Frame{Opcode: OpACK, Bytes: []byte{byte(OpACK), 1, 0}})
	assert.ErrorIs(t, err, ErrAlreadyReplied)
}

func TestExchangeWaitReturnsOnReply(t *testing.T) {
	ex := NewExchange(NewRegisterRDFrame(1, 0, 0), Callback{})
	go func() {
		time.Sleep(5 * time.Millisecond)
		_ = ex.SetReply(Frame{Opcode: OpRegisterRDRE, Bytes: []byte{byte(OpRegisterRDRE), 1, 0xAB, 0}})
	}()

	reply, ok := ex.Wait(200 * time.Millisecond)
	require.True(t, ok)
	assert.Equal(t, OpRegisterRDRE, reply.Opcode)
}

func TestExchangeWaitTimesOut(t *testing.T) {
	ex := NewExchange(NewRegisterRDFrame(1, 0, 0), Callback{})
	_, ok := ex.Wait(10 * time.Millisecond)
	assert.False(t, ok)
}

func TestExchangeTimedOutOnlyMeaningfulAfterReply(t *testing.T) {
	ex := NewExchange(NewRegisterRDFrame(1, 0, 0), Callback{})
	assert.False(t, ex.TimedOut(), "never-replied exchange is not 'timed out', a separate watchdog handles that")

	require.NoError(t, ex.SetReply(Frame{Opcode: OpACK, Bytes: []byte{byte(OpACK), 1, 0}}))
	assert.False(t, ex.TimedOut(), "a prompt reply is not timed out")
}

func TestExchangeTableInsertResolveRemove(t *testing.T) {
	table := NewExchangeTable()
	ex := NewExchange(NewRegisterRDFrame(5, 0, 0), Callback{})
	table.Insert(ex)
	assert.Equal(t, 1, table.Len())

	got, ok := table.Get(5)
	require.True(t, ok)
	assert.Same(t, ex, got)

	reply := Frame{Opcode: OpRegisterRDRE, Bytes: []byte{byte(OpRegisterRDRE), 5, 0x42, 0}}
	resolved, ok := table.Resolve(5, reply)
	require.True(t, ok)
	assert.Same(t, ex, resolved)

	table.Remove(5)
	assert.Equal(t, 0, table.Len())
	_, ok = table.Get(5)
	assert.False(t, ok)
}

func TestExchangeTableResolveUnknownId(t *testing.T) {
	table := NewExchangeTable()
	_, ok := table.Resolve(200, Frame{Opcode: OpACK, Bytes: []byte{byte(OpACK), 200, 0}})
	assert.False(t, ok)
}

func TestExchangeTableResolveTwiceFails(t *testing.T) {
	table := NewExchangeTable()
	ex := NewExchange(NewRegisterRDFrame(9, 0, 0), Callback{})
	table.Insert(ex)

	_, ok := table.Resolve(9, Frame{Opcode: OpACK, Bytes: []byte{byte(OpACK), 9, 0}})
	require.True(t, ok)

	_, ok = table.Resolve(9, Frame{Opcode: OpNACK, Bytes: []byte{byte(OpNACK), 9, 0, 0}})
	assert.False(t, ok, "second SetReply on the same exchange must fail")
}
