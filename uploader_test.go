package easyfpga

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFPGABinaryHashesWholePayload(t *testing.T) {
	data := []byte("easyfpga bitstream payload")
	bin := LoadFPGABinary(data)
	assert.Equal(t, adler32Of(data), bin.Hash)
	assert.Equal(t, data, bin.Data)
}

func TestSectorCountAndPadding(t *testing.T) {
	bin := LoadFPGABinary(make([]byte, SectorSize+10))
	require.Equal(t, 2, bin.sectorCount())

	first := bin.sector(0)
	assert.Len(t, first, SectorSize)

	last := bin.sector(1)
	assert.Len(t, last, SectorSize)
	assert.Equal(t, byte(0), last[SectorSize-1], "tail sector must be zero-padded")
}

func TestSectorCountExactMultiple(t *testing.T) {
	bin := LoadFPGABinary(make([]byte, SectorSize*3))
	assert.Equal(t, 3, bin.sectorCount())
}

func TestSectorOutOfRangeReturnsZeroPage(t *testing.T) {
	bin := LoadFPGABinary([]byte{1, 2, 3})
	s := bin.sector(5)
	assert.Len(t, s, SectorSize)
	for _, b := range s {
		assert.Equal(t, byte(0), b)
	}
}

func TestUploadRequiresMCUActive(t *testing.T) {
	c := newIdleCommunicator(FPGAActive)
	bin := LoadFPGABinary([]byte{1, 2, 3, 4})
	err := bin.Upload(c)
	assertIllegalState(t, err)
}

func TestFPGABinaryNotifiesListeners(t *testing.T) {
	bin := LoadFPGABinary([]byte{1})
	ch := make(chan Event, 1)
	bin.AddListener(func(ev Event) { ch <- ev })

	bin.notify(Event{Kind: EventAlreadyPresent})

	ev := <-ch
	assert.Equal(t, EventAlreadyPresent, ev.Kind)
}
