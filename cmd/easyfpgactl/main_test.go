package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAddr(t *testing.T) {
	addr, err := parseAddr("0x0203")
	require.NoError(t, err)
	assert.Equal(t, uint16(0x0203), addr)

	addr, err = parseAddr("515")
	require.NoError(t, err)
	assert.Equal(t, uint16(515), addr)

	_, err = parseAddr("not-a-number")
	assert.Error(t, err)
}

func TestParseDataList(t *testing.T) {
	data, err := parseDataList("0x01,0x02,3")
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, data)

	_, err = parseDataList("")
	assert.Error(t, err)

	_, err = parseDataList("0x100")
	assert.Error(t, err, "byte values must fit in a uint8")
}
