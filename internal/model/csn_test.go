package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCSNCompare(t *testing.T) {
	tests := []struct {
		name string
		a, b CSN
		want int
	}{
		{"equal", NewCSN(1, 2, 3), NewCSN(1, 2, 3), 0},
		{"timestamp wins", NewCSN(1, 9, 9), NewCSN(2, 0, 0), -1},
		{"sequence before server", NewCSN(5, 2, 1), NewCSN(5, 1, 9), 1},
		{"server breaks tie", NewCSN(5, 1, 1), NewCSN(5, 1, 2), -1},
		{"max sorts last", MaxCSN(), NewCSN(1<<40, 0, 0), 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.a.Compare(tt.b))
			assert.Equal(t, -tt.want, tt.b.Compare(tt.a))
		})
	}
}

func TestCSNStringParse(t *testing.T) {
	csn := NewCSN(1700000000123, 7, 42)
	s := csn.String()
	assert.Len(t, s, 32)

	parsed, err := ParseCSN(s)
	require.NoError(t, err)
	assert.Equal(t, csn, parsed)

	_, err = ParseCSN("short")
	assert.Error(t, err)
	_, err = ParseCSN("zz000000000000000000000000000000")
	assert.Error(t, err)
}

func TestCSNStringOrderMatchesCompare(t *testing.T) {
	a := NewCSN(100, 5, 1)
	b := NewCSN(100, 6, 0)
	assert.Less(t, a.String(), b.String())
	assert.True(t, a.Older(b))
	assert.True(t, b.Newer(a))
	assert.True(t, CSN{}.IsZero())
}

func TestOperationRoundTrip(t *testing.T) {
	for _, op := range []Operation{OpAdd, OpDelete, OpModify, OpModDN} {
		parsed, err := ParseOperation(op.String())
		require.NoError(t, err)
		assert.Equal(t, op, parsed)
	}
	_, err := ParseOperation("rename")
	assert.Error(t, err)
}

func TestCSNBytes(t *testing.T) {
	csn := NewCSN(1700000000123, 9, 2)
	decoded, err := CSNFromBytes(csn.Bytes())
	require.NoError(t, err)
	assert.Equal(t, csn, decoded)

	_, err = CSNFromBytes([]byte{1, 2, 3})
	assert.Error(t, err)
}
