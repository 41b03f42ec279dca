package filter

import (
	"testing"

	"github.com/devrev/pairdb/changelog/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatch(t *testing.T) {
	msg := &model.UpdateMsg{
		Operation: model.OpDelete,
		BaseDN:    "dc=example,dc=com",
		DN:        "uid=jdoe,ou=people,dc=example,dc=com",
		CSN:       model.NewCSN(1700000000000, 3, 12),
		EntryUUID: "abc",
		Payload:   make([]byte, 64),
	}

	tests := []struct {
		expr string
		want bool
	}{
		{expr: "", want: true},
		{expr: `op == "delete"`, want: true},
		{expr: `op == "add"`, want: false},
		{expr: `dn.endsWith(",ou=people,dc=example,dc=com")`, want: true},
		{expr: `base_dn == "dc=example,dc=com" && server_id == 12`, want: true},
		{expr: `timestamp_ms > 1700000000000`, want: false},
		{expr: `seq == 3 && size >= 64`, want: true},
		{expr: `entry_uuid.startsWith("x")`, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			f, err := Compile(tt.expr)
			require.NoError(t, err)
			assert.Equal(t, tt.want, f.Match(msg))
		})
	}
}

func TestCompileErrors(t *testing.T) {
	for _, expr := range []string{
		`op ==`,
		`unknown_var == 1`,
		`size + 1`,
	} {
		t.Run(expr, func(t *testing.T) {
			_, err := Compile(expr)
			assert.Error(t, err)
		})
	}
}

func TestNilFilterMatchesEverything(t *testing.T) {
	var f *Filter
	assert.True(t, f.Match(&model.UpdateMsg{}))
	assert.Equal(t, "", f.String())
}

func TestEvalErrorIsNoMatch(t *testing.T) {
	f, err := Compile(`100 / (size - size) == 1`)
	require.NoError(t, err)
	assert.False(t, f.Match(&model.UpdateMsg{}))
}
