package errors

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"google.golang.org/grpc/codes"
)

func TestToGRPCStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want codes.Code
	}{
		{"nil", nil, codes.OK},
		{"invalid argument", InvalidArgument("bad", nil), codes.InvalidArgument},
		{"encoding", Encoding("bad bytes", nil), codes.DataLoss},
		{"position unavailable", PositionUnavailable("00000000000000000001.log"), codes.OutOfRange},
		{"closed", Closed("log"), codes.Unavailable},
		{"disk full", DiskFull("full", nil), codes.ResourceExhausted},
		{"io", IOFailure("write", stderrors.New("boom")), codes.Internal},
		{"plain error", stderrors.New("plain"), codes.Internal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ToGRPCStatus(tt.err).Code())
		})
	}
}

func TestPredicatesSeeThroughWrapping(t *testing.T) {
	err := fmt.Errorf("failed to read cursor: %w", PositionUnavailable("seg"))

	assert.True(t, IsPositionUnavailable(err))
	assert.False(t, IsEncoding(err))
	assert.Equal(t, ErrCodePositionUnavailable, GetCode(err))
	assert.True(t, IsChangelogError(err))
	assert.Equal(t, ErrCodeOK, GetCode(nil))
}

func TestErrorMessageIncludesCause(t *testing.T) {
	err := IOFailure("failed to sync segment", stderrors.New("disk gone"))
	assert.Equal(t, "failed to sync segment: disk gone", err.Error())
	assert.True(t, stderrors.Is(err, err.Cause))
}
