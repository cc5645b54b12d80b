package errors_test

import (
	"context"
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/devrev/pairdb/objectnode/internal/errors"
	"github.com/stretchr/testify/assert"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestGetCode(t *testing.T) {
	assert.Equal(t, errors.ErrCodeOK, errors.GetCode(nil))
	assert.Equal(t, errors.ErrCodeInternal, errors.GetCode(fmt.Errorf("plain")))

	wrapped := fmt.Errorf("pass failed: %w", errors.NotFound("/a/c"))
	assert.Equal(t, errors.ErrCodeNotFound, errors.GetCode(wrapped))
	assert.True(t, errors.IsNotFound(wrapped))
}

func TestStorageError_Unwrap(t *testing.T) {
	cause := stderrors.New("disk gone")
	err := errors.StorageIO("write failed", cause)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "write failed: disk gone", err.Error())
	assert.True(t, errors.IsStorageIO(err))
}

func TestToGRPC(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want codes.Code
	}{
		{"not found", errors.NotFound("x"), codes.NotFound},
		{"invalid", errors.InvalidArgument("bad", nil), codes.InvalidArgument},
		{"disk full", errors.DiskFull("sdb", 97), codes.ResourceExhausted},
		{"corrupt", errors.CorruptedData("bad crc", nil), codes.DataLoss},
		{"account", errors.AccountUnreachable("AUTH_test", nil), codes.Unavailable},
		{"plain", fmt.Errorf("boom"), codes.Internal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, status.Code(errors.ToGRPC(tt.err)))
		})
	}
	assert.NoError(t, errors.ToGRPC(nil))
}

func TestFromGRPC(t *testing.T) {
	assert.NoError(t, errors.FromGRPC("node-b/sdb", nil))

	err := errors.FromGRPC("node-b/sdb", status.Error(codes.NotFound, "unknown device"))
	assert.True(t, errors.IsNotFound(err))

	err = errors.FromGRPC("node-b/sdb", status.Error(codes.InvalidArgument, "bad suffix"))
	assert.Equal(t, errors.ErrCodeInvalidArgument, errors.GetCode(err))

	for _, transport := range []error{
		status.Error(codes.Unavailable, "connection refused"),
		status.Error(codes.DeadlineExceeded, "deadline"),
		stderrors.New("not a status"),
	} {
		assert.True(t, errors.IsPeerUnavailable(errors.FromGRPC("node-b/sdb", transport)), transport.Error())
	}

	assert.ErrorIs(t, errors.FromGRPC("node-b/sdb", context.Canceled), context.Canceled)
	assert.Equal(t, codes.Canceled, status.Code(errors.FromGRPC("node-b/sdb", status.Error(codes.Canceled, "canceled"))))
}
