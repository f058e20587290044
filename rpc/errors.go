package rpc

import (
	"context"

	"github.com/pkg/errors"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/bobg/p2psync"
)

// toStatus converts an error from a local Tracker or Peer into a gRPC status error.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return status.Error(codes.Canceled, err.Error())
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return status.Error(codes.DeadlineExceeded, err.Error())
	}

	var code codes.Code
	switch p2psync.KindOf(err) {
	case p2psync.KindNotFound:
		code = codes.NotFound
	case p2psync.KindRange:
		code = codes.OutOfRange
	case p2psync.KindIntegrity:
		code = codes.DataLoss
	case p2psync.KindFormat:
		code = codes.InvalidArgument
	default:
		code = codes.Internal
	}
	return status.Error(code, err.Error())
}

// fromStatus converts a gRPC error into the p2psync error taxonomy.
// Anything not otherwise classified is a network error,
// i.e. a failure of the remote side that a caller may retry elsewhere.
func fromStatus(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr == context.Canceled {
		return ctxErr
	}

	st, _ := status.FromError(err)
	msgErr := errors.New(st.Message())

	switch st.Code() {
	case codes.NotFound:
		return p2psync.NotFoundError(msgErr)
	case codes.OutOfRange:
		return p2psync.RangeError(msgErr)
	case codes.DataLoss:
		return p2psync.IntegrityError(msgErr)
	case codes.InvalidArgument:
		return p2psync.FormatError(msgErr)
	}
	return p2psync.NetworkError(errors.Wrapf(msgErr, "rpc error (%s)", st.Code()))
}
