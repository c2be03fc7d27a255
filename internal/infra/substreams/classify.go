package substreams

import (
	"errors"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/vietddude/substreams-redis-sink/internal/core/stream"
)

// ClassifyError wraps a gRPC error into a *stream.ConnectionError. Request
// and credential problems are fatal; everything else, including errors that
// carry no gRPC status, is transient.
func ClassifyError(err error) error {
	if err == nil {
		return nil
	}
	var ce *stream.ConnectionError
	if errors.As(err, &ce) {
		return err
	}

	st, ok := status.FromError(err)
	if !ok {
		return stream.NewTransientError(err)
	}

	classified := &stream.ConnectionError{Kind: stream.KindTransient, Err: err}
	switch st.Code() {
	case codes.Unauthenticated,
		codes.PermissionDenied,
		codes.InvalidArgument,
		codes.NotFound,
		codes.FailedPrecondition,
		codes.Unimplemented,
		codes.OutOfRange:
		classified.Kind = stream.KindFatal
	}

	for _, detail := range st.Details() {
		if info, ok := detail.(*errdetails.RetryInfo); ok && info.GetRetryDelay() != nil {
			classified.RetryAfter = info.GetRetryDelay().AsDuration()
		}
	}
	return classified
}
