package executorrpc

import (
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/lzjever/crawlhub/internal/core"
)

func stringField(s *structpb.Struct, name string) string {
	return s.GetFields()[name].GetStringValue()
}

func boolField(s *structpb.Struct, name string) bool {
	return s.GetFields()[name].GetBoolValue()
}

func intField(s *structpb.Struct, name string) int {
	return int(s.GetFields()[name].GetNumberValue())
}

// optionalInt returns nil when the field is missing or null.
func optionalInt(s *structpb.Struct, name string) *int {
	v, ok := s.GetFields()[name]
	if !ok {
		return nil
	}
	if _, isNum := v.GetKind().(*structpb.Value_NumberValue); !isNum {
		return nil
	}
	n := int(v.GetNumberValue())
	return &n
}

var grpcCodes = map[core.ErrorCode]codes.Code{
	core.ErrBadRequest:           codes.InvalidArgument,
	core.ErrNotFound:             codes.NotFound,
	core.ErrInvalidTransition:    codes.FailedPrecondition,
	core.ErrCannotDeleteActive:   codes.FailedPrecondition,
	core.ErrWorkspaceUnavailable: codes.FailedPrecondition,
	core.ErrProviderTimeout:      codes.DeadlineExceeded,
	core.ErrProvider:             codes.Unavailable,
	core.ErrProvisioning:         codes.Unavailable,
	core.ErrDeployment:           codes.Unavailable,
}

// toStatus converts an application error into a gRPC status carrying the
// CrawlHub code in its message.
func toStatus(err error) error {
	var ae *core.AppError
	if !errors.As(err, &ae) {
		return status.Error(codes.Internal, err.Error())
	}
	c, ok := grpcCodes[ae.Code]
	if !ok {
		c = codes.Internal
	}
	return status.Error(c, string(ae.Code)+": "+ae.Message)
}
