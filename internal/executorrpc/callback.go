package executorrpc

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/lzjever/crawlhub/internal/core"
	"github.com/lzjever/crawlhub/internal/observability"
)

const callbackService = "crawlhub.executor.v1.TaskCallback"

// Callbacks is what executors report into. The orchestrator implements it.
type Callbacks interface {
	ReportProgress(ctx context.Context, taskID string, p core.Progress) (bool, error)
	CompleteTask(ctx context.Context, taskID string, out core.Outcome) (*core.Task, error)
	AppendTaskLog(ctx context.Context, taskID string, stream core.LogStream, chunk string) error
}

// CallbackServer serves the TaskCallback service.
type CallbackServer struct {
	cb  Callbacks
	log *zap.Logger
}

func NewCallbackServer(cb Callbacks, log *zap.Logger) *CallbackServer {
	return &CallbackServer{cb: cb, log: observability.Component(log, "callback")}
}

// Register attaches the service to s.
func (s *CallbackServer) Register(r grpc.ServiceRegistrar) {
	r.RegisterService(&grpc.ServiceDesc{
		ServiceName: callbackService,
		HandlerType: (*interface{})(nil),
		Methods: []grpc.MethodDesc{
			{MethodName: "ReportProgress", Handler: unary("ReportProgress", (*CallbackServer).reportProgress)},
			{MethodName: "Complete", Handler: unary("Complete", (*CallbackServer).complete)},
			{MethodName: "AppendLog", Handler: unary("AppendLog", (*CallbackServer).appendLog)},
		},
		Metadata: "crawlhub/executor/v1/callback.proto",
	}, s)
}

type structMethod func(*CallbackServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unary(name string, m structMethod) func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	full := "/" + callbackService + "/" + name
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		call := func(ctx context.Context, req interface{}) (interface{}, error) {
			return m(srv.(*CallbackServer), ctx, req.(*structpb.Struct))
		}
		if interceptor == nil {
			return call(ctx, in)
		}
		return interceptor(ctx, in, &grpc.UnaryServerInfo{Server: srv, FullMethod: full}, call)
	}
}

func (s *CallbackServer) reportProgress(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	taskID := stringField(in, "task_id")
	cancel, err := s.cb.ReportProgress(ctx, taskID, core.Progress{
		Progress:     intField(in, "progress"),
		SuccessCount: intField(in, "success_count"),
		FailedCount:  intField(in, "failed_count"),
		TotalCount:   intField(in, "total_count"),
	})
	if err != nil {
		s.log.Debug("progress rejected", zap.String("task_id", taskID), zap.Error(err))
		return nil, toStatus(err)
	}
	return structpb.NewStruct(map[string]interface{}{"cancel_requested": cancel})
}

func (s *CallbackServer) complete(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	taskID := stringField(in, "task_id")
	st, ok := core.ParseTaskStatus(stringField(in, "status"))
	if !ok {
		return nil, toStatus(core.NewAppError(core.ErrBadRequest, "unknown status "+stringField(in, "status")))
	}
	out := core.Outcome{
		Status:       st,
		SuccessCount: optionalInt(in, "success_count"),
		FailedCount:  optionalInt(in, "failed_count"),
		TotalCount:   optionalInt(in, "total_count"),
		ErrorMessage: stringField(in, "error_message"),
	}
	if c := stringField(in, "error_category"); c != "" {
		cat, ok := core.ParseErrorCategory(c)
		if !ok {
			return nil, toStatus(core.NewAppError(core.ErrBadRequest, "unknown error_category "+c))
		}
		out.ErrorCategory = &cat
	}
	t, err := s.cb.CompleteTask(ctx, taskID, out)
	if err != nil {
		s.log.Warn("completion rejected", zap.String("task_id", taskID), zap.Error(err))
		return nil, toStatus(err)
	}
	res := map[string]interface{}{"task_id": t.ID, "status": string(t.Status)}
	if t.ErrorCategory != nil {
		res["error_category"] = string(*t.ErrorCategory)
	}
	return structpb.NewStruct(res)
}

func (s *CallbackServer) appendLog(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	stream, ok := core.ParseLogStream(stringField(in, "stream"))
	if !ok {
		return nil, toStatus(core.NewAppError(core.ErrBadRequest, "stream must be stdout or stderr"))
	}
	if err := s.cb.AppendTaskLog(ctx, stringField(in, "task_id"), stream, stringField(in, "chunk")); err != nil {
		return nil, toStatus(err)
	}
	return &structpb.Struct{}, nil
}

// CallbackClient is the executor side of the TaskCallback service.
type CallbackClient struct {
	conn *grpc.ClientConn
}

func DialCallback(addr string, opts ...grpc.DialOption) (*CallbackClient, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("dial callback %s: %w", addr, err)
	}
	return &CallbackClient{conn: conn}, nil
}

func (c *CallbackClient) Close() error { return c.conn.Close() }

func (c *CallbackClient) call(ctx context.Context, method string, fields map[string]interface{}) (*structpb.Struct, error) {
	in, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", method, err)
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, "/"+callbackService+"/"+method, in, out); err != nil {
		return nil, err
	}
	return out, nil
}

// ReportProgress returns whether cancellation has been requested.
func (c *CallbackClient) ReportProgress(ctx context.Context, taskID string, p core.Progress) (bool, error) {
	out, err := c.call(ctx, "ReportProgress", map[string]interface{}{
		"task_id":       taskID,
		"progress":      p.Progress,
		"success_count": p.SuccessCount,
		"failed_count":  p.FailedCount,
		"total_count":   p.TotalCount,
	})
	if err != nil {
		return false, err
	}
	return boolField(out, "cancel_requested"), nil
}

func (c *CallbackClient) Complete(ctx context.Context, taskID string, o core.Outcome) (core.TaskStatus, error) {
	fields := map[string]interface{}{
		"task_id":       taskID,
		"status":        string(o.Status),
		"error_message": o.ErrorMessage,
	}
	for name, v := range map[string]*int{"success_count": o.SuccessCount, "failed_count": o.FailedCount, "total_count": o.TotalCount} {
		if v != nil {
			fields[name] = *v
		}
	}
	if o.ErrorCategory != nil {
		fields["error_category"] = string(*o.ErrorCategory)
	}
	out, err := c.call(ctx, "Complete", fields)
	if err != nil {
		return "", err
	}
	return core.TaskStatus(stringField(out, "status")), nil
}

func (c *CallbackClient) AppendLog(ctx context.Context, taskID string, stream core.LogStream, chunk string) error {
	_, err := c.call(ctx, "AppendLog", map[string]interface{}{
		"task_id": taskID,
		"stream":  string(stream),
		"chunk":   chunk,
	})
	return err
}
