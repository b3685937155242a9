// Package executorrpc carries task traffic between CrawlHub and the
// out-of-process executor. Messages are google.protobuf.Struct so neither
// side needs generated stubs.
package executorrpc

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	executorService  = "crawlhub.executor.v1.Executor"
	executeTaskRoute = "/" + executorService + "/ExecuteTask"
)

// ExecuteRequest asks the executor to run one task against a deployment
// archive.
type ExecuteRequest struct {
	TaskID       string
	SpiderID     string
	DeploymentID string
	ArchiveURL   string
	Checksum     string
	IsTest       bool
	TriggerType  string
}

// ExecuteResult is the executor's admission decision. The run itself is
// reported later through the callback service.
type ExecuteResult struct {
	Accepted bool
	Reason   string
}

type Client struct {
	conn *grpc.ClientConn
}

func Dial(addr string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("dial executor %s: %w", addr, err)
	}
	return &Client{conn: conn}, nil
}

func (c *Client) ExecuteTask(ctx context.Context, req ExecuteRequest) (ExecuteResult, error) {
	in, err := structpb.NewStruct(map[string]interface{}{
		"task_id":       req.TaskID,
		"spider_id":     req.SpiderID,
		"deployment_id": req.DeploymentID,
		"archive_url":   req.ArchiveURL,
		"checksum":      req.Checksum,
		"is_test":       req.IsTest,
		"trigger_type":  req.TriggerType,
	})
	if err != nil {
		return ExecuteResult{}, fmt.Errorf("encode request: %w", err)
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, executeTaskRoute, in, out); err != nil {
		return ExecuteResult{}, err
	}
	return ExecuteResult{
		Accepted: boolField(out, "accepted"),
		Reason:   stringField(out, "reason"),
	}, nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}

// Executor is the server side of ExecuteTask. Real executors live outside
// this repository; RegisterExecutor serves stand-ins for local runs.
type Executor interface {
	ExecuteTask(ctx context.Context, req ExecuteRequest) (ExecuteResult, error)
}

func RegisterExecutor(s grpc.ServiceRegistrar, impl Executor) {
	s.RegisterService(&grpc.ServiceDesc{
		ServiceName: executorService,
		HandlerType: (*Executor)(nil),
		Methods: []grpc.MethodDesc{{
			MethodName: "ExecuteTask",
			Handler:    executeTaskHandler,
		}},
		Metadata: "crawlhub/executor/v1/executor.proto",
	}, impl)
}

func executeTaskHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	call := func(ctx context.Context, req interface{}) (interface{}, error) {
		s := req.(*structpb.Struct)
		res, err := srv.(Executor).ExecuteTask(ctx, ExecuteRequest{
			TaskID:       stringField(s, "task_id"),
			SpiderID:     stringField(s, "spider_id"),
			DeploymentID: stringField(s, "deployment_id"),
			ArchiveURL:   stringField(s, "archive_url"),
			Checksum:     stringField(s, "checksum"),
			IsTest:       boolField(s, "is_test"),
			TriggerType:  stringField(s, "trigger_type"),
		})
		if err != nil {
			return nil, err
		}
		return structpb.NewStruct(map[string]interface{}{
			"accepted": res.Accepted,
			"reason":   res.Reason,
		})
	}
	if interceptor == nil {
		return call(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: executeTaskRoute}
	return interceptor(ctx, in, info, call)
}
