package adminrpc

import (
	"context"

	"google.golang.org/grpc"
)

// ListRoomsRequest takes no parameters; it exists so the method follows
// the same dec(interface{}) error calling convention as every other
// gRPC method.
type ListRoomsRequest struct{}

type ListRoomsResponse struct {
	RoomIDs []string `json:"roomIds"`
}

type ListWorkersRequest struct{}

type WorkerInfo struct {
	ID       string `json:"id"`
	Closed   bool   `json:"closed"`
	Routers  int    `json:"routerCount"`
}

type ListWorkersResponse struct {
	Workers []WorkerInfo `json:"workers"`
}

type GetWorkerResourceUsageRequest struct {
	WorkerID string `json:"workerId"`
}

type GetWorkerResourceUsageResponse struct {
	UsageJSON string `json:"usageJson"`
}

// AdminServer is implemented by whatever owns the engine/lobby (cmd/sfu),
// per spec.md's read-only operational surface.
type AdminServer interface {
	ListRooms(ctx context.Context, req *ListRoomsRequest) (*ListRoomsResponse, error)
	ListWorkers(ctx context.Context, req *ListWorkersRequest) (*ListWorkersResponse, error)
	GetWorkerResourceUsage(ctx context.Context, req *GetWorkerResourceUsageRequest) (*GetWorkerResourceUsageResponse, error)
}

const serviceName = "sfu.adminrpc.AdminService"

func listRoomsHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(ListRoomsRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AdminServer).ListRooms(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/ListRooms"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(AdminServer).ListRooms(ctx, req.(*ListRoomsRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func listWorkersHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(ListWorkersRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AdminServer).ListWorkers(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/ListWorkers"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(AdminServer).ListWorkers(ctx, req.(*ListWorkersRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func getWorkerResourceUsageHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(GetWorkerResourceUsageRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AdminServer).GetWorkerResourceUsage(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/GetWorkerResourceUsage"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(AdminServer).GetWorkerResourceUsage(ctx, req.(*GetWorkerResourceUsageRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// ServiceDesc is the hand-assembled equivalent of what protoc-gen-go-grpc
// would otherwise generate from an AdminService.proto.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*AdminServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "ListRooms", Handler: listRoomsHandler},
		{MethodName: "ListWorkers", Handler: listWorkersHandler},
		{MethodName: "GetWorkerResourceUsage", Handler: getWorkerResourceUsageHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "internal/adminrpc/service.go",
}

// RegisterAdminServer wires srv into s the same way a generated
// RegisterAdminServiceServer would.
func RegisterAdminServer(s *grpc.Server, srv AdminServer) {
	s.RegisterService(&ServiceDesc, srv)
}
