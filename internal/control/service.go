package control

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully-qualified gRPC service name.
const ServiceName = "tsch.control.v1.CellControl"

// Full method names.
const (
	MethodListNodes                = "/" + ServiceName + "/ListNodes"
	MethodListLinks                = "/" + ServiceName + "/ListLinks"
	MethodAddLink                  = "/" + ServiceName + "/AddLink"
	MethodRemoveLink               = "/" + ServiceName + "/RemoveLink"
	MethodAddCells                 = "/" + ServiceName + "/AddCells"
	MethodDeleteCell               = "/" + ServiceName + "/DeleteCell"
	MethodRelocateCell             = "/" + ServiceName + "/RelocateCell"
	MethodGetCellStats             = "/" + ServiceName + "/GetCellStats"
	MethodListRelocationCandidates = "/" + ServiceName + "/ListRelocationCandidates"
	MethodGetSyncState             = "/" + ServiceName + "/GetSyncState"
	MethodSetRadioLink             = "/" + ServiceName + "/SetRadioLink"
)

// CellControlServer is the server API of the control service. Request and
// response bodies are free-form structs; the field names are documented on
// Service's methods.
type CellControlServer interface {
	ListNodes(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	ListLinks(context.Context, *structpb.Struct) (*structpb.Struct, error)
	AddLink(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RemoveLink(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	AddCells(context.Context, *structpb.Struct) (*structpb.Struct, error)
	DeleteCell(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RelocateCell(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetCellStats(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListRelocationCandidates(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetSyncState(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SetRadioLink(context.Context, *structpb.Struct) (*emptypb.Empty, error)
}

// RegisterCellControlServer registers srv on s.
func RegisterCellControlServer(s grpc.ServiceRegistrar, srv CellControlServer) {
	s.RegisterService(&CellControlServiceDesc, srv)
}

// unaryHandler adapts one typed method to the grpc.MethodDesc handler shape.
func unaryHandler[Req any, Resp any, PReq interface{ *Req }](fullMethod string, call func(CellControlServer, context.Context, PReq) (Resp, error)) grpc.MethodHandler {
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := PReq(new(Req))
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(CellControlServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req interface{}) (interface{}, error) {
			return call(srv.(CellControlServer), ctx, req.(PReq))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// CellControlServiceDesc describes the service for grpc.Server.
var CellControlServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*CellControlServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "ListNodes", Handler: unaryHandler(MethodListNodes, CellControlServer.ListNodes)},
		{MethodName: "ListLinks", Handler: unaryHandler(MethodListLinks, CellControlServer.ListLinks)},
		{MethodName: "AddLink", Handler: unaryHandler(MethodAddLink, CellControlServer.AddLink)},
		{MethodName: "RemoveLink", Handler: unaryHandler(MethodRemoveLink, CellControlServer.RemoveLink)},
		{MethodName: "AddCells", Handler: unaryHandler(MethodAddCells, CellControlServer.AddCells)},
		{MethodName: "DeleteCell", Handler: unaryHandler(MethodDeleteCell, CellControlServer.DeleteCell)},
		{MethodName: "RelocateCell", Handler: unaryHandler(MethodRelocateCell, CellControlServer.RelocateCell)},
		{MethodName: "GetCellStats", Handler: unaryHandler(MethodGetCellStats, CellControlServer.GetCellStats)},
		{MethodName: "ListRelocationCandidates", Handler: unaryHandler(MethodListRelocationCandidates, CellControlServer.ListRelocationCandidates)},
		{MethodName: "GetSyncState", Handler: unaryHandler(MethodGetSyncState, CellControlServer.GetSyncState)},
		{MethodName: "SetRadioLink", Handler: unaryHandler(MethodSetRadioLink, CellControlServer.SetRadioLink)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "tsch/control/v1/control.proto",
}
