package api

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/victornm/triviarena/internal/domain"
	"github.com/victornm/triviarena/internal/game"
	"github.com/victornm/triviarena/internal/session"
)

const AdminServiceName = "trivia.admin.v1.AdminService"

// AdminServer is the operator RPC surface. Messages are protobuf well-known types,
// so the service needs no generated code.
type AdminServer interface {
	GetSession(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
	ListSessions(context.Context, *emptypb.Empty) (*structpb.ListValue, error)
	ResumeSession(context.Context, *wrapperspb.StringValue) (*emptypb.Empty, error)
	EndRound(context.Context, *wrapperspb.StringValue) (*emptypb.Empty, error)
}

func RegisterAdminServer(s grpc.ServiceRegistrar, srv AdminServer) {
	s.RegisterService(&adminServiceDesc, srv)
}

var adminServiceDesc = grpc.ServiceDesc{
	ServiceName: AdminServiceName,
	HandlerType: (*AdminServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("GetSession", AdminServer.GetSession),
		unary("ListSessions", AdminServer.ListSessions),
		unary("ResumeSession", AdminServer.ResumeSession),
		unary("EndRound", AdminServer.EndRound),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "trivia/admin/v1/admin.proto",
}

func unary[Req any, PReq interface {
	*Req
	proto.Message
}, Resp proto.Message](method string, call func(AdminServer, context.Context, PReq) (Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := PReq(new(Req))
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(AdminServer), ctx, in)
			}

			info := &grpc.UnaryServerInfo{
				Server:     srv,
				FullMethod: "/" + AdminServiceName + "/" + method,
			}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(srv.(AdminServer), ctx, req.(PReq))
			})
		},
	}
}

// AdminClient calls AdminServer over a client connection.
type AdminClient struct {
	cc grpc.ClientConnInterface
}

func NewAdminClient(cc grpc.ClientConnInterface) *AdminClient {
	return &AdminClient{cc: cc}
}

func (c *AdminClient) GetSession(ctx context.Context, id string, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	return out, c.invoke(ctx, "GetSession", wrapperspb.String(id), out, opts...)
}

func (c *AdminClient) ListSessions(ctx context.Context, opts ...grpc.CallOption) (*structpb.ListValue, error) {
	out := new(structpb.ListValue)
	return out, c.invoke(ctx, "ListSessions", &emptypb.Empty{}, out, opts...)
}

func (c *AdminClient) ResumeSession(ctx context.Context, id string, opts ...grpc.CallOption) error {
	return c.invoke(ctx, "ResumeSession", wrapperspb.String(id), &emptypb.Empty{}, opts...)
}

func (c *AdminClient) EndRound(ctx context.Context, id string, opts ...grpc.CallOption) error {
	return c.invoke(ctx, "EndRound", wrapperspb.String(id), &emptypb.Empty{}, opts...)
}

func (c *AdminClient) invoke(ctx context.Context, method string, in, out proto.Message, opts ...grpc.CallOption) error {
	return c.cc.Invoke(ctx, "/"+AdminServiceName+"/"+method, in, out, opts...)
}

type admin struct {
	sessions *session.Service
	game     *game.Service
}

// sessionDetail is the operator view: the stored session, answer included, plus the live timer.
type sessionDetail struct {
	Session       *domain.Session `json:"session"`
	RemainingTime int64           `json:"remainingTime"`
	TimerPending  bool            `json:"timerPending"`
}

func (s *admin) GetSession(ctx context.Context, in *wrapperspb.StringValue) (*structpb.Struct, error) {
	ss, err := s.sessions.GetSession(ctx, in.GetValue())
	if err != nil {
		return nil, err
	}

	b, err := json.Marshal(sessionDetail{
		Session:       ss,
		RemainingTime: s.game.RemainingTime(ss).Milliseconds(),
		TimerPending:  s.game.Pending(ss.ID),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal session: %w", err)
	}

	out := new(structpb.Struct)
	if err := protojson.Unmarshal(b, out); err != nil {
		return nil, fmt.Errorf("convert session: %w", err)
	}

	return out, nil
}

func (s *admin) ListSessions(ctx context.Context, _ *emptypb.Empty) (*structpb.ListValue, error) {
	ids, err := s.sessions.ListSessionIDs(ctx)
	if err != nil {
		return nil, err
	}

	vals := make([]any, 0, len(ids))
	for _, id := range ids {
		vals = append(vals, id)
	}

	return structpb.NewList(vals)
}

func (s *admin) ResumeSession(ctx context.Context, in *wrapperspb.StringValue) (*emptypb.Empty, error) {
	if err := s.game.Resume(ctx, in.GetValue()); err != nil {
		return nil, err
	}

	return &emptypb.Empty{}, nil
}

func (s *admin) EndRound(ctx context.Context, in *wrapperspb.StringValue) (*emptypb.Empty, error) {
	if _, err := s.sessions.GetSession(ctx, in.GetValue()); err != nil {
		return nil, err
	}
	if err := s.game.EndRound(ctx, in.GetValue()); err != nil {
		return nil, err
	}

	return &emptypb.Empty{}, nil
}
