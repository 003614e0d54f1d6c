package remote

import (
	"context"
	"log/slog"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"constph/internal/model"
	"constph/internal/ncmc"
)

const serviceName = "constph.remote.Engine"

// Server exposes an ncmc.Engine over gRPC.
type Server struct {
	engine ncmc.Engine
	logger *slog.Logger
}

func NewServer(engine ncmc.Engine, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{engine: engine, logger: logger.With("component", "remote")}
}

// Register attaches the engine service to s.
func (s *Server) Register(g *grpc.Server) {
	g.RegisterService(&serviceDesc, s)
}

func (s *Server) setParameters(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req parametersRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "decode parameters: %v", err)
	}
	params := make([]model.ParticleParameters, len(req.Particles))
	for i, p := range req.Particles {
		params[i] = model.ParticleParameters(p)
	}
	if err := s.engine.SetParameters(ctx, params); err != nil {
		return nil, s.fail("set parameters", err)
	}
	return &structpb.Struct{}, nil
}

func (s *Server) potentialEnergy(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	e, err := s.engine.PotentialEnergy(ctx)
	if err != nil {
		return nil, s.fail("potential energy", err)
	}
	return toStruct(energyResponse{EnergyKJ: e})
}

func (s *Server) step(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req stepRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "decode step: %v", err)
	}
	if req.Steps < 0 {
		return nil, status.Errorf(codes.InvalidArgument, "negative step count %d", req.Steps)
	}
	if err := s.engine.Step(ctx, req.Steps); err != nil {
		return nil, s.fail("step", err)
	}
	return &structpb.Struct{}, nil
}

func (s *Server) snapshot(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	snap, err := s.engine.Snapshot(ctx)
	if err != nil {
		return nil, s.fail("snapshot", err)
	}
	return toStruct(snapshotPayload(snap))
}

func (s *Server) restore(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req snapshotPayload
	if err := fromStruct(in, &req); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "decode snapshot: %v", err)
	}
	if err := s.engine.Restore(ctx, ncmc.Snapshot(req)); err != nil {
		return nil, s.fail("restore", err)
	}
	return &structpb.Struct{}, nil
}

func (s *Server) fail(op string, err error) error {
	s.logger.Warn("engine call failed", "op", op, "error", err)
	if st, ok := status.FromError(err); ok && st.Code() != codes.Unknown {
		return err
	}
	return status.Errorf(codes.Internal, "%s: %v", op, err)
}

type handler func(*Server, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unary(method string, h handler) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			s := srv.(*Server)
			if interceptor == nil {
				return h(s, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/" + method}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return h(s, ctx, req.(*structpb.Struct))
			})
		},
	}
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*any)(nil),
	Methods: []grpc.MethodDesc{
		unary("SetParameters", (*Server).setParameters),
		unary("PotentialEnergy", (*Server).potentialEnergy),
		unary("Step", (*Server).step),
		unary("Snapshot", (*Server).snapshot),
		unary("Restore", (*Server).restore),
	},
	Metadata: "constph/remote/engine",
}
