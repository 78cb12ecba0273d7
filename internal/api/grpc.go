package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"autotrader/internal/domain"
	"autotrader/internal/store"
)

// OperatorServiceName is the fully qualified gRPC service name.
const OperatorServiceName = "autotrader.v1.Operator"

// OperatorServer is the gRPC operator service. Requests and responses are
// google.protobuf.Struct values holding the same JSON documents the HTTP API
// uses.
type OperatorServer interface {
	RunStrategy(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	RunAll(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	ListStrategies(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

// OperatorService implements OperatorServer on top of the store, the engine
// and the scheduler.
type OperatorService struct {
	store  store.Store
	runner Runner
	fanout FanOut
	log    *slog.Logger
}

var _ OperatorServer = (*OperatorService)(nil)

// NewOperatorService creates an OperatorService.
func NewOperatorService(st store.Store, runner Runner, fanout FanOut, log *slog.Logger) *OperatorService {
	if log == nil {
		log = slog.Default()
	}
	return &OperatorService{store: st, runner: runner, fanout: fanout, log: log.With("component", "grpc")}
}

// RegisterGRPC registers the operator and health services on gs.
func (o *OperatorService) RegisterGRPC(gs *grpc.Server) *health.Server {
	gs.RegisterService(&operatorServiceDesc, o)
	hs := health.NewServer()
	healthpb.RegisterHealthServer(gs, hs)
	hs.SetServingStatus(OperatorServiceName, healthpb.HealthCheckResponse_SERVING)
	return hs
}

// RunStrategy runs one strategy, addressed by "strategy_id" or "name".
func (o *OperatorService) RunStrategy(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	st, err := o.resolve(ctx, req)
	if err != nil {
		return nil, err
	}
	o.log.Info("run requested", "strategy", st.Name)
	res := o.runner.RunDailyRoutine(context.WithoutCancel(ctx), st.ID)
	return toStruct(res)
}

// RunAll runs every active strategy.
func (o *OperatorService) RunAll(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	report, err := o.fanout.RunAllActive(context.WithoutCancel(ctx))
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return toStruct(report)
}

// ListStrategies returns {"strategies": [...]}, optionally filtered by
// "status".
func (o *OperatorService) ListStrategies(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	st := domain.StrategyStatus(strings.ToUpper(req.GetFields()["status"].GetStringValue()))
	list, err := o.store.ListStrategies(ctx, st)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	if list == nil {
		list = []domain.Strategy{}
	}
	return toStruct(map[string]any{"strategies": list})
}

func (o *OperatorService) resolve(ctx context.Context, req *structpb.Struct) (*domain.Strategy, error) {
	fields := req.GetFields()
	var (
		st  *domain.Strategy
		err error
	)
	switch {
	case fields["strategy_id"] != nil:
		id := int64(fields["strategy_id"].GetNumberValue())
		if id <= 0 {
			return nil, status.Error(codes.InvalidArgument, "strategy_id must be positive")
		}
		st, err = o.store.GetStrategy(ctx, id)
	case fields["name"].GetStringValue() != "":
		st, err = o.store.GetStrategyByName(ctx, fields["name"].GetStringValue())
	default:
		return nil, status.Error(codes.InvalidArgument, "strategy_id or name is required")
	}
	switch {
	case errors.Is(err, store.ErrNotFound):
		return nil, status.Error(codes.NotFound, "strategy not found")
	case err != nil:
		return nil, status.Error(codes.Internal, err.Error())
	}
	return st, nil
}

// toStruct converts v through its JSON form.
func toStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	s, err := structpb.NewStruct(m)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return s, nil
}

// FromStruct decodes a Struct response into v through its JSON form.
func FromStruct(s *structpb.Struct, v any) error {
	data, err := json.Marshal(s.AsMap())
	if err != nil {
		return fmt.Errorf("encode struct: %w", err)
	}
	return json.Unmarshal(data, v)
}

// ---------------------------------------------------------------------------
// Service descriptor
// ---------------------------------------------------------------------------

func unaryHandler(call func(OperatorServer, context.Context, *structpb.Struct) (*structpb.Struct, error), method string) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(OperatorServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + OperatorServiceName + "/" + method}
		return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
			return call(srv.(OperatorServer), ctx, req.(*structpb.Struct))
		})
	}
}

var operatorServiceDesc = grpc.ServiceDesc{
	ServiceName: OperatorServiceName,
	HandlerType: (*OperatorServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "RunStrategy", Handler: unaryHandler(OperatorServer.RunStrategy, "RunStrategy")},
		{MethodName: "RunAll", Handler: unaryHandler(OperatorServer.RunAll, "RunAll")},
		{MethodName: "ListStrategies", Handler: unaryHandler(OperatorServer.ListStrategies, "ListStrategies")},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "autotrader/v1/operator.proto",
}

// ---------------------------------------------------------------------------
// Client
// ---------------------------------------------------------------------------

// OperatorClient calls the operator service over an established connection.
type OperatorClient struct {
	cc grpc.ClientConnInterface
}

// NewOperatorClient wraps cc.
func NewOperatorClient(cc grpc.ClientConnInterface) *OperatorClient {
	return &OperatorClient{cc: cc}
}

func (c *OperatorClient) invoke(ctx context.Context, method string, in map[string]any) (*structpb.Struct, error) {
	req, err := structpb.NewStruct(in)
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+OperatorServiceName+"/"+method, req, out); err != nil {
		return nil, err
	}
	return out, nil
}

// RunStrategy runs the strategy with the given ID.
func (c *OperatorClient) RunStrategy(ctx context.Context, id int64) (domain.RunResult, error) {
	var res domain.RunResult
	out, err := c.invoke(ctx, "RunStrategy", map[string]any{"strategy_id": float64(id)})
	if err != nil {
		return res, err
	}
	err = FromStruct(out, &res)
	return res, err
}

// RunAll runs every active strategy.
func (c *OperatorClient) RunAll(ctx context.Context) (domain.AggregateReport, error) {
	var report domain.AggregateReport
	out, err := c.invoke(ctx, "RunAll", map[string]any{})
	if err != nil {
		return report, err
	}
	err = FromStruct(out, &report)
	return report, err
}

// ListStrategies lists strategies, all of them when status is empty.
func (c *OperatorClient) ListStrategies(ctx context.Context, st domain.StrategyStatus) ([]domain.Strategy, error) {
	out, err := c.invoke(ctx, "ListStrategies", map[string]any{"status": string(st)})
	if err != nil {
		return nil, err
	}
	var resp struct {
		Strategies []domain.Strategy `json:"strategies"`
	}
	if err := FromStruct(out, &resp); err != nil {
		return nil, err
	}
	return resp.Strategies, nil
}
