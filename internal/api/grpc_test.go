package api

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"autotrader/internal/domain"
)

func dialOperator(t *testing.T, env *testEnv) *grpc.ClientConn {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	gs := grpc.NewServer()
	NewOperatorService(env.store, env.engine, env.sched, nil).RegisterGRPC(gs)
	go func() { _ = gs.Serve(lis) }()
	t.Cleanup(gs.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestOperatorService(t *testing.T) {
	env := newTestEnv(t)
	st := env.createStrategy(t, "soxl-inf")
	conn := dialOperator(t, env)
	client := NewOperatorClient(conn)
	ctx := context.Background()

	list, err := client.ListStrategies(ctx, domain.StrategyStatusActive)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, st.ID, list[0].ID)
	assert.Equal(t, "soxl-inf", list[0].Name)

	res, err := client.RunStrategy(ctx, st.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusSuccess, res.Status)
	assert.Equal(t, int64(1), res.Cycle)
	assert.Equal(t, "soxl-inf", res.StrategyName)

	report, err := client.RunAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Total)

	_, err = client.RunStrategy(ctx, 999)
	assert.Equal(t, codes.NotFound, status.Code(err))
}

func TestOperatorServiceByName(t *testing.T) {
	env := newTestEnv(t)
	env.createStrategy(t, "soxl-inf")
	conn := dialOperator(t, env)

	out := new(structpb.Struct)
	in, err := structpb.NewStruct(map[string]any{"name": "soxl-inf"})
	require.NoError(t, err)
	require.NoError(t, conn.Invoke(context.Background(), "/autotrader.v1.Operator/RunStrategy", in, out))

	var res domain.RunResult
	require.NoError(t, FromStruct(out, &res))
	assert.Equal(t, domain.RunStatusSuccess, res.Status)

	err = conn.Invoke(context.Background(), "/autotrader.v1.Operator/RunStrategy", &structpb.Struct{}, out)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestOperatorHealth(t *testing.T) {
	env := newTestEnv(t)
	conn := dialOperator(t, env)

	resp, err := healthpb.NewHealthClient(conn).Check(context.Background(),
		&healthpb.HealthCheckRequest{Service: OperatorServiceName})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.GetStatus())
}
