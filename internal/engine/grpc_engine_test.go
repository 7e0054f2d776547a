package engine

import (
	"context"
	"image/color"
	"net"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"yolopipe/internal/pipeline"
)

// echoBackend returns an output vector filled with the first input value
type echoBackend struct {
	mu     sync.Mutex
	size   int
	shapes [][3]int
	fail   bool
}

func (b *echoBackend) Predict(ctx context.Context, in *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error) {
	c, h, w, err := ShapeFromContext(ctx)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	tensor, err := DecodeTensor(in.GetValue())
	if err != nil || len(tensor) != c*h*w {
		return nil, status.Error(codes.InvalidArgument, "bad tensor")
	}

	b.mu.Lock()
	b.shapes = append(b.shapes, [3]int{c, h, w})
	fail := b.fail
	b.mu.Unlock()
	if fail {
		return nil, status.Error(codes.Unavailable, "model not loaded")
	}

	out := make([]float32, b.size)
	for i := range out {
		out[i] = tensor[0]
	}
	return &wrapperspb.BytesValue{Value: EncodeTensor(out)}, nil
}

func startBackend(t *testing.T, backend InferenceServer) *GRPCEngine {
	t.Helper()

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	RegisterInferenceServer(srv, backend)
	hs := health.NewServer()
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(srv, hs)

	go srv.Serve(lis)
	t.Cleanup(srv.Stop)

	e, err := NewGRPCEngine(Config{
		Endpoint:    "passthrough:///bufnet",
		InputWidth:  64,
		InputHeight: 64,
		Classes:     2,
		Layers:      testLayers(),
	}, grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	}))
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e
}

func TestGRPCEnginePredictRoundTrip(t *testing.T) {
	backend := &echoBackend{size: 28}
	e := startBackend(t, backend)

	w, h := e.InputSize()
	assert.Equal(t, 64, w)
	assert.Equal(t, 64, h)
	assert.Equal(t, 28, e.OutputSize())
	assert.Equal(t, 2, e.Classes())

	input, err := pipeline.SolidFrame(64, 64, color.RGBA{R: 51, G: 51, B: 51, A: 255})
	require.NoError(t, err)

	out, err := e.Predict(context.Background(), input)
	require.NoError(t, err)
	require.Len(t, out, 28)
	assert.InDelta(t, 0.2, out[0], 1e-6)

	require.Len(t, backend.shapes, 1)
	assert.Equal(t, [3]int{3, 64, 64}, backend.shapes[0])

	assert.True(t, e.IsHealthy())
}

func TestGRPCEngineRejectsWrongInput(t *testing.T) {
	e := startBackend(t, &echoBackend{size: 28})

	input, err := pipeline.NewFrame(32, 32, 3)
	require.NoError(t, err)

	_, err = e.Predict(context.Background(), input)
	assert.ErrorIs(t, err, ErrInputSize)
}

func TestGRPCEngineOutputSizeMismatch(t *testing.T) {
	e := startBackend(t, &echoBackend{size: 5})

	input, err := pipeline.NewFrame(64, 64, 3)
	require.NoError(t, err)

	_, err = e.Predict(context.Background(), input)
	assert.ErrorIs(t, err, ErrOutputSize)
}

func TestGRPCEngineBackendError(t *testing.T) {
	e := startBackend(t, &echoBackend{size: 28, fail: true})

	input, err := pipeline.NewFrame(64, 64, 3)
	require.NoError(t, err)

	_, err = e.Predict(context.Background(), input)
	require.Error(t, err)
	assert.Equal(t, codes.Unavailable, status.Code(err))
}

func TestGRPCEngineSuppressKind(t *testing.T) {
	e := startBackend(t, &echoBackend{size: 28})

	in := []pipeline.Candidate{
		candidate(0.5, 0.5, 0.6, 0.6, 0),
		candidate(0.51, 0.5, 0.9, 0, 0.9),
	}
	assert.Len(t, e.Suppress(in, 2, 0.4), 1)
}

func TestTensorEncoding(t *testing.T) {
	values := []float32{0, 1.5, -2, 3.25}
	decoded, err := DecodeTensor(EncodeTensor(values))
	require.NoError(t, err)
	assert.Equal(t, values, decoded)

	_, err = DecodeTensor([]byte{1, 2, 3})
	assert.ErrorIs(t, err, ErrTensorEncoding)
}

func TestShapeFromContextMissing(t *testing.T) {
	_, _, _, err := ShapeFromContext(context.Background())
	assert.ErrorIs(t, err, ErrMissingShape)
}
