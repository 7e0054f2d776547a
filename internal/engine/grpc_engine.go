package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"yolopipe/internal/pipeline"
)

var (
	ErrInputSize  = errors.New("input frame does not match network size")
	ErrOutputSize = errors.New("network output size mismatch")
)

// Config holds configuration for the gRPC engine
type Config struct {
	Endpoint    string
	InputWidth  int
	InputHeight int
	Classes     int
	Layers      []LayerConfig
	NMSKind     string
	Timeout     time.Duration // Per Predict call, 0 means no deadline
}

// GRPCEngine runs inference on a remote backend over gRPC and decodes the
// YOLO layer outputs locally
type GRPCEngine struct {
	cfg     Config
	conn    *grpc.ClientConn
	health  healthpb.HealthClient
	decoder *Decoder
	nmsKind string

	tensor   []float32
	tensorMu sync.Mutex

	healthy    bool
	lastHealth time.Time
	healthMu   sync.RWMutex
}

// NewGRPCEngine creates the client. Extra dial options are appended to the
// defaults (insecure transport, keepalive).
func NewGRPCEngine(cfg Config, opts ...grpc.DialOption) (*GRPCEngine, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("inference endpoint is required")
	}
	decoder, err := NewDecoder(cfg.InputWidth, cfg.InputHeight, cfg.Classes, cfg.Layers)
	if err != nil {
		return nil, fmt.Errorf("invalid network layout: %w", err)
	}
	nmsKind, err := ParseNMSKind(cfg.NMSKind)
	if err != nil {
		return nil, err
	}

	// Configure keepalive to detect dead connections quickly
	kacp := keepalive.ClientParameters{
		Time:                10 * time.Second,
		Timeout:             5 * time.Second,
		PermitWithoutStream: true,
	}
	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(kacp),
	}, opts...)

	conn, err := grpc.NewClient(cfg.Endpoint, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create client for %s: %w", cfg.Endpoint, err)
	}

	log.Printf("[GRPCEngine] Using %s (input %dx%d, %d classes, %d layers, output %d)",
		cfg.Endpoint, cfg.InputWidth, cfg.InputHeight, cfg.Classes, len(cfg.Layers), decoder.OutputSize())

	return &GRPCEngine{
		cfg:     cfg,
		conn:    conn,
		health:  healthpb.NewHealthClient(conn),
		decoder: decoder,
		nmsKind: nmsKind,
	}, nil
}

// InputSize implements pipeline.InferenceEngine
func (e *GRPCEngine) InputSize() (int, int) {
	return e.cfg.InputWidth, e.cfg.InputHeight
}

// OutputSize implements pipeline.InferenceEngine
func (e *GRPCEngine) OutputSize() int {
	return e.decoder.OutputSize()
}

// Classes implements pipeline.InferenceEngine
func (e *GRPCEngine) Classes() int {
	return e.cfg.Classes
}

// Predict sends the letterboxed frame as a CHW tensor and returns the raw
// layer outputs
func (e *GRPCEngine) Predict(ctx context.Context, input *pipeline.Frame) ([]float32, error) {
	if input.Width != e.cfg.InputWidth || input.Height != e.cfg.InputHeight {
		return nil, fmt.Errorf("%w: got %dx%d, want %dx%d",
			ErrInputSize, input.Width, input.Height, e.cfg.InputWidth, e.cfg.InputHeight)
	}

	e.tensorMu.Lock()
	e.tensor = input.Tensor(e.tensor)
	req := &wrapperspb.BytesValue{Value: EncodeTensor(e.tensor)}
	e.tensorMu.Unlock()

	if e.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.Timeout)
		defer cancel()
	}
	ctx = metadata.AppendToOutgoingContext(ctx, InputShapeKey, formatShape(input.Channels, input.Height, input.Width))

	resp := new(wrapperspb.BytesValue)
	if err := e.conn.Invoke(ctx, predictMethod, req, resp); err != nil {
		e.markUnhealthy()
		return nil, fmt.Errorf("predict failed: %w", err)
	}

	output, err := DecodeTensor(resp.GetValue())
	if err != nil {
		return nil, err
	}
	if len(output) != e.decoder.OutputSize() {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrOutputSize, len(output), e.decoder.OutputSize())
	}
	return output, nil
}

// Boxes implements pipeline.InferenceEngine
func (e *GRPCEngine) Boxes(output []float32, frameW, frameH int, threshold float32) []pipeline.Candidate {
	return e.decoder.Boxes(output, frameW, frameH, threshold)
}

// Suppress implements pipeline.InferenceEngine
func (e *GRPCEngine) Suppress(candidates []pipeline.Candidate, classes int, threshold float32) []pipeline.Candidate {
	if e.nmsKind == NMSPerClass {
		return SuppressByClass(candidates, classes, threshold)
	}
	return SuppressByObjectness(candidates, classes, threshold)
}

// IsHealthy checks the backend through the standard health service.
// A positive result is cached for 30 seconds.
func (e *GRPCEngine) IsHealthy() bool {
	e.healthMu.RLock()
	if time.Since(e.lastHealth) < 30*time.Second && e.healthy {
		e.healthMu.RUnlock()
		return true
	}
	e.healthMu.RUnlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, err := e.health.Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		log.Printf("[GRPCEngine] Health check failed: %v", err)
		e.markUnhealthy()
		return false
	}

	e.healthMu.Lock()
	e.healthy = resp.GetStatus() == healthpb.HealthCheckResponse_SERVING
	e.lastHealth = time.Now()
	healthy := e.healthy
	e.healthMu.Unlock()

	return healthy
}

func (e *GRPCEngine) markUnhealthy() {
	e.healthMu.Lock()
	e.healthy = false
	e.healthMu.Unlock()
}

// Close shuts down the gRPC connection
func (e *GRPCEngine) Close() error {
	return e.conn.Close()
}

var _ pipeline.InferenceEngine = (*GRPCEngine)(nil)
