package engine

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const (
	// ServiceName is the fully qualified gRPC service name
	ServiceName = "yolopipe.inference.v1.InferenceService"

	// InputShapeKey carries the request tensor shape as "c,h,w"
	InputShapeKey = "x-input-shape"

	predictMethod = "/" + ServiceName + "/Predict"
)

var (
	ErrTensorEncoding = errors.New("tensor byte length is not a multiple of 4")
	ErrMissingShape   = errors.New("missing input shape metadata")
)

// InferenceServer is implemented by inference backends. The request holds
// the CHW float32 input tensor and the response the concatenated detection
// layer outputs, both little-endian.
type InferenceServer interface {
	Predict(ctx context.Context, input *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error)
}

func predictHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(InferenceServer).Predict(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: predictMethod,
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(InferenceServer).Predict(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*InferenceServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Predict",
			Handler:    predictHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "yolopipe/inference/v1/inference.proto",
}

// RegisterInferenceServer registers a backend on a gRPC server
func RegisterInferenceServer(s grpc.ServiceRegistrar, srv InferenceServer) {
	s.RegisterService(&serviceDesc, srv)
}

// EncodeTensor packs values as little-endian float32
func EncodeTensor(values []float32) []byte {
	buf := make([]byte, 4*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(v))
	}
	return buf
}

// DecodeTensor unpacks little-endian float32 values
func DecodeTensor(data []byte) ([]float32, error) {
	if len(data)%4 != 0 {
		return nil, fmt.Errorf("%w: %d bytes", ErrTensorEncoding, len(data))
	}
	values := make([]float32, len(data)/4)
	for i := range values {
		values[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[4*i:]))
	}
	return values, nil
}

func formatShape(c, h, w int) string {
	return fmt.Sprintf("%d,%d,%d", c, h, w)
}

// ShapeFromContext reads the request tensor shape on the server side
func ShapeFromContext(ctx context.Context) (c, h, w int, err error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return 0, 0, 0, ErrMissingShape
	}
	values := md.Get(InputShapeKey)
	if len(values) == 0 {
		return 0, 0, 0, ErrMissingShape
	}

	parts := strings.Split(values[0], ",")
	if len(parts) != 3 {
		return 0, 0, 0, fmt.Errorf("invalid input shape %q", values[0])
	}
	dims := make([]int, 3)
	for i, p := range parts {
		dims[i], err = strconv.Atoi(strings.TrimSpace(p))
		if err != nil || dims[i] <= 0 {
			return 0, 0, 0, fmt.Errorf("invalid input shape %q", values[0])
		}
	}
	return dims[0], dims[1], dims[2], nil
}
