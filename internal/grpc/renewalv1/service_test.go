package renewalv1

import (
	"context"
	"encoding/json"
	"testing"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type healthOnlyServer struct {
	UnimplementedRenewalEngineServer
}

func (healthOnlyServer) HealthCheck(context.Context, *HealthRequest) (*HealthResponse, error) {
	return &HealthResponse{Status: "SERVING"}, nil
}

func methodHandler(t *testing.T, name string) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	t.Helper()
	for _, m := range RenewalEngine_ServiceDesc.Methods {
		if m.MethodName == name {
			return m.Handler
		}
	}
	t.Fatalf("method %s not registered", name)
	return nil
}

func decodeJSON(payload string) func(any) error {
	return func(v any) error { return json.Unmarshal([]byte(payload), v) }
}

func TestServiceDescDispatchesUnaryCalls(t *testing.T) {
	if len(RenewalEngine_ServiceDesc.Methods) != 6 {
		t.Fatalf("expected 6 methods, got %d", len(RenewalEngine_ServiceDesc.Methods))
	}
	handler := methodHandler(t, "HealthCheck")

	out, err := handler(healthOnlyServer{}, context.Background(), decodeJSON(`{}`), nil)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if resp, ok := out.(*HealthResponse); !ok || resp.Status != "SERVING" {
		t.Fatalf("unexpected response %#v", out)
	}

	var seen string
	interceptor := func(ctx context.Context, req any, info *grpc.UnaryServerInfo, next grpc.UnaryHandler) (any, error) {
		seen = info.FullMethod
		return next(ctx, req)
	}
	if _, err := handler(healthOnlyServer{}, context.Background(), decodeJSON(`{}`), interceptor); err != nil {
		t.Fatalf("expected no error through interceptor, got %v", err)
	}
	if seen != RenewalEngine_HealthCheck_FullMethodName {
		t.Fatalf("interceptor saw %q", seen)
	}
}

func TestServiceDescDecodesRequests(t *testing.T) {
	handler := methodHandler(t, "GetSnapshot")

	_, err := handler(healthOnlyServer{}, context.Background(), decodeJSON(`{"analysis_id":"a1"}`), nil)
	if status.Code(err) != codes.Unimplemented {
		t.Fatalf("expected unimplemented, got %v", err)
	}
	if _, err := handler(healthOnlyServer{}, context.Background(), decodeJSON(`{"analysis_id":`), nil); err == nil {
		t.Fatalf("expected decode error")
	}
}
