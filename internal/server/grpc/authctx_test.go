package grpcserver

import (
	"context"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/and161185/airchainpay/internal/service"
)

func TestWithOperator_And_OperatorFromCtx(t *testing.T) {
	t.Parallel()

	if sub, ok := OperatorFromCtx(context.Background()); ok || sub != "" {
		t.Fatalf("expected no operator in empty ctx")
	}

	ctx := WithOperator(context.Background(), "ops")
	got, ok := OperatorFromCtx(ctx)
	if !ok || got != "ops" {
		t.Fatalf("got %q, %v", got, ok)
	}

	if _, ok := OperatorFromCtx(WithOperator(context.Background(), "")); ok {
		t.Fatalf("empty subject must not count as authenticated")
	}
}

func TestAuthUnary(t *testing.T) {
	t.Parallel()

	auth := service.NewOperatorAuth([]byte("secret"), time.Minute, nil)
	tok, _, err := auth.Issue("ops")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	ic := AuthUnary(auth)

	var seen string
	h := func(ctx context.Context, _ any) (any, error) {
		seen, _ = OperatorFromCtx(ctx)
		return "ok", nil
	}
	admin := &grpc.UnaryServerInfo{FullMethod: FullMethod(MethodListQueued)}

	if _, err := ic(ctxWithAuth(tok), nil, admin, h); err != nil {
		t.Fatalf("valid token: %v", err)
	}
	if seen != "ops" {
		t.Fatalf("operator not stored, got %q", seen)
	}

	if _, err := ic(context.Background(), nil, admin, h); status.Code(err) != codes.Unauthenticated {
		t.Fatalf("want Unauthenticated without token, got %v", err)
	}
	if _, err := ic(ctxWithAuth("not-a-jwt"), nil, admin, h); status.Code(err) != codes.Unauthenticated {
		t.Fatalf("want Unauthenticated on garbage, got %v", err)
	}

	health := &grpc.UnaryServerInfo{FullMethod: "/grpc.health.v1.Health/Check"}
	if _, err := ic(context.Background(), nil, health, h); err != nil {
		t.Fatalf("health must pass without token: %v", err)
	}
}
