package grpcserver

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"

	"github.com/and161185/airchainpay/internal/errs"
)

type ctxKey string

const operatorKey ctxKey = "airpay.operator"

// WithOperator stores the authenticated operator subject in context.
func WithOperator(ctx context.Context, subject string) context.Context {
	return context.WithValue(ctx, operatorKey, subject)
}

// OperatorFromCtx fetches the operator subject from context.
func OperatorFromCtx(ctx context.Context) (string, bool) {
	sub, ok := ctx.Value(operatorKey).(string)
	return sub, ok && sub != ""
}

// Verifier checks an operator bearer token presented from remote.
type Verifier interface {
	Verify(ctx context.Context, token, remote string) (string, error)
}

// AuthUnary requires a valid operator token on every QueueAdmin method.
// Other services on the same server (health, reflection) pass through.
func AuthUnary(v Verifier) grpc.UnaryServerInterceptor {
	prefix := "/" + ServiceName + "/"
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, next grpc.UnaryHandler) (any, error) {
		if !strings.HasPrefix(info.FullMethod, prefix) {
			return next(ctx, req)
		}
		tok, err := bearerTokenFromMD(ctx)
		if err != nil {
			return nil, toStatus(err)
		}
		sub, err := v.Verify(ctx, tok, remoteIP(ctx))
		if err != nil {
			return nil, toStatus(err)
		}
		return next(WithOperator(ctx, sub), req)
	}
}

func bearerTokenFromMD(ctx context.Context) (string, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return "", fmt.Errorf("%w: no metadata", errs.ErrUnauthorized)
	}
	for _, v := range md.Get("authorization") {
		v = strings.TrimSpace(v)
		if len(v) >= 7 && strings.EqualFold(v[:7], "bearer ") {
			t := strings.TrimSpace(v[7:])
			if t != "" {
				return t, nil
			}
		}
	}
	return "", fmt.Errorf("%w: no bearer token", errs.ErrUnauthorized)
}
