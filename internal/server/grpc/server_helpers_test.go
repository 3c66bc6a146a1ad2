package grpcserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"github.com/and161185/airchainpay/internal/errs"
)

func ctxWithAuth(token string) context.Context {
	md := metadata.New(map[string]string{
		"authorization": "Bearer " + token,
	})
	return metadata.NewIncomingContext(context.Background(), md)
}

func Test_bearerTokenFromMD_OkAndErrors(t *testing.T) {
	t.Parallel()

	got, err := bearerTokenFromMD(ctxWithAuth("abc.def.ghi"))
	if err != nil || got != "abc.def.ghi" {
		t.Fatalf("ok: got=%q err=%v", got, err)
	}

	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs("authorization", "Basic foo"))
	if _, err := bearerTokenFromMD(ctx); !errors.Is(err, errs.ErrUnauthorized) {
		t.Fatalf("want ErrUnauthorized on non-bearer, got %v", err)
	}

	ctx = metadata.NewIncomingContext(context.Background(), metadata.Pairs("authorization", "Bearer   "))
	if _, err := bearerTokenFromMD(ctx); err == nil {
		t.Fatalf("want error on empty token")
	}

	if _, err := bearerTokenFromMD(context.Background()); err == nil {
		t.Fatalf("want error on no metadata")
	}
}

func Test_toStatus(t *testing.T) {
	t.Parallel()

	cases := []struct {
		err  error
		want codes.Code
	}{
		{fmt.Errorf("%w: bad token", errs.ErrUnauthorized), codes.Unauthenticated},
		{errs.ErrRateLimited, codes.ResourceExhausted},
		{errs.Newf(errs.ErrValidation, errs.ErrUnsupportedChain, "%q", "x"), codes.InvalidArgument},
		{errs.ErrNotFound, codes.NotFound},
		{errs.ErrVersionConflict, codes.FailedPrecondition},
		{context.DeadlineExceeded, codes.DeadlineExceeded},
		{errors.New("disk on fire"), codes.Internal},
	}
	for _, tc := range cases {
		if got := status.Code(toStatus(tc.err)); got != tc.want {
			t.Fatalf("%v: got %s, want %s", tc.err, got, tc.want)
		}
	}
}

func Test_remoteIP(t *testing.T) {
	t.Parallel()
	if got := remoteIP(context.Background()); got != "" {
		t.Fatalf("no peer: %q", got)
	}
	ctx := peer.NewContext(context.Background(), &peer.Peer{Addr: &net.TCPAddr{IP: net.IPv4(10, 0, 0, 7), Port: 40112}})
	if got := remoteIP(ctx); got != "10.0.0.7" {
		t.Fatalf("tcp peer: %q", got)
	}
	ctx = peer.NewContext(context.Background(), &peer.Peer{Addr: &net.UnixAddr{Name: "bufconn", Net: "unix"}})
	if got := remoteIP(ctx); got != "bufconn" {
		t.Fatalf("unix peer: %q", got)
	}
}
