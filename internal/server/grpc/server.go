// Package grpcserver exposes the offline queue admin API over gRPC.
package grpcserver

import (
	"context"
	"errors"
	"net"

	"github.com/shopspring/decimal"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/and161185/airchainpay/internal/convert"
	"github.com/and161185/airchainpay/internal/errs"
	"github.com/and161185/airchainpay/internal/model"
	"github.com/and161185/airchainpay/internal/service"
)

// Queue is the part of service.OfflineService the admin API drives.
type Queue interface {
	List(ctx context.Context, status model.TxStatus, limit int) ([]model.QueuedTransaction, error)
	RecordBalance(ctx context.Context, chainID, token, balance string) (*model.BalanceSnapshot, error)
	RecordNonce(ctx context.Context, chainID, address string, nonce uint64) (uint64, error)
}

// Drainer runs one broadcast round on demand.
type Drainer interface {
	DrainOnce(ctx context.Context) (service.DrainReport, error)
}

// Server implements QueueAdminServer.
type Server struct {
	queue Queue
	drain Drainer
}

var _ QueueAdminServer = (*Server)(nil)

// New constructs a Server. drain may be nil, which makes Drain unimplemented.
func New(queue Queue, drain Drainer) *Server {
	return &Server{queue: queue, drain: drain}
}

// ListQueued returns queued transactions, optionally filtered by status.
func (s *Server) ListQueued(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	limit, err := convert.Uint(req, "limit")
	if err != nil {
		return nil, toStatus(err)
	}
	items, err := s.queue.List(ctx, model.TxStatus(convert.String(req, "status")), int(limit))
	if err != nil {
		return nil, toStatus(err)
	}
	out, err := convert.QueueToStruct(items)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode: %v", err)
	}
	return out, nil
}

// RecordBalance stores an operator-observed balance. The balance is a decimal string.
func (s *Server) RecordBalance(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	chainID, err := convert.RequireString(req, "chainId")
	if err != nil {
		return nil, toStatus(err)
	}
	token, err := convert.RequireString(req, "token")
	if err != nil {
		return nil, toStatus(err)
	}
	balance := convert.String(req, "balance")
	if balance == "" {
		// a JSON client may send a plain number
		if v, ok := req.GetFields()["balance"]; ok {
			if _, isNum := v.GetKind().(*structpb.Value_NumberValue); isNum {
				balance = decimal.NewFromFloat(v.GetNumberValue()).String()
			}
		}
	}
	b, err := s.queue.RecordBalance(ctx, chainID, token, balance)
	if err != nil {
		return nil, toStatus(err)
	}
	out, err := convert.BalanceToStruct(b)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode: %v", err)
	}
	return out, nil
}

// RecordNonce raises the known next nonce of an address; it never lowers it.
func (s *Server) RecordNonce(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	chainID, err := convert.RequireString(req, "chainId")
	if err != nil {
		return nil, toStatus(err)
	}
	address, err := convert.RequireString(req, "address")
	if err != nil {
		return nil, toStatus(err)
	}
	nonce, err := convert.Uint(req, "nonce")
	if err != nil {
		return nil, toStatus(err)
	}
	next, err := s.queue.RecordNonce(ctx, chainID, address, nonce)
	if err != nil {
		return nil, toStatus(err)
	}
	return structpb.NewStruct(map[string]any{
		"chainId":   chainID,
		"address":   address,
		"nextNonce": float64(next),
	})
}

// Drain broadcasts what it can right now and reports the outcome.
func (s *Server) Drain(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	if s.drain == nil {
		return nil, status.Error(codes.Unimplemented, "drainer not configured")
	}
	rep, err := s.drain.DrainOnce(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return structpb.NewStruct(map[string]any{
		"confirmed": float64(rep.Confirmed),
		"failed":    float64(rep.Failed),
		"deferred":  float64(rep.Deferred),
	})
}

// remoteIP is the caller's host without the port, so limiter keys survive reconnects.
func remoteIP(ctx context.Context) string {
	p, ok := peer.FromContext(ctx)
	if !ok || p.Addr == nil {
		return ""
	}
	addr := p.Addr.String()
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}

func toStatus(err error) error {
	switch {
	case errors.Is(err, errs.ErrUnauthorized):
		return status.Error(codes.Unauthenticated, "no auth")
	case errors.Is(err, errs.ErrRateLimited):
		return status.Error(codes.ResourceExhausted, "rate limited")
	case errors.Is(err, errs.ErrValidation):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, errs.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, errs.ErrVersionConflict):
		return status.Error(codes.FailedPrecondition, "version conflict")
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	default:
		return status.Errorf(codes.Internal, "%v", err)
	}
}
