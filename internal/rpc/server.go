// Package rpc exposes the ledger as the gRPC service atmx.market.v1.Ledger.
//
// Messages are JSON-encoded Go structs (content-subtype "json"). The caller
// identity travels in the "x-account" metadata key.
package rpc

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/atmx/nft-market/internal/itemref"
	"github.com/atmx/nft-market/internal/ledger"
	"github.com/atmx/nft-market/internal/metrics"
	"github.com/atmx/nft-market/internal/model"
)

const (
	ServiceName = "atmx.market.v1.Ledger"

	// AccountKey is the metadata key carrying the caller identity.
	AccountKey = "x-account"
)

// --- Messages ---

type ItemRequest struct {
	Collection string `json:"collection"`
	ItemID     string `json:"item_id"`
}

type ListRequest struct {
	Collection string          `json:"collection"`
	ItemID     string          `json:"item_id"`
	Price      decimal.Decimal `json:"price"`
}

type UpdatePriceRequest struct {
	Collection string          `json:"collection"`
	ItemID     string          `json:"item_id"`
	Price      decimal.Decimal `json:"price"`
}

type BuyRequest struct {
	Collection string          `json:"collection"`
	ItemID     string          `json:"item_id"`
	Payment    decimal.Decimal `json:"payment"`
}

type ProceedsRequest struct {
	Seller string `json:"seller"`
}

type ProceedsReply struct {
	Seller string          `json:"seller"`
	Amount decimal.Decimal `json:"amount"`
}

type Empty struct{}

// LedgerServer is the server API for the Ledger service.
type LedgerServer interface {
	List(context.Context, *ListRequest) (*model.Listing, error)
	Cancel(context.Context, *ItemRequest) (*Empty, error)
	UpdatePrice(context.Context, *UpdatePriceRequest) (*model.Listing, error)
	Buy(context.Context, *BuyRequest) (*model.Sale, error)
	Withdraw(context.Context, *Empty) (*ProceedsReply, error)
	GetListing(context.Context, *ItemRequest) (*model.Listing, error)
	GetProceeds(context.Context, *ProceedsRequest) (*ProceedsReply, error)
}

// Server implements LedgerServer on top of a Ledger.
type Server struct {
	ledger *ledger.Ledger
}

func NewServer(l *ledger.Ledger) *Server {
	return &Server{ledger: l}
}

// Register adds the Ledger service to s.
func Register(s grpc.ServiceRegistrar, srv LedgerServer) {
	s.RegisterService(&serviceDesc, srv)
}

func (s *Server) List(ctx context.Context, req *ListRequest) (*model.Listing, error) {
	account, err := accountFrom(ctx)
	if err != nil {
		return nil, err
	}
	key, err := parseKey(req.Collection, req.ItemID)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	listing, err := s.ledger.List(ctx, key, req.Price, account)
	metrics.ObserveOperation("list", ledger.Reason(err), start)
	if err != nil {
		return nil, toStatus(err)
	}
	return listing, nil
}

func (s *Server) Cancel(ctx context.Context, req *ItemRequest) (*Empty, error) {
	account, err := accountFrom(ctx)
	if err != nil {
		return nil, err
	}
	key, err := parseKey(req.Collection, req.ItemID)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	err = s.ledger.Cancel(ctx, key, account)
	metrics.ObserveOperation("cancel", ledger.Reason(err), start)
	if err != nil {
		return nil, toStatus(err)
	}
	return &Empty{}, nil
}

func (s *Server) UpdatePrice(ctx context.Context, req *UpdatePriceRequest) (*model.Listing, error) {
	account, err := accountFrom(ctx)
	if err != nil {
		return nil, err
	}
	key, err := parseKey(req.Collection, req.ItemID)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	listing, err := s.ledger.UpdatePrice(ctx, key, req.Price, account)
	metrics.ObserveOperation("update_price", ledger.Reason(err), start)
	if err != nil {
		return nil, toStatus(err)
	}
	return listing, nil
}

func (s *Server) Buy(ctx context.Context, req *BuyRequest) (*model.Sale, error) {
	account, err := accountFrom(ctx)
	if err != nil {
		return nil, err
	}
	key, err := parseKey(req.Collection, req.ItemID)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	sale, err := s.ledger.Buy(ctx, key, req.Payment, account)
	metrics.ObserveOperation("buy", ledger.Reason(err), start)
	if err != nil {
		return nil, toStatus(err)
	}
	return sale, nil
}

func (s *Server) Withdraw(ctx context.Context, _ *Empty) (*ProceedsReply, error) {
	account, err := accountFrom(ctx)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	amount, err := s.ledger.Withdraw(ctx, account)
	metrics.ObserveOperation("withdraw", ledger.Reason(err), start)
	if err != nil {
		return nil, toStatus(err)
	}
	return &ProceedsReply{Seller: account, Amount: amount}, nil
}

func (s *Server) GetListing(ctx context.Context, req *ItemRequest) (*model.Listing, error) {
	key, err := parseKey(req.Collection, req.ItemID)
	if err != nil {
		return nil, err
	}
	listing, err := s.ledger.GetListing(ctx, key)
	if err != nil {
		return nil, toStatus(err)
	}
	return listing, nil
}

func (s *Server) GetProceeds(ctx context.Context, req *ProceedsRequest) (*ProceedsReply, error) {
	amount, err := s.ledger.GetProceeds(ctx, req.Seller)
	if err != nil {
		return nil, toStatus(err)
	}
	return &ProceedsReply{Seller: req.Seller, Amount: amount}, nil
}

// LoggingInterceptor logs each unary call with its outcome code.
func LoggingInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	code := status.Code(err)
	level := slog.LevelInfo
	switch code {
	case codes.OK, codes.InvalidArgument, codes.NotFound, codes.AlreadyExists,
		codes.PermissionDenied, codes.FailedPrecondition, codes.Unauthenticated:
	case codes.Unavailable:
		level = slog.LevelWarn
	default:
		level = slog.LevelError
	}
	slog.Log(ctx, level, "grpc call",
		"method", info.FullMethod,
		"code", code.String(),
		"duration", time.Since(start),
	)
	return resp, err
}

func accountFrom(ctx context.Context) (string, error) {
	md, _ := metadata.FromIncomingContext(ctx)
	if vals := md.Get(AccountKey); len(vals) > 0 && vals[0] != "" {
		return vals[0], nil
	}
	return "", status.Error(codes.Unauthenticated, AccountKey+" metadata is required")
}

func parseKey(collection, itemID string) (model.ListingKey, error) {
	key, err := itemref.ParseKey(collection, itemID)
	if err != nil {
		return model.ListingKey{}, status.Error(codes.InvalidArgument, err.Error())
	}
	return key, nil
}

// toStatus maps ledger failures to gRPC status codes.
func toStatus(err error) error {
	var code codes.Code
	switch {
	case errors.Is(err, ledger.ErrTransferFailed):
		code = codes.Unavailable
	case errors.Is(err, ledger.ErrInvalidPrice):
		code = codes.InvalidArgument
	case errors.Is(err, ledger.ErrNotOwner), errors.Is(err, ledger.ErrNotApproved):
		code = codes.PermissionDenied
	case errors.Is(err, ledger.ErrNotListed):
		code = codes.NotFound
	case errors.Is(err, ledger.ErrAlreadyListed):
		code = codes.AlreadyExists
	case errors.Is(err, ledger.ErrPriceNotMet), errors.Is(err, ledger.ErrNoProceeds),
		errors.Is(err, ledger.ErrReentrantTransfer):
		code = codes.FailedPrecondition
	default:
		return status.Error(codes.Internal, "internal error")
	}
	return status.Error(code, err.Error())
}

// --- Service descriptor ---

// unary builds a method descriptor for a handler taking *Req.
func unary[Req any, Resp any](name string, call func(LedgerServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(LedgerServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{
				Server:     srv,
				FullMethod: "/" + ServiceName + "/" + name,
			}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(LedgerServer), ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*LedgerServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("List", LedgerServer.List),
		unary("Cancel", LedgerServer.Cancel),
		unary("UpdatePrice", LedgerServer.UpdatePrice),
		unary("Buy", LedgerServer.Buy),
		unary("Withdraw", LedgerServer.Withdraw),
		unary("GetListing", LedgerServer.GetListing),
		unary("GetProceeds", LedgerServer.GetProceeds),
	},
	Streams: []grpc.StreamDesc{},
}
