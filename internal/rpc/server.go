// Package rpc exposes the ledger over gRPC. Messages are
// google.protobuf.Struct documents whose fields mirror the JSON API, so the
// service needs no generated code.
package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/example/trust-ledger/internal/ledger"
)

const ServiceName = "trustledger.v1.TrustLedger"

// Ledger is the operation set served over gRPC.
type Ledger interface {
	CreateAccount(ctx context.Context, req ledger.CreateAccountRequest) (*ledger.TrustAccount, error)
	GetAccount(ctx context.Context, id string) (*ledger.TrustAccount, error)
	RecordDeposit(ctx context.Context, req ledger.DepositRequest) (*ledger.Transaction, error)
	RecordWithdrawal(ctx context.Context, req ledger.WithdrawalRequest) (*ledger.Transaction, error)
	RecordTransfer(ctx context.Context, req ledger.TransferRequest) (out, in *ledger.Transaction, err error)
	GetTransaction(ctx context.Context, id string) (*ledger.Transaction, error)
	TransactionsByAccount(ctx context.Context, accountID string, page ledger.Page) ([]*ledger.Transaction, error)
	TransactionsByClient(ctx context.Context, clientID string, page ledger.Page) ([]*ledger.Transaction, error)
	ClientBalance(ctx context.Context, accountID, clientID string, asOf ...ledger.AsOf) (decimal.Decimal, error)
	SubLedgerBalances(ctx context.Context, accountID string, asOf ...ledger.AsOf) (ledger.Balances, error)
	UnreconciledTransactions(ctx context.Context, accountID string) ([]*ledger.Transaction, error)
	Reconcile(ctx context.Context, accountID string, ids []string, reconciliationDate time.Time) (*ledger.ReconcileResult, error)
	ValidateAccountBalance(ctx context.Context, accountID string) (bool, error)
}

// Server implements the TrustLedger service.
type Server struct {
	ledger Ledger
	logger *slog.Logger
}

func NewServer(l Ledger, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{ledger: l, logger: logger}
}

// NewGRPCServer builds a grpc.Server carrying the ledger service and the
// standard health service.
func NewGRPCServer(l Ledger, logger *slog.Logger, opts ...grpc.ServerOption) *grpc.Server {
	s := NewServer(l, logger)
	opts = append(opts, grpc.ChainUnaryInterceptor(
		recoverInterceptor(s.logger),
		actorInterceptor,
		loggingInterceptor(s.logger),
	))
	gs := grpc.NewServer(opts...)
	gs.RegisterService(&ServiceDesc, s)

	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(gs, hs)
	return gs
}

type accountIDRequest struct {
	AccountID string `json:"account_id"`
}

type clientBalanceRequest struct {
	AccountID string     `json:"account_id"`
	ClientID  string     `json:"client_id"`
	AsOf      *time.Time `json:"as_of"`
}

type balancesRequest struct {
	AccountID string     `json:"account_id"`
	AsOf      *time.Time `json:"as_of"`
}

type listTransactionsRequest struct {
	AccountID string `json:"account_id"`
	ClientID  string `json:"client_id"`
	Limit     int    `json:"limit"`
	Offset    int    `json:"offset"`
}

type reconcileRequest struct {
	AccountID          string    `json:"account_id"`
	TransactionIDs     []string  `json:"transaction_ids"`
	ReconciliationDate time.Time `json:"reconciliation_date"`
}

type getTransactionRequest struct {
	TransactionID string `json:"transaction_id"`
}

func asOf(t *time.Time) []ledger.AsOf {
	if t == nil {
		return nil
	}
	return []ledger.AsOf{ledger.AsOf(*t)}
}

func (s *Server) CreateAccount(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req ledger.CreateAccountRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	acct, err := s.ledger.CreateAccount(ctx, req)
	return reply(map[string]any{"account": acct}, err)
}

func (s *Server) GetAccount(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req accountIDRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	acct, err := s.ledger.GetAccount(ctx, req.AccountID)
	return reply(map[string]any{"account": acct}, err)
}

func (s *Server) RecordDeposit(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req ledger.DepositRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	txn, err := s.ledger.RecordDeposit(ctx, req)
	return reply(map[string]any{"transaction": txn}, err)
}

func (s *Server) RecordWithdrawal(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req ledger.WithdrawalRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	txn, err := s.ledger.RecordWithdrawal(ctx, req)
	return reply(map[string]any{"transaction": txn}, err)
}

func (s *Server) RecordTransfer(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req ledger.TransferRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	out, inTxn, err := s.ledger.RecordTransfer(ctx, req)
	return reply(map[string]any{"out": out, "in": inTxn}, err)
}

func (s *Server) GetTransaction(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req getTransactionRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	txn, err := s.ledger.GetTransaction(ctx, req.TransactionID)
	return reply(map[string]any{"transaction": txn}, err)
}

// ListTransactions pages by account when account_id is set, otherwise by
// client.
func (s *Server) ListTransactions(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req listTransactionsRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	page := ledger.Page{Limit: req.Limit, Offset: req.Offset}
	var (
		txns []*ledger.Transaction
		err  error
	)
	switch {
	case req.AccountID != "":
		txns, err = s.ledger.TransactionsByAccount(ctx, req.AccountID, page)
	case req.ClientID != "":
		txns, err = s.ledger.TransactionsByClient(ctx, req.ClientID, page)
	default:
		return nil, status.Error(codes.InvalidArgument, "account_id or client_id is required")
	}
	return reply(map[string]any{"transactions": txns}, err)
}

func (s *Server) GetClientBalance(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req clientBalanceRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	bal, err := s.ledger.ClientBalance(ctx, req.AccountID, req.ClientID, asOf(req.AsOf)...)
	return reply(map[string]any{"account_id": req.AccountID, "client_id": req.ClientID, "balance": bal}, err)
}

func (s *Server) GetBalances(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req balancesRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	b, err := s.ledger.SubLedgerBalances(ctx, req.AccountID, asOf(req.AsOf)...)
	if err != nil {
		return nil, toStatus(err)
	}
	return reply(map[string]any{"account_id": req.AccountID, "total": b.Total(), "sub_ledgers": b.SubLedgers()}, nil)
}

func (s *Server) ListUnreconciled(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req accountIDRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	txns, err := s.ledger.UnreconciledTransactions(ctx, req.AccountID)
	return reply(map[string]any{"transactions": txns}, err)
}

// Reconcile returns the committed result with a mismatch field when the
// follow-up validation failed.
func (s *Server) Reconcile(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req reconcileRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	res, err := s.ledger.Reconcile(ctx, req.AccountID, req.TransactionIDs, req.ReconciliationDate)
	if err != nil && res == nil {
		return nil, toStatus(err)
	}
	out := map[string]any{"result": res}
	if err != nil {
		out["mismatch"] = err.Error()
	}
	return reply(out, nil)
}

func (s *Server) ValidateBalance(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req accountIDRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	ok, err := s.ledger.ValidateAccountBalance(ctx, req.AccountID)
	out := map[string]any{"account_id": req.AccountID, "balanced": ok}
	if err != nil {
		if _, isMismatch := mismatch(err); !isMismatch {
			return nil, toStatus(err)
		}
		out["mismatch"] = err.Error()
	}
	return reply(out, nil)
}

// decimalFields must arrive as strings; a Struct number is a float64 and
// would round the amount before it reaches the ledger.
var decimalFields = []string{"amount"}

// decode maps a Struct onto a request type through its JSON tags.
func decode(in *structpb.Struct, dst any) error {
	for _, name := range decimalFields {
		v, ok := in.GetFields()[name]
		if !ok {
			continue
		}
		if _, isString := v.GetKind().(*structpb.Value_StringValue); !isString {
			return status.Errorf(codes.InvalidArgument, "%s must be a decimal string", name)
		}
	}
	raw, err := in.MarshalJSON()
	if err != nil {
		return status.Errorf(codes.InvalidArgument, "malformed request: %v", err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return status.Errorf(codes.InvalidArgument, "malformed request: %v", err)
	}
	return nil
}

// reply encodes v as a Struct, or converts err to a status.
func reply(v any, err error) (*structpb.Struct, error) {
	if err != nil {
		return nil, toStatus(err)
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode reply: %v", err)
	}
	out := &structpb.Struct{}
	if err := out.UnmarshalJSON(raw); err != nil {
		return nil, status.Errorf(codes.Internal, "encode reply: %v", err)
	}
	return out, nil
}

func unary(method string, call func(*Server, context.Context, *structpb.Struct) (*structpb.Struct, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			s := srv.(*Server)
			if interceptor == nil {
				return call(s, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fmt.Sprintf("/%s/%s", ServiceName, method)}
			return interceptor(ctx, in, info, func(ctx context.Context, req interface{}) (interface{}, error) {
				return call(s, ctx, req.(*structpb.Struct))
			})
		},
	}
}

// ServiceDesc describes trustledger.v1.TrustLedger.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*interface{})(nil),
	Methods: []grpc.MethodDesc{
		unary("CreateAccount", (*Server).CreateAccount),
		unary("GetAccount", (*Server).GetAccount),
		unary("RecordDeposit", (*Server).RecordDeposit),
		unary("RecordWithdrawal", (*Server).RecordWithdrawal),
		unary("RecordTransfer", (*Server).RecordTransfer),
		unary("GetTransaction", (*Server).GetTransaction),
		unary("ListTransactions", (*Server).ListTransactions),
		unary("GetClientBalance", (*Server).GetClientBalance),
		unary("GetBalances", (*Server).GetBalances),
		unary("ListUnreconciled", (*Server).ListUnreconciled),
		unary("Reconcile", (*Server).Reconcile),
		unary("ValidateBalance", (*Server).ValidateBalance),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "trustledger/v1/trust_ledger.proto",
}
