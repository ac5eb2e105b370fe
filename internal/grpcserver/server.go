// Package grpcserver exposes read-only ledger inspection over gRPC.
package grpcserver

import (
	"context"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/chatledger/pkg/ledger"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const (
	ServiceName = "chatledger.admin.v1.LedgerAdmin"

	methodGetUser    = "GetUser"
	methodGetPayment = "GetPayment"
	methodGetThread  = "GetThread"

	errorInvalidUserID        = "invalid_user_id"
	errorInvalidTransactionID = "invalid_transaction_id"
	errorInvalidThreadID      = "invalid_thread_id"
	errorUnknownUser          = "unknown_user"
	errorPaymentNotFound      = "payment_not_found"
	errorUnknownThread        = "unknown_thread"
)

// Ledger is the read side of the ledger service.
type Ledger interface {
	GetUser(ctx context.Context, userID ledger.UserID) (ledger.User, error)
	PaymentByTransaction(ctx context.Context, transactionID ledger.TransactionID) (ledger.PaymentRecord, error)
	Thread(ctx context.Context, threadID ledger.ThreadID) (ledger.Thread, error)
}

// AdminServer is the server API of LedgerAdmin.
type AdminServer interface {
	GetUser(ctx context.Context, request *wrapperspb.StringValue) (*structpb.Struct, error)
	GetPayment(ctx context.Context, request *wrapperspb.StringValue) (*structpb.Struct, error)
	GetThread(ctx context.Context, request *wrapperspb.StringValue) (*structpb.Struct, error)
}

// LedgerAdminServer answers LedgerAdmin calls from a Ledger.
type LedgerAdminServer struct {
	ledger Ledger
}

// NewLedgerAdminServer constructs the admin server.
func NewLedgerAdminServer(paymentLedger Ledger) *LedgerAdminServer {
	return &LedgerAdminServer{ledger: paymentLedger}
}

// Register installs LedgerAdmin and the standard health service on server.
func Register(server *grpc.Server, admin AdminServer) *health.Server {
	server.RegisterService(&serviceDesc, admin)
	healthServer := health.NewServer()
	healthServer.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(server, healthServer)
	return healthServer
}

func (server *LedgerAdminServer) GetUser(ctx context.Context, request *wrapperspb.StringValue) (*structpb.Struct, error) {
	userID, err := ledger.NewUserID(request.GetValue())
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	user, err := server.ledger.GetUser(ctx, userID)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	metadata, err := decodeMetadata(user.Metadata)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	return structpb.NewStruct(map[string]any{
		"identifier": user.Identifier.String(),
		"balance":    user.Balance.String(),
		"metadata":   metadata,
		"created_at": formatUnix(user.CreatedUnixUTC),
		"updated_at": formatUnix(user.UpdatedUnixUTC),
	})
}

func (server *LedgerAdminServer) GetPayment(ctx context.Context, request *wrapperspb.StringValue) (*structpb.Struct, error) {
	transactionID, err := ledger.NewTransactionID(request.GetValue())
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	record, err := server.ledger.PaymentByTransaction(ctx, transactionID)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	return structpb.NewStruct(map[string]any{
		"id":             record.ID,
		"user_id":        record.UserID.String(),
		"transaction_id": record.TransactionID.String(),
		"order_code":     record.OrderCode.String(),
		"event_id":       record.EventID,
		"eci":            record.ECI,
		"amount":         record.Amount.Int64(),
		"created_at":     formatUnix(record.CreatedUnixUTC),
	})
}

func (server *LedgerAdminServer) GetThread(ctx context.Context, request *wrapperspb.StringValue) (*structpb.Struct, error) {
	threadID, err := ledger.NewThreadID(request.GetValue())
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	thread, err := server.ledger.Thread(ctx, threadID)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	return structpb.NewStruct(map[string]any{
		"id":            thread.ThreadID.String(),
		"user_id":       thread.UserID.String(),
		"input_tokens":  thread.InputTokens,
		"output_tokens": thread.OutputTokens,
		"total_tokens":  thread.TotalTokens,
		"updated_at":    formatUnix(thread.UpdatedUnixUTC),
	})
}

// AdminClient calls LedgerAdmin over a client connection.
type AdminClient struct {
	conn grpc.ClientConnInterface
}

// NewAdminClient wraps conn.
func NewAdminClient(conn grpc.ClientConnInterface) *AdminClient {
	return &AdminClient{conn: conn}
}

func (client *AdminClient) GetUser(ctx context.Context, userID string, options ...grpc.CallOption) (*structpb.Struct, error) {
	return client.invoke(ctx, methodGetUser, userID, options...)
}

func (client *AdminClient) GetPayment(ctx context.Context, transactionID string, options ...grpc.CallOption) (*structpb.Struct, error) {
	return client.invoke(ctx, methodGetPayment, transactionID, options...)
}

func (client *AdminClient) GetThread(ctx context.Context, threadID string, options ...grpc.CallOption) (*structpb.Struct, error) {
	return client.invoke(ctx, methodGetThread, threadID, options...)
}

func (client *AdminClient) invoke(ctx context.Context, method string, value string, options ...grpc.CallOption) (*structpb.Struct, error) {
	response := &structpb.Struct{}
	if err := client.conn.Invoke(ctx, "/"+ServiceName+"/"+method, wrapperspb.String(value), response, options...); err != nil {
		return nil, err
	}
	return response, nil
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*AdminServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: methodGetUser, Handler: unaryHandler(methodGetUser, AdminServer.GetUser)},
		{MethodName: methodGetPayment, Handler: unaryHandler(methodGetPayment, AdminServer.GetPayment)},
		{MethodName: methodGetThread, Handler: unaryHandler(methodGetThread, AdminServer.GetThread)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "chatledger/admin/v1/admin.proto",
}

type adminMethod func(AdminServer, context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)

func unaryHandler(method string, call adminMethod) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, decode func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		request := &wrapperspb.StringValue{}
		if err := decode(request); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(AdminServer), ctx, request)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + method}
		handler := func(ctx context.Context, request any) (any, error) {
			return call(srv.(AdminServer), ctx, request.(*wrapperspb.StringValue))
		}
		return interceptor(ctx, request, info, handler)
	}
}

func decodeMetadata(metadata ledger.MetadataJSON) (any, error) {
	value := &structpb.Value{}
	if err := value.UnmarshalJSON([]byte(metadata.String())); err != nil {
		return nil, err
	}
	return value.AsInterface(), nil
}

func formatUnix(unixUTC int64) string {
	return time.Unix(unixUTC, 0).UTC().Format(time.RFC3339)
}

func mapToGRPCError(source error) error {
	if errors.Is(source, ledger.ErrInvalidUserID) {
		return status.Error(codes.InvalidArgument, errorInvalidUserID)
	}
	if errors.Is(source, ledger.ErrInvalidTransactionID) {
		return status.Error(codes.InvalidArgument, errorInvalidTransactionID)
	}
	if errors.Is(source, ledger.ErrInvalidThreadID) {
		return status.Error(codes.InvalidArgument, errorInvalidThreadID)
	}
	if errors.Is(source, ledger.ErrUnknownUser) {
		return status.Error(codes.NotFound, errorUnknownUser)
	}
	if errors.Is(source, ledger.ErrPaymentNotFound) {
		return status.Error(codes.NotFound, errorPaymentNotFound)
	}
	if errors.Is(source, ledger.ErrUnknownThread) {
		return status.Error(codes.NotFound, errorUnknownThread)
	}
	return status.Error(codes.Internal, source.Error())
}
