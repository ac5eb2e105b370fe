package grpcserver

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/MarkoPoloResearchLab/chatledger/pkg/ledger"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

type stubLedger struct {
	users    map[string]ledger.User
	payments map[string]ledger.PaymentRecord
	err      error
}

func (stub *stubLedger) GetUser(_ context.Context, userID ledger.UserID) (ledger.User, error) {
	if stub.err != nil {
		return ledger.User{}, stub.err
	}
	user, ok := stub.users[userID.String()]
	if !ok {
		return ledger.User{}, ledger.ErrUnknownUser
	}
	return user, nil
}

func (stub *stubLedger) PaymentByTransaction(_ context.Context, transactionID ledger.TransactionID) (ledger.PaymentRecord, error) {
	record, ok := stub.payments[transactionID.String()]
	if !ok {
		return ledger.PaymentRecord{}, ledger.ErrPaymentNotFound
	}
	return record, nil
}

func (stub *stubLedger) Thread(context.Context, ledger.ThreadID) (ledger.Thread, error) {
	return ledger.Thread{}, ledger.ErrUnknownThread
}

func startServer(test *testing.T, paymentLedger Ledger) *AdminClient {
	test.Helper()
	listener := bufconn.Listen(1 << 20)
	server := grpc.NewServer()
	Register(server, NewLedgerAdminServer(paymentLedger))
	go func() {
		_ = server.Serve(listener)
	}()
	test.Cleanup(server.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return listener.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		test.Fatalf("dial: %v", err)
	}
	test.Cleanup(func() { _ = conn.Close() })
	return NewAdminClient(conn)
}

func seededLedger(test *testing.T) *stubLedger {
	test.Helper()
	userID, _ := ledger.NewUserID("alice")
	transactionID, _ := ledger.NewTransactionID("T1")
	orderCode, _ := ledger.NewOrderCode("9007199254740993")
	metadata, err := ledger.NewMetadataJSON(`{"plan":"pro"}`)
	if err != nil {
		test.Fatalf("metadata: %v", err)
	}
	return &stubLedger{
		users: map[string]ledger.User{
			"alice": {Identifier: userID, Balance: 10 * ledger.MicrosPerUnit, Metadata: metadata, CreatedUnixUTC: 1700000000},
		},
		payments: map[string]ledger.PaymentRecord{
			"T1": {ID: "p-1", UserID: userID, TransactionID: transactionID, OrderCode: orderCode, Amount: 1000, CreatedUnixUTC: 1700000000},
		},
	}
}

func TestGetUserOverGRPC(test *testing.T) {
	test.Parallel()
	client := startServer(test, seededLedger(test))
	response, err := client.GetUser(context.Background(), "alice")
	if err != nil {
		test.Fatalf("get user: %v", err)
	}
	fields := response.AsMap()
	if fields["balance"] != "10.000000" {
		test.Fatalf("unexpected balance %v", fields["balance"])
	}
	metadata, ok := fields["metadata"].(map[string]any)
	if !ok || metadata["plan"] != "pro" {
		test.Fatalf("unexpected metadata %v", fields["metadata"])
	}
}

func TestGetPaymentOverGRPC(test *testing.T) {
	test.Parallel()
	client := startServer(test, seededLedger(test))
	response, err := client.GetPayment(context.Background(), "T1")
	if err != nil {
		test.Fatalf("get payment: %v", err)
	}
	fields := response.AsMap()
	if fields["order_code"] != "9007199254740993" || fields["amount"] != float64(1000) {
		test.Fatalf("unexpected payment %v", fields)
	}
}

func TestErrorMapping(test *testing.T) {
	test.Parallel()
	client := startServer(test, seededLedger(test))
	cases := []struct {
		name     string
		call     func() error
		wantCode codes.Code
		wantMsg  string
	}{
		{name: "blank user", call: func() error { _, err := client.GetUser(context.Background(), " "); return err }, wantCode: codes.InvalidArgument, wantMsg: errorInvalidUserID},
		{name: "unknown user", call: func() error { _, err := client.GetUser(context.Background(), "bob"); return err }, wantCode: codes.NotFound, wantMsg: errorUnknownUser},
		{name: "unknown payment", call: func() error { _, err := client.GetPayment(context.Background(), "T9"); return err }, wantCode: codes.NotFound, wantMsg: errorPaymentNotFound},
		{name: "unknown thread", call: func() error { _, err := client.GetThread(context.Background(), "thread-1"); return err }, wantCode: codes.NotFound, wantMsg: errorUnknownThread},
	}
	for _, testCase := range cases {
		statusInfo, ok := status.FromError(testCase.call())
		if !ok || statusInfo.Code() != testCase.wantCode || statusInfo.Message() != testCase.wantMsg {
			test.Fatalf("%s: expected %s/%s, got %v", testCase.name, testCase.wantCode, testCase.wantMsg, statusInfo)
		}
	}
}

func TestInternalErrors(test *testing.T) {
	test.Parallel()
	client := startServer(test, &stubLedger{err: errors.New("connection reset")})
	_, err := client.GetUser(context.Background(), "alice")
	if status.Code(err) != codes.Internal {
		test.Fatalf("expected Internal, got %v", err)
	}
}

func TestHealthService(test *testing.T) {
	test.Parallel()
	listener := bufconn.Listen(1 << 20)
	server := grpc.NewServer()
	Register(server, NewLedgerAdminServer(seededLedger(test)))
	go func() {
		_ = server.Serve(listener)
	}()
	defer server.Stop()
	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return listener.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		test.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	response, err := healthpb.NewHealthClient(conn).Check(context.Background(), &healthpb.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		test.Fatalf("health check: %v", err)
	}
	if response.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		test.Fatalf("expected SERVING, got %s", response.GetStatus())
	}
}
