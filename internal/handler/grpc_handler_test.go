package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/pesio-ai/be-report-reviews/internal/common/errors"
)

func newGRPCConn(t *testing.T) *grpc.ClientConn {
	t.Helper()
	return newLoggedGRPCConn(t, zerolog.Nop())
}

func newLoggedGRPCConn(t *testing.T, log zerolog.Logger) *grpc.ClientConn {
	t.Helper()
	svc, dir := newTestService(t)

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer(grpc.ChainUnaryInterceptor(
		RecoveryInterceptor(log),
		IdentityInterceptor,
		LoggingInterceptor(log),
	))
	NewGRPCHandler(svc, dir, log).Register(srv)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func call(conn *grpc.ClientConn, user, method string, in map[string]any) (*structpb.Struct, error) {
	req, err := structpb.NewStruct(in)
	if err != nil {
		return nil, err
	}
	ctx := context.Background()
	if user != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, userMetadataKey, user)
	}
	out := &structpb.Struct{}
	err = conn.Invoke(ctx, "/"+ServiceName+"/"+method, req, out)
	return out, err
}

func TestGRPC_ReviewFlow(t *testing.T) {
	conn := newGRPCConn(t)

	out, err := call(conn, "uploader", opSubmitReport, map[string]any{
		"project_id": testProject, "name": "March close", "template_id": "two-step",
		"file_ids": []any{"f1"},
	})
	require.NoError(t, err)
	report := out.Fields["report"].GetStructValue()
	id := report.Fields["id"].GetStringValue()
	require.NotEmpty(t, id)
	assert.Equal(t, "rev-1", report.Fields["current_reviewer_id"].GetStringValue())
	assert.Equal(t, 1.0, out.Fields["workflow"].GetStructValue().Fields["version"].GetNumberValue())

	out, err = call(conn, "rev-1", opReview, map[string]any{
		"report_id": id, "action": "approve", "expected_version": 1,
	})
	require.NoError(t, err)
	assert.Equal(t, 2.0, out.Fields["workflow"].GetStructValue().Fields["version"].GetNumberValue())

	_, err = call(conn, "rev-2", opReview, map[string]any{
		"report_id": id, "action": "approve", "expected_version": 1,
	})
	assert.Equal(t, codes.Aborted, status.Code(err))

	_, err = call(conn, "rev-1", opReview, map[string]any{
		"report_id": id, "action": "approve", "expected_version": 2,
	})
	assert.Equal(t, codes.PermissionDenied, status.Code(err))

	out, err = call(conn, "rev-2", opGetPendingReviews, map[string]any{"project_id": testProject})
	require.NoError(t, err)
	assert.Len(t, out.Fields["reviews"].GetListValue().GetValues(), 1)

	out, err = call(conn, "rev-2", opGetWeightedApproval, map[string]any{"report_id": id})
	require.NoError(t, err)
	assert.Equal(t, 1.0, out.Fields["approved_weight"].GetNumberValue())
}

func TestGRPC_Errors(t *testing.T) {
	conn := newGRPCConn(t)

	_, err := call(conn, "", opGetPendingReviews, nil)
	assert.Equal(t, codes.Unauthenticated, status.Code(err))

	_, err = call(conn, "rev-1", opGetReport, map[string]any{"report_id": "missing"})
	assert.Equal(t, codes.NotFound, status.Code(err))

	_, err = call(conn, "uploader", opSubmitReport, map[string]any{"project_id": testProject})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = call(conn, "rev-1", opReview, map[string]any{"report_id": "r", "expected_version": "one"})
	assert.Equal(t, codes.InvalidArgument, status.Code(err), "malformed payloads are rejected")
}

// lockedBuffer is written from server goroutines and read by the test.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) lines(t *testing.T) []map[string]any {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []map[string]any
	for _, l := range strings.Split(strings.TrimSpace(b.buf.String()), "\n") {
		var entry map[string]any
		require.NoError(t, json.Unmarshal([]byte(l), &entry), l)
		out = append(out, entry)
	}
	return out
}

func TestGRPC_LogsOneLinePerCall(t *testing.T) {
	var buf lockedBuffer
	conn := newLoggedGRPCConn(t, zerolog.New(&buf))

	_, err := call(conn, "rev-1", opGetPendingReviews, map[string]any{"project_id": testProject})
	require.NoError(t, err)
	_, err = call(conn, "rev-1", opGetReport, map[string]any{"report_id": "missing"})
	require.Error(t, err)

	lines := buf.lines(t)
	require.Len(t, lines, 2)
	assert.Equal(t, "/"+ServiceName+"/"+opGetPendingReviews, lines[0]["method"])
	assert.Equal(t, "rev-1", lines[0]["user_id"])
	assert.Equal(t, "OK", lines[0]["code"])
	assert.Equal(t, "NotFound", lines[1]["code"])
}

func TestMapErrorToGRPC(t *testing.T) {
	tests := []struct {
		err  error
		want codes.Code
	}{
		{errors.InvalidInput("x", "bad"), codes.InvalidArgument},
		{errors.NotFound("report", "r"), codes.NotFound},
		{errors.PermissionDenied("no"), codes.PermissionDenied},
		{errors.InvalidTransition("no"), codes.FailedPrecondition},
		{errors.Terminal("wf", "approved"), codes.FailedPrecondition},
		{errors.Conflict("wf", 1, 2), codes.Aborted},
		{fmt.Errorf("db down"), codes.Internal},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, status.Code(mapErrorToGRPC(tt.err)), "%v", tt.err)
	}
	assert.NoError(t, mapErrorToGRPC(nil))

	st, _ := status.FromError(mapErrorToGRPC(fmt.Errorf("password=secret")))
	assert.Equal(t, "internal error", st.Message())
}

func TestRecoveryInterceptor(t *testing.T) {
	interceptor := RecoveryInterceptor(zerolog.Nop())
	_, err := interceptor(context.Background(), nil, &grpc.UnaryServerInfo{FullMethod: "/x/Y"},
		func(ctx context.Context, req any) (any, error) { panic("boom") })
	assert.Equal(t, codes.Internal, status.Code(err))
}

func TestIdentityInterceptor(t *testing.T) {
	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs(userMetadataKey, "rev-7"))
	var seen string
	_, err := IdentityInterceptor(ctx, nil, &grpc.UnaryServerInfo{}, func(ctx context.Context, req any) (any, error) {
		seen = UserIDFromContext(ctx)
		return nil, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "rev-7", seen)
	assert.Empty(t, UserIDFromContext(context.Background()))
}
