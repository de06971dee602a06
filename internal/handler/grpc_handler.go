package handler

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/pesio-ai/be-report-reviews/internal/common/errors"
	"github.com/pesio-ai/be-report-reviews/internal/service"
)

// ServiceName is the fully qualified gRPC service name. Every method takes
// and returns a google.protobuf.Struct carrying the JSON shape of the HTTP API.
const ServiceName = "reports.v1.ReportReviewService"

// GRPCHandler implements the ReportReviewService gRPC interface
type GRPCHandler struct {
	service *service.ReviewService
	names   NameResolver
	logger  zerolog.Logger
}

// NewGRPCHandler creates a new gRPC handler
func NewGRPCHandler(svc *service.ReviewService, names NameResolver, logger zerolog.Logger) *GRPCHandler {
	return &GRPCHandler{
		service: svc,
		names:   names,
		logger:  logger.With().Str("handler", "grpc").Logger(),
	}
}

// Register adds the service to s.
func (h *GRPCHandler) Register(s grpc.ServiceRegistrar) {
	s.RegisterService(h.serviceDesc(), h)
}

func (h *GRPCHandler) serviceDesc() *grpc.ServiceDesc {
	desc := &grpc.ServiceDesc{
		ServiceName: ServiceName,
		HandlerType: (*any)(nil),
		Streams:     []grpc.StreamDesc{},
		Metadata:    "reports/v1/report_review.proto",
	}
	for _, name := range []string{
		opSubmitReport, opGetPendingReviews, opGetMyReports, opGetReport, opGetWeightedApproval,
		opReview, opResubmitWorkflow, opCancelWorkflow, opDelegateReview, opEscalateReview,
		opSetStepDueDate, opRequestInformation, opConditionalApprove, opAddComment,
		opCreateWorkflowVersion, opReturnToStep, opBulkApprove, opBulkReject, opBulkReassign,
		opGetReviewerWorkload,
	} {
		desc.Methods = append(desc.Methods, h.method(name))
	}
	return desc
}

func (h *GRPCHandler) method(name string) grpc.MethodDesc {
	fullMethod := "/" + ServiceName + "/" + name
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			call := func(ctx context.Context, req any) (any, error) {
				return h.invoke(ctx, name, req.(*structpb.Struct))
			}
			if interceptor == nil {
				return call(ctx, in)
			}
			return interceptor(ctx, in, &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}, call)
		},
	}
}

func (h *GRPCHandler) invoke(ctx context.Context, name string, in *structpb.Struct) (*structpb.Struct, error) {
	userID := UserIDFromContext(ctx)
	if userID == "" {
		return nil, status.Error(codes.Unauthenticated, "missing "+userMetadataKey+" metadata")
	}

	raw, err := protojson.Marshal(in)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	req := &request{}
	if err := json.Unmarshal(raw, req); err != nil {
		return nil, mapErrorToGRPC(invalidBody(err))
	}

	result, err := operations[name](ctx, h.service, actorFor(h.names, userID), req)
	if err != nil {
		if errors.CodeOf(err) == errors.ErrCodeInternal {
			h.logger.Error().Err(err).Str("method", name).Msg("gRPC call failed")
		}
		return nil, mapErrorToGRPC(err)
	}
	return toStruct(result)
}

// toStruct converts a JSON-serialisable value into a Struct.
func toStruct(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	out := &structpb.Struct{}
	if err := protojson.Unmarshal(raw, out); err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}

func mapErrorToGRPC(err error) error {
	if err == nil {
		return nil
	}

	switch errors.CodeOf(err) {
	case errors.ErrCodeValidation:
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.ErrCodeNotFound:
		return status.Error(codes.NotFound, err.Error())
	case errors.ErrCodePermission:
		return status.Error(codes.PermissionDenied, err.Error())
	case errors.ErrCodeInvalidTransition, errors.ErrCodeTerminal:
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.ErrCodeConflict:
		return status.Error(codes.Aborted, err.Error())
	default:
		return status.Error(codes.Internal, "internal error")
	}
}
