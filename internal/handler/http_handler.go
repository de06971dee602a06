package handler

import (
	"encoding/json"
	stderrors "errors"
	"io"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/pesio-ai/be-report-reviews/internal/common/errors"
	"github.com/pesio-ai/be-report-reviews/internal/common/logger"
	"github.com/pesio-ai/be-report-reviews/internal/service"
)

// UserHeader carries the authenticated user id set by the API gateway.
const UserHeader = "X-User-ID"

// HTTPHandler handles HTTP requests
type HTTPHandler struct {
	service *service.ReviewService
	names   NameResolver
	log     *logger.Logger
}

// NewHTTPHandler creates a new HTTP handler
func NewHTTPHandler(svc *service.ReviewService, names NameResolver, log *logger.Logger) *HTTPHandler {
	return &HTTPHandler{
		service: svc,
		names:   names,
		log:     log.Component("http_handler"),
	}
}

// RegisterRoutes mounts the review API on r.
func (h *HTTPHandler) RegisterRoutes(r *mux.Router) {
	api := r.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/reports", h.handle(opSubmitReport)).Methods(http.MethodPost)
	api.HandleFunc("/reports/mine", h.handle(opGetMyReports)).Methods(http.MethodGet)
	api.HandleFunc("/reports/{id}", h.handle(opGetReport)).Methods(http.MethodGet)
	api.HandleFunc("/reports/{id}/weighted-approval", h.handle(opGetWeightedApproval)).Methods(http.MethodGet)
	api.HandleFunc("/reports/{id}/review", h.handle(opReview)).Methods(http.MethodPost)
	api.HandleFunc("/reports/{id}/resubmit", h.handle(opResubmitWorkflow)).Methods(http.MethodPost)
	api.HandleFunc("/reports/{id}/cancel", h.handle(opCancelWorkflow)).Methods(http.MethodPost)
	api.HandleFunc("/reports/{id}/delegate", h.handle(opDelegateReview)).Methods(http.MethodPost)
	api.HandleFunc("/reports/{id}/escalate", h.handle(opEscalateReview)).Methods(http.MethodPost)
	api.HandleFunc("/reports/{id}/steps/{stepId}/due-date", h.handle(opSetStepDueDate)).Methods(http.MethodPut)
	api.HandleFunc("/reports/{id}/request-information", h.handle(opRequestInformation)).Methods(http.MethodPost)
	api.HandleFunc("/reports/{id}/conditional-approve", h.handle(opConditionalApprove)).Methods(http.MethodPost)
	api.HandleFunc("/reports/{id}/comments", h.handle(opAddComment)).Methods(http.MethodPost)
	api.HandleFunc("/reports/{id}/versions", h.handle(opCreateWorkflowVersion)).Methods(http.MethodPost)
	api.HandleFunc("/reports/{id}/return", h.handle(opReturnToStep)).Methods(http.MethodPost)

	api.HandleFunc("/reviews/pending", h.handle(opGetPendingReviews)).Methods(http.MethodGet)
	api.HandleFunc("/reviews/bulk/approve", h.handle(opBulkApprove)).Methods(http.MethodPost)
	api.HandleFunc("/reviews/bulk/reject", h.handle(opBulkReject)).Methods(http.MethodPost)
	api.HandleFunc("/reviews/bulk/reassign", h.handle(opBulkReassign)).Methods(http.MethodPost)
	api.HandleFunc("/reviewers/workload", h.handle(opGetReviewerWorkload)).Methods(http.MethodGet)
}

// handle decodes the request, runs the named operation and writes JSON.
func (h *HTTPHandler) handle(name string) http.HandlerFunc {
	op := operations[name]
	return func(w http.ResponseWriter, r *http.Request) {
		userID := r.Header.Get(UserHeader)
		if userID == "" {
			writeJSON(w, http.StatusUnauthorized, map[string]errorBody{"error": {Code: "UNAUTHENTICATED", Message: "missing " + UserHeader + " header"}})
			return
		}

		req := &request{}
		if r.Body != nil && r.ContentLength != 0 && r.Method != http.MethodGet {
			if err := json.NewDecoder(r.Body).Decode(req); err != nil && err != io.EOF {
				h.writeError(w, invalidBody(err))
				return
			}
		}
		vars := mux.Vars(r)
		if id, ok := vars["id"]; ok {
			req.ReportID = id
		}
		if stepID, ok := vars["stepId"]; ok {
			req.StepID = stepID
		}
		q := r.URL.Query()
		for key, dst := range map[string]*string{
			"project_id":  &req.ProjectID,
			"phase":       &req.Phase,
			"reviewer_id": &req.ReviewerID,
		} {
			if v := q.Get(key); v != "" {
				*dst = v
			}
		}

		result, err := op(r.Context(), h.service, actorFor(h.names, userID), req)
		if err != nil {
			h.writeError(w, err)
			return
		}

		code := http.StatusOK
		if name == opSubmitReport {
			code = http.StatusCreated
		}
		writeJSON(w, code, result)
	}
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
}

// HTTPStatus maps an application error to its HTTP status.
func HTTPStatus(err error) int {
	switch errors.CodeOf(err) {
	case errors.ErrCodeValidation:
		return http.StatusBadRequest
	case errors.ErrCodeNotFound:
		return http.StatusNotFound
	case errors.ErrCodePermission:
		return http.StatusForbidden
	case errors.ErrCodeInvalidTransition, errors.ErrCodeTerminal, errors.ErrCodeConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (h *HTTPHandler) writeError(w http.ResponseWriter, err error) {
	status := HTTPStatus(err)
	body := errorBody{Code: string(errors.CodeOf(err)), Message: err.Error()}
	var appErr *errors.AppError
	if stderrors.As(err, &appErr) {
		body.Field = appErr.Field
	}
	if status == http.StatusInternalServerError {
		h.log.Error().Err(err).Msg("Request failed")
		body.Message = "internal error"
	}
	writeJSON(w, status, map[string]errorBody{"error": body})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
