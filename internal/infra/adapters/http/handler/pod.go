// Package httphandler implements the HTTP API endpoints by translating
// requests to application service calls and mapping domain errors back
// to HTTP status codes.
package httphandler

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/ferretworks/burrow/internal/application/provision"
	"github.com/ferretworks/burrow/internal/domain/job"
	"github.com/ferretworks/burrow/internal/domain/pod"
	"github.com/ferretworks/burrow/internal/domain/quota"
)

// PodHandler serves the pod lifecycle endpoints.
type PodHandler struct{ svc *provision.Service }

// NewPodHandler creates a pod handler over the intake service.
func NewPodHandler(svc *provision.Service) *PodHandler {
	return &PodHandler{svc: svc}
}

// jobResponse is the wire shape of a job.
type jobResponse struct {
	ID          int64          `json:"id"`
	PodID       *int64         `json:"pod_id,omitempty"`
	Type        string         `json:"type"`
	Status      string         `json:"status"`
	Attempts    int            `json:"attempts"`
	MaxAttempts int            `json:"max_attempts"`
	Result      map[string]any `json:"result,omitempty"`
	LastError   *string        `json:"last_error,omitempty"`
	ScheduledAt time.Time      `json:"scheduled_at"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

func toJobResponse(j *job.Job) jobResponse {
	return jobResponse{
		ID:          j.ID,
		PodID:       j.PodID,
		Type:        string(j.Type),
		Status:      string(j.Status),
		Attempts:    j.Attempts,
		MaxAttempts: j.MaxAttempts,
		Result:      j.Result,
		LastError:   j.LastError,
		ScheduledAt: j.ScheduledAt,
		CreatedAt:   j.CreatedAt,
		UpdatedAt:   j.UpdatedAt,
	}
}

// enqueueResponse is returned by every accepted mutating request.
type enqueueResponse struct {
	Pod          pod.ReadModel  `json:"pod"`
	Job          jobResponse    `json:"job"`
	Deduplicated bool           `json:"deduplicated,omitempty"`
	Links        map[string]any `json:"links"`
}

func toEnqueueResponse(res *provision.EnqueueResult) enqueueResponse {
	return enqueueResponse{
		Pod:          res.Pod,
		Job:          toJobResponse(res.Job),
		Deduplicated: res.Deduplicated,
		Links: map[string]any{
			"pod": fmt.Sprintf("/v1/pods/%d", res.Pod.ID),
			"job": fmt.Sprintf("/v1/jobs/%d", res.Job.ID),
		},
	}
}

// quotaResponse is the wire shape of a tenant's quota record.
type quotaResponse struct {
	TenantID int64          `json:"tenant_id"`
	Limits   map[string]int `json:"limits"`
	Usage    map[string]int `json:"usage"`
}

func toQuotaResponse(rec *quota.Record) quotaResponse {
	return quotaResponse{
		TenantID: rec.TenantID,
		Limits: map[string]int{
			"pods":      rec.MaxPods,
			"cpu_cores": rec.MaxCPUCores,
			"memory_mb": rec.MaxMemoryMB,
			"disk_gb":   rec.MaxDiskGB,
		},
		Usage: map[string]int{
			"pods":      rec.UsedPods,
			"cpu_cores": rec.UsedCPUCores,
			"memory_mb": rec.UsedMemoryMB,
			"disk_gb":   rec.UsedDiskGB,
		},
	}
}

// CreatePod handles POST /v1/pods.
func (h *PodHandler) CreatePod(w http.ResponseWriter, r *http.Request) {
	var params provision.CreatePodParams
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "Malformed request body")
		return
	}
	if params.IdempotencyKey == "" {
		params.IdempotencyKey = r.Header.Get("Idempotency-Key")
	}

	result, err := h.svc.CreatePod(r.Context(), params)
	if err != nil {
		h.writeIntakeError(w, err)
		return
	}

	status := http.StatusAccepted
	if result.Deduplicated {
		status = http.StatusOK
	}
	respondJSON(w, status, toEnqueueResponse(result))
}

// ScalePod handles POST /v1/pods/{podID}/scale.
func (h *PodHandler) ScalePod(w http.ResponseWriter, r *http.Request) {
	podID, ok := pathID(w, r, "podID")
	if !ok {
		return
	}

	var params provision.ScalePodParams
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "Malformed request body")
		return
	}
	params.PodID = podID
	if params.IdempotencyKey == "" {
		params.IdempotencyKey = r.Header.Get("Idempotency-Key")
	}

	result, err := h.svc.ScalePod(r.Context(), params)
	if err != nil {
		h.writeIntakeError(w, err)
		return
	}

	status := http.StatusAccepted
	if result.Deduplicated {
		status = http.StatusOK
	}
	respondJSON(w, status, toEnqueueResponse(result))
}

// DestroyPod handles DELETE /v1/pods/{podID}.
func (h *PodHandler) DestroyPod(w http.ResponseWriter, r *http.Request) {
	podID, ok := pathID(w, r, "podID")
	if !ok {
		return
	}

	params := provision.DestroyPodParams{
		PodID:          podID,
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
	}
	if tenantID := r.URL.Query().Get("tenant_id"); tenantID != "" {
		id, err := strconv.ParseInt(tenantID, 10, 64)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid_tenant_id", "tenant_id must be an integer")
			return
		}
		params.TenantID = id
	}
	if params.IdempotencyKey == "" {
		params.IdempotencyKey = fmt.Sprintf("destroy-pod-%d", podID)
	}

	result, err := h.svc.DestroyPod(r.Context(), params)
	if err != nil {
		h.writeIntakeError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, toEnqueueResponse(result))
}

// BackupPod handles POST /v1/pods/{podID}/backup.
func (h *PodHandler) BackupPod(w http.ResponseWriter, r *http.Request) {
	podID, ok := pathID(w, r, "podID")
	if !ok {
		return
	}

	var params provision.BackupPodParams
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "Malformed request body")
		return
	}
	params.PodID = podID
	if params.IdempotencyKey == "" {
		params.IdempotencyKey = r.Header.Get("Idempotency-Key")
	}

	result, err := h.svc.BackupPod(r.Context(), params)
	if err != nil {
		h.writeIntakeError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, toEnqueueResponse(result))
}

// HealthCheckPod handles POST /v1/pods/{podID}/health-check.
func (h *PodHandler) HealthCheckPod(w http.ResponseWriter, r *http.Request) {
	podID, ok := pathID(w, r, "podID")
	if !ok {
		return
	}

	params := provision.HealthCheckParams{
		PodID:          podID,
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
	}
	if tenantID := r.URL.Query().Get("tenant_id"); tenantID != "" {
		id, err := strconv.ParseInt(tenantID, 10, 64)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid_tenant_id", "tenant_id must be an integer")
			return
		}
		params.TenantID = id
	}

	result, err := h.svc.HealthCheckPod(r.Context(), params)
	if err != nil {
		h.writeIntakeError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, toEnqueueResponse(result))
}

// GetPod handles GET /v1/pods/{podID}.
func (h *PodHandler) GetPod(w http.ResponseWriter, r *http.Request) {
	podID, ok := pathID(w, r, "podID")
	if !ok {
		return
	}

	model, err := h.svc.GetPod(r.Context(), podID)
	if err != nil {
		h.writeIntakeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, model)
}

// ListTenantPods handles GET /v1/tenants/{tenantID}/pods.
func (h *PodHandler) ListTenantPods(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := pathID(w, r, "tenantID")
	if !ok {
		return
	}

	models, err := h.svc.ListTenantPods(r.Context(), tenantID)
	if err != nil {
		h.writeIntakeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"pods": models})
}

// GetQuota handles GET /v1/tenants/{tenantID}/quota.
func (h *PodHandler) GetQuota(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := pathID(w, r, "tenantID")
	if !ok {
		return
	}

	rec, err := h.svc.GetQuota(r.Context(), tenantID)
	if err != nil {
		h.writeIntakeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, toQuotaResponse(rec))
}

// GetJob handles GET /v1/jobs/{jobID}.
func (h *PodHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	jobID, ok := pathID(w, r, "jobID")
	if !ok {
		return
	}

	j, err := h.svc.GetJob(r.Context(), jobID)
	if err != nil {
		h.writeIntakeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, toJobResponse(j))
}

// CancelJob handles POST /v1/jobs/{jobID}/cancel.
func (h *PodHandler) CancelJob(w http.ResponseWriter, r *http.Request) {
	jobID, ok := pathID(w, r, "jobID")
	if !ok {
		return
	}

	var body struct {
		Reason string `json:"reason"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)

	j, err := h.svc.CancelJob(r.Context(), jobID, body.Reason)
	if err != nil {
		h.writeIntakeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, toJobResponse(j))
}

// quotaDeniedResponse is the wire shape of a rejected admission check.
type quotaDeniedResponse struct {
	Allowed bool            `json:"allowed"`
	Reason  string          `json:"reason"`
	Details quota.Violation `json:"details"`
}

// writeIntakeError maps application and domain errors to HTTP
// responses.
func (h *PodHandler) writeIntakeError(w http.ResponseWriter, err error) {
	var denied *provision.QuotaDeniedError
	var validationErrs validator.ValidationErrors

	switch {
	case errors.As(err, &denied):
		respondJSON(w, http.StatusConflict, quotaDeniedResponse{
			Allowed: false,
			Reason:  "QUOTA_EXCEEDED",
			Details: denied.Violation,
		})
	case errors.As(err, &validationErrs):
		respondErrorDetails(w, http.StatusBadRequest, "invalid_request",
			"Request failed validation", map[string]any{"fields": validationErrs.Error()})
	case errors.Is(err, pod.ErrPodNotFound):
		respondError(w, http.StatusNotFound, "pod_not_found", "No such pod")
	case errors.Is(err, job.ErrJobNotFound):
		respondError(w, http.StatusNotFound, "job_not_found", "No such job")
	case errors.Is(err, provision.ErrTenantMismatch):
		respondError(w, http.StatusNotFound, "pod_not_found", "No such pod")
	case errors.Is(err, pod.ErrHostnameTaken):
		respondError(w, http.StatusConflict, "hostname_taken", "A live pod already uses this hostname")
	case errors.Is(err, pod.ErrInvalidHostname):
		respondError(w, http.StatusBadRequest, "invalid_hostname",
			"Hostname must be a valid RFC 1123 label")
	case errors.Is(err, pod.ErrInvalidResources):
		respondError(w, http.StatusBadRequest, "invalid_resources",
			"Every resource dimension must be positive")
	case errors.Is(err, provision.ErrPodNotScalable):
		respondError(w, http.StatusConflict, "pod_not_scalable", "Pod must be active to scale")
	case errors.Is(err, pod.ErrInvalidTransition):
		respondError(w, http.StatusConflict, "invalid_state", "Pod state does not allow this operation")
	case errors.Is(err, job.ErrNotCancellable):
		respondError(w, http.StatusConflict, "not_cancellable",
			"Only queued jobs can be cancelled")
	default:
		respondError(w, http.StatusInternalServerError, "internal_error", "An internal error occurred")
	}
}

// pathID parses a positive integer path parameter, writing a 400 on
// failure.
func pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	raw := chi.URLParam(r, name)
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		respondError(w, http.StatusBadRequest, "invalid_id",
			fmt.Sprintf("%s must be a positive integer", name))
		return 0, false
	}
	return id, true
}
