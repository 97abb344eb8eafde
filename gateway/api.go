package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/scanplane-labs/scanplane-go/internal/domain"
	"github.com/scanplane-labs/scanplane-go/internal/notify"
	"github.com/scanplane-labs/scanplane-go/internal/platform/callbacktoken"
	"github.com/scanplane-labs/scanplane-go/internal/platform/clock"
	"github.com/scanplane-labs/scanplane-go/internal/platform/objectstore"
	"github.com/scanplane-labs/scanplane-go/internal/repo"
)

const maxLogBytes = 10 << 20 // 10 MiB

type publisher interface {
	Publish(ctx context.Context, topic, detailType string, detail any) error
}

// callbackAPI is the surface a running control reports back through. Every
// route is authenticated by the callback token minted at dispatch; the token
// claims must match the path identifiers.
type callbackAPI struct {
	logger         *slog.Logger
	executions     repo.ExecutionRepository
	lifecycles     repo.LifecycleRepository
	store          *objectstore.Store
	publisher      publisher
	notifier       *notify.Notifier
	env            string
	tokenSecret    string
	maxUploadFiles int
	clock          clock.Clock
}

func newCallbackAPI(
	logger *slog.Logger,
	executions repo.ExecutionRepository,
	lifecycles repo.LifecycleRepository,
	store *objectstore.Store,
	pub publisher,
	notifier *notify.Notifier,
	env string,
	tokenSecret string,
	maxUploadFiles int,
	clk clock.Clock,
) *callbackAPI {
	if clk == nil {
		clk = clock.New()
	}
	return &callbackAPI{
		logger:         logger,
		executions:     executions,
		lifecycles:     lifecycles,
		store:          store,
		publisher:      pub,
		notifier:       notifier,
		env:            env,
		tokenSecret:    tokenSecret,
		maxUploadFiles: maxUploadFiles,
		clock:          clk,
	}
}

func (api *callbackAPI) register(mux *http.ServeMux) {
	mux.Handle("POST /execution/{jit_event}/{execution}/register", api.authenticated(api.handleRegister))
	mux.Handle("POST /execution/{jit_event}/{execution}/complete", api.authenticated(api.handleComplete))
	mux.Handle("POST /execution/{jit_event}/{execution}/log", api.authenticated(api.handleLog))
	mux.Handle("POST /execution/{jit_event}/{execution}/upload-urls", api.authenticated(api.handleUploadURLs))
}

type ctxKeyClaims struct{}

// authenticated verifies the callback token and binds it to the path. A valid
// token for a different execution is rejected: tokens are single-execution
// credentials.
func (api *callbackAPI) authenticated(next func(http.ResponseWriter, *http.Request, domain.Identifiers)) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer"))
		claims, err := callbacktoken.Verify(api.tokenSecret, token, api.clock.Now())
		if errors.Is(err, callbacktoken.ErrTokenExpired) {
			api.writeError(w, r, http.StatusUnauthorized, "token_expired")
			return
		}
		if err != nil {
			api.writeError(w, r, http.StatusUnauthorized, "token_invalid")
			return
		}
		if claims.JitEventID != r.PathValue("jit_event") || claims.ExecutionID != r.PathValue("execution") {
			api.writeError(w, r, http.StatusForbidden, "token_execution_mismatch")
			return
		}
		ids := domain.Identifiers{
			TenantID:    claims.TenantID,
			JitEventID:  claims.JitEventID,
			ExecutionID: claims.ExecutionID,
		}
		r = r.WithContext(context.WithValue(r.Context(), ctxKeyClaims{}, claims))
		next(w, r, ids)
	})
}

type registerRequest struct {
	RunID string `json:"run_id,omitempty"`
}

func (api *callbackAPI) handleRegister(w http.ResponseWriter, r *http.Request, ids domain.Identifiers) {
	var req registerRequest
	if err := decodeJSON(r, &req); err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_json")
		return
	}

	current, err := api.executions.Get(r.Context(), ids)
	if errors.Is(err, domain.ErrExecutionNotFound) {
		api.writeError(w, r, http.StatusNotFound, "execution_not_found")
		return
	}
	if err != nil {
		api.logger.Error("register load failed", "execution_id", ids.ExecutionID, "error", err)
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}

	// The running deadline was set at dispatch; registration keeps it.
	deadline := current.ExecutionTimeout
	if deadline == nil {
		t := api.clock.Now().Add(time.Hour)
		deadline = &t
	}
	updated, err := api.executions.UpdateStatus(r.Context(), repo.UpdateStatusRequest{
		Identifiers:      ids,
		Status:           domain.StatusRunning,
		ExecutionTimeout: deadline,
		RunID:            strings.TrimSpace(req.RunID),
	})
	if domain.IsBenignTransitionFailure(err) {
		// Redelivered register call; the row already moved on.
		api.writeJSON(w, http.StatusOK, map[string]any{"status": current.Status})
		return
	}
	if err != nil {
		api.logger.Error("register transition failed", "execution_id", ids.ExecutionID, "error", err)
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}
	api.writeJSON(w, http.StatusOK, map[string]any{"status": updated.Status})
}

type completeRequest struct {
	ControlStatus domain.ControlStatus    `json:"control_status"`
	HasFindings   *bool                   `json:"has_findings,omitempty"`
	ErrorBody     string                  `json:"error_body,omitempty"`
	Stderr        string                  `json:"stderr,omitempty"`
	JobOutput     map[string]any          `json:"job_output,omitempty"`
	Errors        []domain.ExecutionError `json:"errors,omitempty"`
}

func (api *callbackAPI) handleComplete(w http.ResponseWriter, r *http.Request, ids domain.Identifiers) {
	var req completeRequest
	if err := decodeJSON(r, &req); err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_json")
		return
	}
	if req.ControlStatus != domain.ControlStatusCompleted && req.ControlStatus != domain.ControlStatusFailed {
		api.writeError(w, r, http.StatusBadRequest, "invalid_control_status")
		return
	}

	_, err := api.executions.UpdateControlCompleted(r.Context(), repo.ControlCompletedUpdate{
		Identifiers:   ids,
		ControlStatus: req.ControlStatus,
		HasFindings:   req.HasFindings,
		ErrorBody:     req.ErrorBody,
		Stderr:        req.Stderr,
		JobOutput:     req.JobOutput,
		Errors:        req.Errors,
	})
	if errors.Is(err, domain.ErrExecutionNotFound) {
		api.writeError(w, r, http.StatusNotFound, "execution_not_found")
		return
	}
	if domain.IsBenignTransitionFailure(err) {
		// The watchdog or a redelivered call completed the row already.
		api.writeJSON(w, http.StatusOK, map[string]any{"status": "already_completed"})
		return
	}
	if err != nil {
		api.logger.Error("complete update failed", "execution_id", ids.ExecutionID, "error", err)
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}

	target := domain.StatusCompleted
	if req.ControlStatus == domain.ControlStatusFailed {
		target = domain.StatusFailed
	}
	updated, err := api.executions.UpdateStatus(r.Context(), repo.UpdateStatusRequest{
		Identifiers: ids,
		Status:      target,
	})
	if domain.IsBenignTransitionFailure(err) {
		api.writeJSON(w, http.StatusOK, map[string]any{"status": "already_completed"})
		return
	}
	if err != nil {
		api.logger.Error("complete transition failed", "execution_id", ids.ExecutionID, "error", err)
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}

	api.finishExecution(r.Context(), updated)
	api.writeJSON(w, http.StatusOK, map[string]any{"status": updated.Status})
}

// finishExecution runs the post-completion fan-out: completed event, failed
// control post-mortem, lifecycle accounting. None of it may fail the callback.
func (api *callbackAPI) finishExecution(ctx context.Context, e domain.Execution) {
	if err := api.publisher.Publish(ctx, domain.TopicExecution, domain.DetailExecutionCompleted, e); err != nil {
		api.logger.Error("publish execution completed failed", "execution_id", e.ExecutionID, "error", err)
	}

	if e.Status == domain.StatusFailed {
		channel := notify.ControlErrorsChannel(api.env)
		if e.HasUserInputError() {
			channel = notify.UserMisconfigChannel(api.env)
		}
		api.notifier.Notify(ctx, domain.OperatorNotification{
			Channel:     channel,
			Title:       "control " + e.ControlName + " failed",
			Body:        strings.TrimSpace(e.ErrorBody + "\n" + e.Stderr),
			TenantID:    e.TenantID,
			JitEventID:  e.JitEventID,
			ExecutionID: e.ExecutionID,
		})
	}

	remaining, err := api.lifecycles.DecrementRemainingAssets(ctx, e.TenantID, e.JitEventID)
	if errors.Is(err, domain.ErrDataNotFound) {
		return
	}
	if err != nil {
		api.logger.Error("lifecycle decrement failed", "jit_event_id", e.JitEventID, "error", err)
		return
	}
	if remaining == 0 {
		event := domain.LifeCycleEvent{
			TenantID:   e.TenantID,
			JitEventID: e.JitEventID,
			Phase:      domain.DetailLifeCycleCompleted,
		}
		if err := api.publisher.Publish(ctx, domain.TopicJitEventLifeCycle, domain.DetailLifeCycleCompleted, event); err != nil {
			api.logger.Error("publish lifecycle completed failed", "jit_event_id", e.JitEventID, "error", err)
		}
	}
}

func (api *callbackAPI) handleLog(w http.ResponseWriter, r *http.Request, ids domain.Identifiers) {
	if _, err := api.executions.Get(r.Context(), ids); errors.Is(err, domain.ErrExecutionNotFound) {
		api.writeError(w, r, http.StatusNotFound, "execution_not_found")
		return
	} else if err != nil {
		api.logger.Error("log load failed", "execution_id", ids.ExecutionID, "error", err)
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxLogBytes))
	if err != nil {
		api.writeError(w, r, http.StatusRequestEntityTooLarge, "log_too_large")
		return
	}
	if err := api.store.ArchiveLog(r.Context(), ids.TenantID, ids.JitEventID, ids.ExecutionID, body); err != nil {
		api.logger.Error("log archive failed", "execution_id", ids.ExecutionID, "error", err)
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}
	api.writeJSON(w, http.StatusCreated, map[string]any{
		"key": objectstore.LogKey(ids.TenantID, ids.JitEventID, ids.ExecutionID),
	})
}

type uploadURLsRequest struct {
	Files []string `json:"files"`
}

type uploadURL struct {
	FileName string `json:"file_name"`
	URL      string `json:"url"`
}

func (api *callbackAPI) handleUploadURLs(w http.ResponseWriter, r *http.Request, ids domain.Identifiers) {
	var req uploadURLsRequest
	if err := decodeJSON(r, &req); err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_json")
		return
	}
	if len(req.Files) > api.maxUploadFiles {
		api.writeError(w, r, http.StatusRequestEntityTooLarge, "too_many_files")
		return
	}

	if _, err := api.executions.Get(r.Context(), ids); errors.Is(err, domain.ErrExecutionNotFound) {
		api.writeError(w, r, http.StatusNotFound, "execution_not_found")
		return
	} else if err != nil {
		api.logger.Error("upload-urls load failed", "execution_id", ids.ExecutionID, "error", err)
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}

	if len(req.Files) == 0 {
		api.writeJSON(w, http.StatusOK, map[string]any{"uploads": []uploadURL{}})
		return
	}

	uploads := make([]uploadURL, 0, len(req.Files))
	for _, fileName := range req.Files {
		fileName = strings.TrimSpace(fileName)
		if fileName == "" {
			api.writeError(w, r, http.StatusBadRequest, "empty_file_name")
			return
		}
		presigned, err := api.store.PresignUpload(r.Context(), ids.TenantID, ids.JitEventID, ids.ExecutionID, fileName)
		if err != nil {
			api.logger.Error("presign failed", "execution_id", ids.ExecutionID, "file", fileName, "error", err)
			api.writeError(w, r, http.StatusInternalServerError, "internal_error")
			return
		}
		uploads = append(uploads, uploadURL{FileName: fileName, URL: presigned.String()})
	}
	api.writeJSON(w, http.StatusCreated, map[string]any{"uploads": uploads})
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("multiple JSON values")
	}
	return nil
}

func (api *callbackAPI) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(true)
	_ = enc.Encode(body)
}

func (api *callbackAPI) writeError(w http.ResponseWriter, r *http.Request, status int, code string) {
	api.writeJSON(w, status, map[string]any{
		"error":      code,
		"request_id": r.Header.Get("X-Request-Id"),
	})
}
