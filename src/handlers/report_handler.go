// src/handlers/report_handler.go
package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/username/cryptotax/src/logger"
	"github.com/username/cryptotax/src/models"
	"github.com/username/cryptotax/src/services"
	"github.com/username/cryptotax/src/utils"
)

const maxBodyBytes = 5 << 20

type ReportHandler struct {
	taxService services.TaxService
	jobs       *services.ReportJobs
}

func NewReportHandler(taxService services.TaxService, jobs *services.ReportJobs) *ReportHandler {
	return &ReportHandler{taxService: taxService, jobs: jobs}
}

// HandleCreateReport starts an asynchronous report and returns its job ID.
func (h *ReportHandler) HandleCreateReport(w http.ResponseWriter, r *http.Request) {
	var req services.ReportRequest
	if err := decodeBody(w, r, &req); err != nil {
		utils.SendJSONError(w, err.Error(), http.StatusBadRequest, "invalid_request")
		return
	}

	id, err := h.jobs.Start(req)
	if err != nil {
		sendServiceError(w, err)
		return
	}

	utils.SendJSON(w, map[string]string{
		"id":         id,
		"status_url": "/api/reports/" + id,
		"events_url": "/api/reports/" + id + "/events",
	}, http.StatusAccepted)
}

// HandleGetReport returns the job snapshot, honouring If-None-Match.
func (h *ReportHandler) HandleGetReport(w http.ResponseWriter, r *http.Request) {
	job, err := h.jobs.Get(chi.URLParam(r, "id"))
	if err != nil {
		sendServiceError(w, err)
		return
	}

	etag, err := utils.GenerateETag(job)
	if err != nil {
		logger.FromContext(r.Context()).Error("Failed to generate ETag for report", "jobID", job.ID, "error", err)
		sendServiceError(w, err)
		return
	}
	quoted := `"` + etag + `"`
	w.Header().Set("ETag", quoted)
	if r.Header.Get("If-None-Match") == quoted {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	utils.SendJSON(w, job, http.StatusOK)
}

// HandleReportEvents streams progress as server-sent events. The stream ends
// with a "result" event carrying the final job.
func (h *ReportHandler) HandleReportEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		utils.SendJSONError(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	id := chi.URLParam(r, "id")
	snapshot, events, cancel, err := h.jobs.Subscribe(id)
	if err != nil {
		sendServiceError(w, err)
		return
	}
	defer cancel()

	// Streams outlive the server's WriteTimeout.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	writeEvent(w, "progress", snapshot.Progress)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			logger.FromContext(r.Context()).Debug("Report event stream closed by client", "jobID", id)
			return
		case ev, open := <-events:
			if !open {
				final, err := h.jobs.Get(id)
				if err != nil {
					writeEvent(w, "error", map[string]string{"error": err.Error()})
				} else {
					writeEvent(w, "result", final)
				}
				flusher.Flush()
				return
			}
			writeEvent(w, "progress", ev)
			flusher.Flush()
		}
	}
}

type calculateRequest struct {
	FiscalYear   int                            `json:"fiscal_year"`
	Transactions []models.NormalizedTransaction `json:"transactions"`
}

// HandleCalculate runs the engine synchronously over transactions in the body.
func (h *ReportHandler) HandleCalculate(w http.ResponseWriter, r *http.Request) {
	var req calculateRequest
	if err := decodeBody(w, r, &req); err != nil {
		utils.SendJSONError(w, err.Error(), http.StatusBadRequest, "invalid_request")
		return
	}

	result, err := h.taxService.Calculate(r.Context(), req.Transactions, req.FiscalYear)
	if err != nil {
		sendServiceError(w, err)
		return
	}
	utils.SendJSON(w, result, http.StatusOK)
}

func writeEvent(w http.ResponseWriter, name string, data any) {
	payload, err := json.Marshal(data)
	if err != nil {
		logger.L.Error("Failed to encode server-sent event", "event", name, "error", err)
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, payload)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return fmt.Errorf("request body too large (max %d MB)", maxBodyBytes>>20)
		}
		return fmt.Errorf("invalid request body: %v", err)
	}
	return nil
}
