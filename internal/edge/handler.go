// Package edge implements C8: the HTTP front end that accepts run
// requests, resolves images through C4, and dispatches to the C7
// worker pool (spec §4.8).
package edge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/programexplorer/pe/internal/errdefs"
	"github.com/programexplorer/pe/internal/imageservice"
	"github.com/programexplorer/pe/internal/pearchive"
	"github.com/programexplorer/pe/internal/wire"
	"github.com/programexplorer/pe/internal/worker"
)

// ArchiveContentType is the body content type spec §4.8 requires on
// both the request and the response.
const ArchiveContentType = "application/x.pe.archivev1"

// ImageResolver is the C4 surface edge depends on (the in-process
// imageservice.Cache or the IPC imageservice.Client satisfy it).
type ImageResolver interface {
	Materialize(ctx context.Context, ref, arch, goos string) (*imageservice.ImageRef, error)
}

// Submitter is the C7 surface edge depends on.
type Submitter interface {
	Submit(ctx context.Context, img *imageservice.ImageRef, hdr wire.RunHeader, inputArchive []byte) (*worker.Result, error)
}

// Handler wires C4 and C7 behind the HTTP surface of spec §4.8.
type Handler struct {
	Images        ImageResolver
	Pool          Submitter
	MaxInputBytes int64 // spec §4.8 "configured maximum input (typical 1 MiB)"
	log           *logrus.Entry
}

// NewHandler returns a Handler. maxInputBytes <= 0 defaults to 1 MiB.
func NewHandler(images ImageResolver, pool Submitter, maxInputBytes int64, log *logrus.Entry) *Handler {
	if maxInputBytes <= 0 {
		maxInputBytes = 1 << 20
	}
	return &Handler{Images: images, Pool: pool, MaxInputBytes: maxInputBytes, log: log.WithField("component", "edge")}
}

// Router returns the gorilla/mux router for this handler.
func (h *Handler) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/run/{arch}/{os}/{reference:.+}", h.handleRun).Methods(http.MethodPost)
	r.HandleFunc("/health", h.handleHealth).Methods(http.MethodGet)
	return r
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) handleRun(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	arch, goos, reference := vars["arch"], vars["os"], vars["reference"]
	log := h.log.WithFields(logrus.Fields{"arch": arch, "os": goos, "reference": reference})

	if r.ContentLength < 0 {
		http.Error(w, "Content-Length required", http.StatusLengthRequired)
		return
	}
	if r.ContentLength > h.MaxInputBytes {
		http.Error(w, fmt.Sprintf("request body exceeds %d bytes", h.MaxInputBytes), http.StatusRequestEntityTooLarge)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, h.MaxInputBytes+1))
	if err != nil {
		http.Error(w, "error reading body", http.StatusBadRequest)
		return
	}
	if int64(len(body)) > h.MaxInputBytes {
		http.Error(w, fmt.Sprintf("request body exceeds %d bytes", h.MaxInputBytes), http.StatusRequestEntityTooLarge)
		return
	}

	hdrBytes, inputArchive, err := wire.SplitEnvelope(body)
	if err != nil {
		http.Error(w, "malformed envelope: "+err.Error(), http.StatusBadRequest)
		return
	}
	hdr, err := wire.DecodeRunHeader(hdrBytes)
	if err != nil {
		http.Error(w, "malformed RunHeader: "+err.Error(), http.StatusBadRequest)
		return
	}
	if hdr.Stdin != "/dev/null" {
		if err := pearchive.ValidPath(hdr.Stdin); err != nil {
			http.Error(w, "invalid stdin path: "+err.Error(), http.StatusBadRequest)
			return
		}
	}

	img, err := h.Images.Materialize(r.Context(), reference, arch, goos)
	if err != nil {
		// spec §4.8 step 2: NotFound -> 404, any other error -> 502.
		if errdefs.IsNotFound(err) {
			http.Error(w, "image not found: "+err.Error(), http.StatusNotFound)
		} else {
			log.WithError(err).Warn("image resolution failed")
			http.Error(w, "image resolution failed", http.StatusBadGateway)
		}
		return
	}

	result, err := h.Pool.Submit(r.Context(), img, *hdr, inputArchive)
	if err != nil {
		// spec §4.8 step 4: TooBusy -> 429, any other error -> 500.
		if errdefs.IsUnavailable(err) {
			http.Error(w, "worker pool busy", http.StatusTooManyRequests)
		} else if errors.Is(err, context.Canceled) {
			// client disconnected; nothing useful to write back.
			return
		} else {
			log.WithError(err).Error("worker submit failed")
			http.Error(w, "internal error", http.StatusInternalServerError)
		}
		return
	}

	respBytes, err := wire.EncodeResponse(result.Response)
	if err != nil {
		log.WithError(err).Error("encode response")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", ArchiveContentType)
	w.WriteHeader(http.StatusOK)
	if err := wire.WriteEnvelope(w, respBytes, result.Output); err != nil {
		log.WithError(err).Warn("write response body")
	}
}
