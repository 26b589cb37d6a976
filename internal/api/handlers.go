package api

import (
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/meshforge/orchestrator/internal/blobstore"
	"github.com/meshforge/orchestrator/internal/classify"
	"github.com/meshforge/orchestrator/internal/docstore"
	"github.com/meshforge/orchestrator/internal/logging"
	"github.com/meshforge/orchestrator/internal/pipeline"
	"github.com/meshforge/orchestrator/internal/poller"
	"github.com/meshforge/orchestrator/internal/provider"
)

// Server bundles the eleven command handlers with their collaborators.
type Server struct {
	engine   *pipeline.Engine
	poller   *poller.Poller
	blobs    blobstore.BlobStore
	registry *provider.Registry
}

// NewServer builds a Server wired to the pipeline engine, status poller,
// blob store, and provider registry.
func NewServer(engine *pipeline.Engine, p *poller.Poller, blobs blobstore.BlobStore, registry *provider.Registry) *Server {
	return &Server{engine: engine, poller: p, blobs: blobs, registry: registry}
}

// maxUploadBytes bounds the multipart form createPipeline accepts for its
// input images.
const maxUploadBytes = 32 << 20

func angleFromString(s string) (docstore.Angle, bool) {
	a := docstore.Angle(s)
	for _, candidate := range docstore.Angles {
		if candidate == a {
			return a, true
		}
	}
	return "", false
}

func statusFromQuery(s string) (*docstore.Status, error) {
	if s == "" {
		return nil, nil
	}
	st := docstore.Status(s)
	return &st, nil
}

// createPipeline handles POST /pipelines: a multipart form carrying one or
// more "images" files plus the generation settings as form fields.
func (s *Server) createPipeline(w http.ResponseWriter, r *http.Request) {
	userID := logging.GetUserID(r.Context())
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeServiceError(w, r, classify.InvalidArgument("invalid multipart form: "+err.Error()))
		return
	}
	files := r.MultipartForm.File["images"]
	if len(files) == 0 {
		writeServiceError(w, r, classify.InvalidArgument("at least one input image is required"))
		return
	}

	paths := make([]string, 0, len(files))
	for _, fh := range files {
		f, err := fh.Open()
		if err != nil {
			writeServiceError(w, r, classify.InvalidArgument("unreadable upload: "+err.Error()))
			return
		}
		data, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			writeServiceError(w, r, classify.InvalidArgument("unreadable upload: "+err.Error()))
			return
		}
		path := fmt.Sprintf("uploads/%s/%s_%s", userID, uuid.NewString(), fh.Filename)
		if _, err := s.blobs.PutBytes(r.Context(), path, data, fh.Header.Get("Content-Type")); err != nil {
			writeServiceError(w, r, classify.Internal("store input image", err))
			return
		}
		paths = append(paths, path)
	}

	settings := docstore.Settings{
		Quality:       r.FormValue("quality"),
		PrinterType:   r.FormValue("printerType"),
		Format:        r.FormValue("format"),
		SelectedStyle: r.FormValue("style"),
	}
	mode := docstore.ProcessingMode(r.FormValue("processingMode"))

	p, err := s.engine.Create(r.Context(), userID, paths, settings, mode, r.FormValue("userDescription"), nil, r.FormValue("generationMode"), r.FormValue("style"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (s *Server) getPipeline(w http.ResponseWriter, r *http.Request) {
	userID := logging.GetUserID(r.Context())
	id := mux.Vars(r)["id"]
	p, err := s.engine.Get(r.Context(), id, userID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) listPipelines(w http.ResponseWriter, r *http.Request) {
	userID := logging.GetUserID(r.Context())
	status, err := statusFromQuery(r.URL.Query().Get("status"))
	if err != nil {
		writeServiceError(w, r, classify.InvalidArgument(err.Error()))
		return
	}
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeServiceError(w, r, classify.InvalidArgument("limit must be a positive integer"))
			return
		}
		limit = n
	}
	rows, err := s.engine.List(r.Context(), userID, status, limit)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

type analyzeImageRequest struct {
	ColorCount  int    `json:"colorCount"`
	PrinterType string `json:"printerType"`
	Locale      string `json:"locale"`
	Style       string `json:"style"`
}

func (s *Server) analyzeImage(w http.ResponseWriter, r *http.Request) {
	userID := logging.GetUserID(r.Context())
	id := mux.Vars(r)["id"]
	var req analyzeImageRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		writeServiceError(w, r, classify.InvalidArgument("invalid request body: "+err.Error()))
		return
	}

	p, err := s.engine.Get(r.Context(), id, userID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if len(p.InputImages) == 0 {
		writeServiceError(w, r, classify.FailedPrecondition("pipeline has no input image"))
		return
	}
	refBytes, err := s.blobs.Get(r.Context(), p.InputImages[0])
	if err != nil {
		writeServiceError(w, r, classify.Internal("load reference image", err))
		return
	}

	updated, err := s.engine.Analyze(r.Context(), id, userID, refBytes, req.ColorCount, req.PrinterType, req.Locale, req.Style)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) updatePipelineAnalysis(w http.ResponseWriter, r *http.Request) {
	userID := logging.GetUserID(r.Context())
	id := mux.Vars(r)["id"]
	var analysis docstore.Analysis
	if err := decodeJSON(r.Body, &analysis); err != nil {
		writeServiceError(w, r, classify.InvalidArgument("invalid request body: "+err.Error()))
		return
	}
	p, err := s.engine.UpdatePipelineAnalysis(r.Context(), id, userID, analysis)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) generateViews(w http.ResponseWriter, r *http.Request) {
	userID := logging.GetUserID(r.Context())
	id := mux.Vars(r)["id"]
	p, err := s.engine.GenerateViews(r.Context(), id, userID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

type regenerateViewRequest struct {
	Angle string `json:"angle"`
	Hint  string `json:"hint"`
}

func (s *Server) regenerateView(w http.ResponseWriter, r *http.Request) {
	userID := logging.GetUserID(r.Context())
	id := mux.Vars(r)["id"]
	var req regenerateViewRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		writeServiceError(w, r, classify.InvalidArgument("invalid request body: "+err.Error()))
		return
	}
	angle, ok := angleFromString(req.Angle)
	if !ok {
		writeServiceError(w, r, classify.InvalidArgument("unknown angle "+req.Angle))
		return
	}
	p, err := s.engine.RegenerateView(r.Context(), id, userID, angle, req.Hint)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

type startMeshRequest struct {
	Provider string                 `json:"provider"`
	Options  map[string]interface{} `json:"options"`
}

func (s *Server) startMesh(w http.ResponseWriter, r *http.Request) {
	userID := logging.GetUserID(r.Context())
	id := mux.Vars(r)["id"]
	var req startMeshRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		writeServiceError(w, r, classify.InvalidArgument("invalid request body: "+err.Error()))
		return
	}
	if req.Provider == "" {
		writeServiceError(w, r, classify.InvalidArgument("provider is required"))
		return
	}
	found := false
	for _, name := range s.registry.Names() {
		if name == req.Provider {
			found = true
			break
		}
	}
	if !found {
		writeServiceError(w, r, classify.InvalidArgument("unknown provider "+req.Provider))
		return
	}
	p, err := s.engine.StartMesh(r.Context(), id, userID, req.Provider, req.Options)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// checkStatus handles the poller's single poll-and-maybe-transition cycle;
// the caller owns the pipeline it names, so check ownership before polling.
func (s *Server) checkStatus(w http.ResponseWriter, r *http.Request) {
	userID := logging.GetUserID(r.Context())
	id := mux.Vars(r)["id"]
	if _, err := s.engine.Get(r.Context(), id, userID); err != nil {
		writeServiceError(w, r, err)
		return
	}
	p, err := s.poller.CheckStatus(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

type startTextureRequest struct {
	StyleURL   string `json:"styleUrl"`
	TextPrompt string `json:"textPrompt"`
	EnablePBR  bool   `json:"enablePbr"`
}

func (s *Server) startTexture(w http.ResponseWriter, r *http.Request) {
	userID := logging.GetUserID(r.Context())
	id := mux.Vars(r)["id"]
	var req startTextureRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		writeServiceError(w, r, classify.InvalidArgument("invalid request body: "+err.Error()))
		return
	}
	opts := provider.RetextureOptions{StyleURL: req.StyleURL, TextPrompt: req.TextPrompt, EnablePBR: req.EnablePBR}
	p, err := s.engine.StartTexture(r.Context(), id, userID, opts)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

type resetStepRequest struct {
	Target      string `json:"target"`
	KeepResults bool   `json:"keepResults"`
}

func (s *Server) resetStep(w http.ResponseWriter, r *http.Request) {
	userID := logging.GetUserID(r.Context())
	id := mux.Vars(r)["id"]
	var req resetStepRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		writeServiceError(w, r, classify.InvalidArgument("invalid request body: "+err.Error()))
		return
	}
	target := docstore.Status(req.Target)
	if !pipeline.ResetTargets[target] {
		writeServiceError(w, r, classify.InvalidArgument("invalid reset target "+req.Target))
		return
	}
	p, err := s.engine.ResetStep(r.Context(), id, userID, target, req.KeepResults)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// Router builds the command API's mux, wrapping every route with auth then
// rate limiting then metrics, per the dispatch order in §4.7.
func Router(s *Server, auth *AuthMiddleware, rl mux.MiddlewareFunc, metricsWare mux.MiddlewareFunc) http.Handler {
	r := mux.NewRouter()
	r.Use(auth.Handler)
	if rl != nil {
		r.Use(rl)
	}
	if metricsWare != nil {
		r.Use(metricsWare)
	}

	r.HandleFunc("/pipelines", s.createPipeline).Methods(http.MethodPost).Name("createPipeline")
	r.HandleFunc("/pipelines", s.listPipelines).Methods(http.MethodGet).Name("listPipelines")
	r.HandleFunc("/pipelines/{id}", s.getPipeline).Methods(http.MethodGet).Name("getPipeline")
	r.HandleFunc("/pipelines/{id}/analyze", s.analyzeImage).Methods(http.MethodPost).Name("analyzeImage")
	r.HandleFunc("/pipelines/{id}/analysis", s.updatePipelineAnalysis).Methods(http.MethodPut).Name("updatePipelineAnalysis")
	r.HandleFunc("/pipelines/{id}/generate-views", s.generateViews).Methods(http.MethodPost).Name("generateViews")
	r.HandleFunc("/pipelines/{id}/regenerate-view", s.regenerateView).Methods(http.MethodPost).Name("regenerateView")
	r.HandleFunc("/pipelines/{id}/start-mesh", s.startMesh).Methods(http.MethodPost).Name("startMesh")
	r.HandleFunc("/pipelines/{id}/check-status", s.checkStatus).Methods(http.MethodPost).Name("checkStatus")
	r.HandleFunc("/pipelines/{id}/start-texture", s.startTexture).Methods(http.MethodPost).Name("startTexture")
	r.HandleFunc("/pipelines/{id}/reset", s.resetStep).Methods(http.MethodPost).Name("resetStep")

	return r
}
