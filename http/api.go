package http

import (
	"context"
	"errors"
	"net/http"

	"go.sia.tech/jape"
	"go.sia.tech/raids/api"
	"go.sia.tech/raids/chunker"
	"go.sia.tech/raids/raids"
	"go.uber.org/zap"
)

type (
	// A Node is the node the API operates on.
	Node interface {
		Status() raids.NodeStatus
		Files(ctx context.Context) ([]raids.PersonalFileInfo, error)
		Upload(ctx context.Context, path string, chunks int) (raids.MasterList, error)
		Download(ctx context.Context, filename, dst string) (raids.DownloadResult, error)
	}

	apiServer struct {
		node Node
		log  *zap.Logger
	}
)

// errorStatus maps node errors to HTTP status codes.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, raids.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, raids.ErrNodeClosed), errors.Is(err, raids.ErrDiscoveryTimeout):
		return http.StatusServiceUnavailable
	case errors.Is(err, chunker.ErrTooFewChunks):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (as *apiServer) handleStatus(jc jape.Context) {
	jc.Encode(as.node.Status())
}

func (as *apiServer) handleFiles(jc jape.Context) {
	files, err := as.node.Files(jc.Request.Context())
	if err != nil {
		jc.Error(err, errorStatus(err))
		return
	}
	jc.Encode(files)
}

func (as *apiServer) handleUpload(jc jape.Context) {
	var req api.UploadRequest
	if err := jc.Decode(&req); err != nil {
		return
	} else if req.Path == "" {
		jc.Error(errors.New("path is required"), http.StatusBadRequest)
		return
	}

	ml, err := as.node.Upload(jc.Request.Context(), req.Path, req.Chunks)
	if err != nil {
		as.log.Warn("upload failed", zap.String("path", req.Path), zap.Error(err))
		jc.Error(err, errorStatus(err))
		return
	}
	jc.Encode(ml)
}

func (as *apiServer) handleDownload(jc jape.Context) {
	var req api.DownloadRequest
	if err := jc.Decode(&req); err != nil {
		return
	} else if req.Filename == "" || req.Destination == "" {
		jc.Error(errors.New("filename and destination are required"), http.StatusBadRequest)
		return
	}

	res, err := as.node.Download(jc.Request.Context(), req.Filename, req.Destination)
	if err != nil {
		as.log.Warn("download failed", zap.String("filename", req.Filename), zap.Error(err))
		jc.Error(err, errorStatus(err))
		return
	}
	jc.Encode(res)
}

// NewAPIHandler returns a new http.Handler that handles requests to the api
func NewAPIHandler(node Node, log *zap.Logger) http.Handler {
	s := &apiServer{
		node: node,
		log:  log,
	}
	return jape.Mux(map[string]jape.Handler{
		"GET /api/status":    s.handleStatus,
		"GET /api/files":     s.handleFiles,
		"POST /api/upload":   s.handleUpload,
		"POST /api/download": s.handleDownload,
	})
}
