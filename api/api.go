// Package api contains the types and client of the raidsd management API.
package api

import (
	"go.sia.tech/raids/raids"
)

type (
	// UploadRequest is the request body of [POST] /upload.
	UploadRequest struct {
		// Path is the path of the file on the daemon's filesystem.
		Path   string `json:"path"`
		Chunks int    `json:"chunks"`
	}

	// DownloadRequest is the request body of [POST] /download.
	DownloadRequest struct {
		Filename string `json:"filename"`
		// Destination is the path the reassembled file is written to on the
		// daemon's filesystem.
		Destination string `json:"destination"`
	}

	// NodeStatus is the response body of [GET] /status.
	NodeStatus = raids.NodeStatus

	// FileInfo is an entry of the response body of [GET] /files.
	FileInfo = raids.PersonalFileInfo

	// DownloadResult is the response body of [POST] /download.
	DownloadResult = raids.DownloadResult
)
