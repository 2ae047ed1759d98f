package api

import (
	"go.sia.tech/jape"
	"go.sia.tech/raids/raids"
)

// A Client is a client for the raidsd management API.
type Client struct {
	c jape.Client
}

// Status returns the status of the active node.
func (c *Client) Status() (status NodeStatus, err error) {
	err = c.c.GET("/status", &status)
	return
}

// Files returns the files uploaded by the active node's user.
func (c *Client) Files() (files []FileInfo, err error) {
	err = c.c.GET("/files", &files)
	return
}

// Upload uploads a file from the daemon's filesystem.
func (c *Client) Upload(path string, chunks int) (ml raids.MasterList, err error) {
	err = c.c.POST("/upload", UploadRequest{Path: path, Chunks: chunks}, &ml)
	return
}

// Download downloads a file to the daemon's filesystem.
func (c *Client) Download(filename, destination string) (res DownloadResult, err error) {
	err = c.c.POST("/download", DownloadRequest{Filename: filename, Destination: destination}, &res)
	return
}

// NewClient returns a client for the API at addr.
func NewClient(addr, password string) *Client {
	return &Client{c: jape.Client{
		BaseURL:  addr,
		Password: password,
	}}
}
