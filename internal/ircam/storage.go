package ircam

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/Ircam-Amplify/Stereo-to-Spatial/internal/models"
)

type slotResponse struct {
	ID string `json:"id"`
}

type slotInfoResponse struct {
	IAS      string `json:"ias"`
	Filename string `json:"filename"`
}

// CreateSlot requests a new storage location from the provider and returns
// its id.
func (c *Client) CreateSlot(ctx context.Context) (string, error) {
	body, err := c.doJSON(ctx, http.MethodPost, c.storageURL+"/storage/manager/", nil, "create slot")
	if err != nil {
		return "", err
	}
	var slot slotResponse
	if err := json.Unmarshal(body, &slot); err != nil {
		return "", fmt.Errorf("decode slot response: %w", err)
	}
	if slot.ID == "" {
		return "", &RemoteServiceError{Op: "create slot", Status: http.StatusOK, Body: "response carried no slot id"}
	}
	return slot.ID, nil
}

// PutBytes streams the local file's full contents into the slot at
// {id}/{basename}. The file is never buffered in memory.
func (c *Client) PutBytes(ctx context.Context, id, localPath string) error {
	token, err := c.EnsureValid(ctx)
	if err != nil {
		return err
	}

	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open upload: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat upload: %w", err)
	}

	url := fmt.Sprintf("%s/%s/%s", c.storageURL, id, filepath.Base(localPath))
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, f)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.ContentLength = info.Size()
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("put bytes: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		return &RemoteServiceError{Op: "put bytes", Status: resp.StatusCode, Body: string(body)}
	}
	return nil
}

// Handle fetches slot metadata and assembles the immutable remote handle for
// an uploaded file. The access URL is what the spatialization job consumes.
func (c *Client) Handle(ctx context.Context, id string) (*models.RemoteFileHandle, error) {
	info, err := c.slotInfo(ctx, id)
	if err != nil {
		return nil, err
	}
	if info.IAS == "" {
		return nil, &RemoteServiceError{Op: "slot info", Status: http.StatusOK, Body: "response carried no access url"}
	}
	return &models.RemoteFileHandle{ID: id, AccessURL: info.IAS}, nil
}

// FetchMetadata returns the original filename recorded for a slot. Used to
// name result artifacts after job completion.
func (c *Client) FetchMetadata(ctx context.Context, id string) (string, error) {
	info, err := c.slotInfo(ctx, id)
	if err != nil {
		return "", err
	}
	if info.Filename == "" {
		return "", &RemoteServiceError{Op: "slot info", Status: http.StatusOK, Body: "response carried no filename"}
	}
	return info.Filename, nil
}

// FetchBytes opens a streaming download of a result file. The caller owns
// the returned body and must close it.
func (c *Client) FetchBytes(ctx context.Context, id, filename string) (io.ReadCloser, int64, error) {
	token, err := c.EnsureValid(ctx)
	if err != nil {
		return nil, 0, err
	}

	url := fmt.Sprintf("%s/%s/%s", c.storageURL, id, filename)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("fetch bytes: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		resp.Body.Close()
		return nil, 0, &RemoteServiceError{Op: "fetch bytes", Status: resp.StatusCode, Body: string(body)}
	}
	return resp.Body, resp.ContentLength, nil
}

func (c *Client) slotInfo(ctx context.Context, id string) (slotInfoResponse, error) {
	body, err := c.doJSON(ctx, http.MethodGet, c.storageURL+"/storage/manager/"+id, nil, "slot info")
	if err != nil {
		return slotInfoResponse{}, err
	}
	var info slotInfoResponse
	if err := json.Unmarshal(body, &info); err != nil {
		return slotInfoResponse{}, fmt.Errorf("decode slot info: %w", err)
	}
	return info, nil
}

// doJSON performs an authenticated request and returns the response body,
// converting any non-2xx status into a RemoteServiceError that preserves the
// provider's body verbatim.
func (c *Client) doJSON(ctx context.Context, method, url string, payload io.Reader, op string) ([]byte, error) {
	token, err := c.EnsureValid(ctx)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, method, url, payload)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024*1024))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &RemoteServiceError{Op: op, Status: resp.StatusCode, Body: string(body)}
	}
	return body, nil
}
