// Package nodeclient implements the coordinator's outbound half of the
// Node HTTP API contract: reading, writing, deleting, and probing chunk
// replicas on a storage node. It never touches the Metadata Store's lock —
// callers read from a source, release the store, write to targets, then
// re-acquire the store to record the result, per the no-network-under-lock
// policy.
package nodeclient

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"
)

// Client issues chunk read/write/delete/exists calls against a storage
// node, honoring independent connect and read timeouts.
type Client struct {
	http *http.Client
}

func New(connectTimeout, readTimeout time.Duration) *Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = (&net.Dialer{Timeout: connectTimeout}).DialContext
	return &Client{
		http: &http.Client{
			Transport: transport,
			Timeout:   connectTimeout + readTimeout,
		},
	}
}

type readResponse struct {
	Data string `json:"data"`
	Size int64  `json:"size"`
}

// ReadChunk fetches one chunk's bytes from nodeUrl.
func (c *Client) ReadChunk(ctx context.Context, nodeUrl, fileID string, chunkIndex int) ([]byte, error) {
	u := fmt.Sprintf("%s/chunk/read?fileId=%s&chunkIndex=%d", nodeUrl, url.QueryEscape(fileID), chunkIndex)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("read chunk from %s: %w", nodeUrl, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("read chunk from %s: status %d: %s", nodeUrl, resp.StatusCode, string(body))
	}

	var rr readResponse
	if err := json.NewDecoder(resp.Body).Decode(&rr); err != nil {
		return nil, fmt.Errorf("decode read response from %s: %w", nodeUrl, err)
	}

	data, err := base64.StdEncoding.DecodeString(rr.Data)
	if err != nil {
		return nil, fmt.Errorf("decode base64 chunk data from %s: %w", nodeUrl, err)
	}
	return data, nil
}

type writeRequest struct {
	FileID     string `json:"fileId"`
	ChunkIndex int    `json:"chunkIndex"`
	Data       string `json:"data"`
}

// WriteChunk writes data for (fileID, chunkIndex) to nodeUrl.
func (c *Client) WriteChunk(ctx context.Context, nodeUrl, fileID string, chunkIndex int, data []byte) error {
	body, err := json.Marshal(writeRequest{
		FileID:     fileID,
		ChunkIndex: chunkIndex,
		Data:       base64.StdEncoding.EncodeToString(data),
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, nodeUrl+"/chunk/write", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("write chunk to %s: %w", nodeUrl, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("write chunk to %s: status %d: %s", nodeUrl, resp.StatusCode, string(b))
	}
	return nil
}

// DeleteChunk removes (fileID, chunkIndex) from nodeUrl.
func (c *Client) DeleteChunk(ctx context.Context, nodeUrl, fileID string, chunkIndex int) error {
	u := fmt.Sprintf("%s/chunk/delete?fileId=%s&chunkIndex=%d", nodeUrl, url.QueryEscape(fileID), chunkIndex)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, u, nil)
	if err != nil {
		return err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("delete chunk on %s: %w", nodeUrl, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("delete chunk on %s: status %d: %s", nodeUrl, resp.StatusCode, string(b))
	}
	return nil
}

type existsResponse struct {
	Exists bool `json:"exists"`
}

// ChunkExists probes whether nodeUrl currently holds (fileID, chunkIndex).
// Used by the Integrity Reconciler to guard against stale metadata
// pointing at a node that also lost the chunk.
func (c *Client) ChunkExists(ctx context.Context, nodeUrl, fileID string, chunkIndex int) (bool, error) {
	u := fmt.Sprintf("%s/chunk/exists?fileId=%s&chunkIndex=%d", nodeUrl, url.QueryEscape(fileID), chunkIndex)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return false, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return false, fmt.Errorf("probe chunk existence on %s: %w", nodeUrl, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return false, fmt.Errorf("probe chunk existence on %s: status %d: %s", nodeUrl, resp.StatusCode, string(b))
	}

	var er existsResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
		return false, fmt.Errorf("decode exists response from %s: %w", nodeUrl, err)
	}
	return er.Exists, nil
}
