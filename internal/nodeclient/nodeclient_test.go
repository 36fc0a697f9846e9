package nodeclient

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadChunkDecodesBase64Data(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chunk/read", r.URL.Path)
		json.NewEncoder(w).Encode(readResponse{Data: base64.StdEncoding.EncodeToString([]byte("hello")), Size: 5})
	}))
	defer srv.Close()

	c := New(time.Second, time.Second)
	data, err := c.ReadChunk(context.Background(), srv.URL, "f1", 0)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
}

func TestWriteChunkSendsBase64Body(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req writeRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "f1", req.FileID)
		decoded, err := base64.StdEncoding.DecodeString(req.Data)
		require.NoError(t, err)
		assert.Equal(t, "payload", string(decoded))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(time.Second, time.Second)
	err := c.WriteChunk(context.Background(), srv.URL, "f1", 0, []byte("payload"))
	require.NoError(t, err)
}

func TestDeleteChunkPropagatesNonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(time.Second, time.Second)
	err := c.DeleteChunk(context.Background(), srv.URL, "f1", 0)
	require.Error(t, err)
}

func TestChunkExistsDecodesBool(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(existsResponse{Exists: true})
	}))
	defer srv.Close()

	c := New(time.Second, time.Second)
	exists, err := c.ChunkExists(context.Background(), srv.URL, "f1", 0)
	require.NoError(t, err)
	assert.True(t, exists)
}
