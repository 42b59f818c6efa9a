package upload

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"ecg-relay/internal/models"
)

func TestHTTPTransportPostsBatch(t *testing.T) {
	var got models.UploadRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/upload_data", r.URL.Path)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NotEmpty(t, r.Header.Get("X-Request-ID"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		if got.CaptureID != "cap-1" {
			w.WriteHeader(http.StatusConflict)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	transport := NewHTTPTransport(HTTPTransportConfig{BaseURL: server.URL + "/", Timeout: time.Second})

	req := models.NewUploadRequest("cap-1", []models.Unit{
		{TS: 1, Samples: []int{1, 2}},
		{TS: 2, Samples: []int{-3}},
	})
	status, err := transport.Upload(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, req, got)

	status, err = transport.Upload(context.Background(), models.NewUploadRequest("stale", nil))
	require.NoError(t, err)
	require.Equal(t, http.StatusConflict, status)
}

func TestHTTPTransportWireFormat(t *testing.T) {
	body, err := json.Marshal(models.NewUploadRequest("abc", []models.Unit{{TS: 5, Samples: []int{7, -8}}}))
	require.NoError(t, err)
	require.JSONEq(t, `{"capture_id":"abc","batch":[{"samples":[7,-8]}]}`, string(body))
}

func TestHTTPTransportConnectionFailure(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	transport := NewHTTPTransport(HTTPTransportConfig{BaseURL: url, Timeout: time.Second})
	_, err := transport.Upload(context.Background(), models.NewUploadRequest("cap-1", nil))
	require.Error(t, err)
}

func TestHTTPTransportCancellation(t *testing.T) {
	block := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-block:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(block)

	ctx, cancel := context.WithCancel(context.Background())
	transport := NewHTTPTransport(HTTPTransportConfig{BaseURL: server.URL, Timeout: time.Minute})

	errs := make(chan error, 1)
	go func() {
		_, err := transport.Upload(ctx, models.NewUploadRequest("cap-1", nil))
		errs <- err
	}()

	cancel()
	select {
	case err := <-errs:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("upload was not cancelled")
	}
}
