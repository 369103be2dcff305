package client_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/benmeehan/iot-http-client/pkg/client"
	"github.com/benmeehan/iot-http-client/pkg/file"
	"github.com/benmeehan/iot-http-client/pkg/models"
	"github.com/benmeehan/iot-http-client/pkg/progress"
	"github.com/benmeehan/iot-http-client/pkg/request"
	"github.com/benmeehan/iot-http-client/pkg/token"
)

// newTokenServer returns a token server double issuing "test-token".
func newTokenServer(t *testing.T) *httptest.Server {
	t.Helper()

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"status":0,"msg":"ok","data":{"accessToken":"test-token","expire":7200}}`)
	}))
}

// newConnection wires a Connection against the given broker handler and a
// healthy token server, and cleans both up with the test.
func newConnection(t *testing.T, broker http.Handler, opts ...client.Option) *client.Connection {
	t.Helper()

	brokerServer := httptest.NewServer(broker)
	t.Cleanup(brokerServer.Close)

	tokenServer := newTokenServer(t)
	t.Cleanup(tokenServer.Close)

	return client.NewConnection(brokerServer.URL, tokenServer.URL, "app-key", "app-secret", "org-1", opts...)
}

// writeTempFile creates a file with the given content and returns its path.
func writeTempFile(t *testing.T, name string, content []byte) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, content, 0600))
	return path
}

func buildMeasurepointRequest(t *testing.T, values map[string]any) *request.IntegrationRequest {
	t.Helper()

	req, err := request.NewMeasurepointPostRequestBuilder(file.NewFileService()).
		AddMeasurepoint(models.DeviceInfo{AssetID: "A1"}, 1000, values).
		Build()
	require.NoError(t, err)
	return req
}

func writeEnvelope(w http.ResponseWriter, code int, requestID string) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"code":%d,"msg":"ok","requestId":%q}`, code, requestID)
}

// TestConnection_Publish_DirectMode verifies a direct-mode publish: envelope
// part plus exactly one multipart section per attached file, auth header
// present, and no useLark query parameter.
func TestConnection_Publish_DirectMode(t *testing.T) {
	content := []byte("sensor-frame")
	path := writeTempFile(t, "frame.bin", content)

	broker := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/connect-service/v2.1/integration", r.URL.Path)
		assert.Equal(t, "postMeasurepoint", r.URL.Query().Get("action"))
		assert.Equal(t, "org-1", r.URL.Query().Get("orgId"))
		assert.Empty(t, r.URL.Query().Get("useLark"))
		assert.Equal(t, "test-token", r.Header.Get("apim-accesstoken"))

		require.NoError(t, r.ParseMultipartForm(16<<20))

		var envelope map[string]any
		require.NoError(t, json.Unmarshal([]byte(r.FormValue("enos-message")), &envelope))
		assert.Equal(t, "postMeasurepoint", envelope["method"])
		assert.Equal(t, "1.1", envelope["version"])
		assert.NotEmpty(t, envelope["id"])

		require.Len(t, r.MultipartForm.File, 1)
		for _, headers := range r.MultipartForm.File {
			require.Len(t, headers, 1)
			part, err := headers[0].Open()
			require.NoError(t, err)
			defer part.Close()

			got := make([]byte, len(content)+1)
			n, _ := part.Read(got)
			assert.Equal(t, content, got[:n])
		}

		writeEnvelope(w, 0, "42")
	})

	conn := newConnection(t, broker)
	req := buildMeasurepointRequest(t, map[string]any{"camera": file.NewAttachment(path)})

	response, err := conn.Publish(context.Background(), req, nil)
	require.NoError(t, err)
	assert.True(t, response.IsSuccess())
	assert.Equal(t, "42", response.RequestID)
}

// TestConnection_Publish_IndirectModeOmitsFileParts verifies that with
// useLark enabled the outgoing body carries only the envelope, while the
// file manifest still rides in it as metadata.
func TestConnection_Publish_IndirectModeOmitsFileParts(t *testing.T) {
	path := writeTempFile(t, "frame.bin", []byte("sensor-frame"))

	broker := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "true", r.URL.Query().Get("useLark"))

		require.NoError(t, r.ParseMultipartForm(16<<20))
		assert.Empty(t, r.MultipartForm.File, "indirect mode must not attach file bytes")

		var envelope map[string]any
		require.NoError(t, json.Unmarshal([]byte(r.FormValue("enos-message")), &envelope))
		assert.Len(t, envelope["files"], 1)

		writeEnvelope(w, 0, "7")
	})

	conn := newConnection(t, broker, client.WithUseLark(true), client.WithAutoUpload(false))
	req := buildMeasurepointRequest(t, map[string]any{"camera": file.NewAttachment(path)})

	response, err := conn.Publish(context.Background(), req, nil)
	require.NoError(t, err)
	assert.True(t, response.IsSuccess())
}

// TestConnection_Publish_SequenceIDsAreUnique verifies concurrent publishes
// without caller-supplied ids get distinct sequence ids.
func TestConnection_Publish_SequenceIDsAreUnique(t *testing.T) {
	var mu sync.Mutex
	seen := make(map[string]int)

	broker := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(1<<20))

		var envelope map[string]any
		require.NoError(t, json.Unmarshal([]byte(r.FormValue("enos-message")), &envelope))

		mu.Lock()
		seen[envelope["id"].(string)]++
		mu.Unlock()

		writeEnvelope(w, 0, "1")
	})

	conn := newConnection(t, broker)

	const callers = 10
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			req := buildMeasurepointRequest(t, map[string]any{"temp": 25})
			_, err := conn.Publish(context.Background(), req, nil)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Len(t, seen, callers, "every publish must get a distinct id")
	for id, count := range seen {
		assert.Equal(t, 1, count, "id %s reused", id)
	}
}

// callbackRecorder implements IntegrationCallback and records which side
// fired.
type callbackRecorder struct {
	responses chan *models.Response
	failures  chan error
}

func newCallbackRecorder() *callbackRecorder {
	return &callbackRecorder{
		responses: make(chan *models.Response, 1),
		failures:  make(chan error, 1),
	}
}

func (c *callbackRecorder) OnResponse(response *models.Response) { c.responses <- response }
func (c *callbackRecorder) OnFailure(err error)                  { c.failures <- err }

// TestConnection_PublishAsync_DeliversExactlyOneCallback verifies the async
// variant fires OnResponse once and never OnFailure on success.
func TestConnection_PublishAsync_DeliversExactlyOneCallback(t *testing.T) {
	broker := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, 0, "9")
	})

	conn := newConnection(t, broker)
	callback := newCallbackRecorder()

	conn.PublishAsync(buildMeasurepointRequest(t, map[string]any{"temp": 25}), nil, callback)

	select {
	case response := <-callback.responses:
		assert.True(t, response.IsSuccess())
	case err := <-callback.failures:
		t.Fatalf("unexpected failure callback: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("no callback within deadline")
	}

	select {
	case <-callback.responses:
		t.Fatal("OnResponse fired twice")
	case err := <-callback.failures:
		t.Fatalf("both callbacks fired: %v", err)
	case <-time.After(100 * time.Millisecond):
	}
	assert.Equal(t, 0, conn.PendingRequests())
}

// TestConnection_PublishAsync_FailureCallback verifies a broker failure
// surfaces through OnFailure exactly once.
func TestConnection_PublishAsync_FailureCallback(t *testing.T) {
	broker := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	conn := newConnection(t, broker)
	callback := newCallbackRecorder()

	conn.PublishAsync(buildMeasurepointRequest(t, map[string]any{"temp": 25}), nil, callback)

	select {
	case err := <-callback.failures:
		var serverErr *client.ServerError
		require.ErrorAs(t, err, &serverErr)
		assert.Equal(t, http.StatusBadGateway, serverErr.Code)
	case <-callback.responses:
		t.Fatal("unexpected response callback")
	case <-time.After(5 * time.Second):
		t.Fatal("no callback within deadline")
	}
}

// TestConnection_Publish_ErrorMapping verifies the sync error taxonomy:
// non-2xx, undecodable body, and socket-level failure.
func TestConnection_Publish_ErrorMapping(t *testing.T) {
	t.Run("server error", func(t *testing.T) {
		broker := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
		conn := newConnection(t, broker)

		_, err := conn.Publish(context.Background(), buildMeasurepointRequest(t, map[string]any{"temp": 1}), nil)

		var serverErr *client.ServerError
		require.ErrorAs(t, err, &serverErr)
		assert.Equal(t, http.StatusServiceUnavailable, serverErr.Code)
	})

	t.Run("decode error", func(t *testing.T) {
		broker := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, "not-json")
		})
		conn := newConnection(t, broker)

		_, err := conn.Publish(context.Background(), buildMeasurepointRequest(t, map[string]any{"temp": 1}), nil)

		var decodeErr *client.DecodeError
		assert.ErrorAs(t, err, &decodeErr)
	})

	t.Run("transport error", func(t *testing.T) {
		brokerServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
		brokerServer.Close() // connection refused from here on

		tokenServer := newTokenServer(t)
		t.Cleanup(tokenServer.Close)

		conn := client.NewConnection(brokerServer.URL, tokenServer.URL, "app-key", "app-secret", "org-1")

		_, err := conn.Publish(context.Background(), buildMeasurepointRequest(t, map[string]any{"temp": 1}), nil)

		var transportErr *client.TransportError
		assert.ErrorAs(t, err, &transportErr)
	})
}

// TestConnection_Publish_AuthFailureSkipsNetworkCall verifies an
// unobtainable token fails the publish before the broker is contacted.
func TestConnection_Publish_AuthFailureSkipsNetworkCall(t *testing.T) {
	var brokerCalled atomic.Bool
	brokerServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		brokerCalled.Store(true)
	}))
	t.Cleanup(brokerServer.Close)

	tokenServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	t.Cleanup(tokenServer.Close)

	conn := client.NewConnection(brokerServer.URL, tokenServer.URL, "app-key", "app-secret", "org-1")

	_, err := conn.Publish(context.Background(), buildMeasurepointRequest(t, map[string]any{"temp": 1}), nil)

	assert.ErrorIs(t, err, token.ErrUnsuccessfulAuth)
	assert.False(t, brokerCalled.Load(), "broker must not be contacted without a token")
}

// TestConnection_Publish_ProgressIsMonotonic verifies the progress sink sees
// strictly increasing byte counts ending at the body length.
func TestConnection_Publish_ProgressIsMonotonic(t *testing.T) {
	broker := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, 0, "1")
	})
	conn := newConnection(t, broker)

	var mu sync.Mutex
	var counts []int64
	var total int64
	listener := progress.ListenerFunc(func(transferred, totalSize int64) {
		mu.Lock()
		counts = append(counts, transferred)
		total = totalSize
		mu.Unlock()
	})

	path := writeTempFile(t, "frame.bin", []byte("a-reasonably-sized-payload"))
	req := buildMeasurepointRequest(t, map[string]any{"camera": file.NewAttachment(path)})

	_, err := conn.Publish(context.Background(), req, listener)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, counts)
	for i := 1; i < len(counts); i++ {
		assert.Greater(t, counts[i], counts[i-1])
	}
	assert.Equal(t, total, counts[len(counts)-1])
}

// TestConnection_DeleteFile verifies the delete call shape and envelope
// decoding.
func TestConnection_DeleteFile(t *testing.T) {
	broker := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/connect-service/v2.1/files", r.URL.Path)
		assert.Equal(t, "delete", r.URL.Query().Get("action"))
		assert.Equal(t, "org-1", r.URL.Query().Get("orgId"))
		assert.Equal(t, "enos-connect://a.txt", r.URL.Query().Get("fileUri"))
		assert.Equal(t, "A1", r.URL.Query().Get("assetId"))
		assert.Equal(t, "test-token", r.Header.Get("apim-accesstoken"))

		writeEnvelope(w, 0, "3")
	})

	conn := newConnection(t, broker)

	response, err := conn.DeleteFile(context.Background(), models.DeviceInfo{AssetID: "A1"}, "enos-connect://a.txt")
	require.NoError(t, err)
	assert.True(t, response.IsSuccess())
}

// TestConnection_DeleteFile_InvalidDevice verifies delete fails fast on an
// incomplete device reference.
func TestConnection_DeleteFile_InvalidDevice(t *testing.T) {
	broker := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("broker must not be contacted")
	})
	conn := newConnection(t, broker)

	_, err := conn.DeleteFile(context.Background(), models.DeviceInfo{}, "enos-connect://a.txt")
	assert.ErrorIs(t, err, models.ErrMissingDeviceIdentity)
}

// TestConnection_Publish_AttachmentOpenFailure verifies a direct-mode
// publish fails before the network call when an attachment cannot be read.
func TestConnection_Publish_AttachmentOpenFailure(t *testing.T) {
	var brokerCalled atomic.Bool
	broker := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		brokerCalled.Store(true)
	})

	mockFileOps := new(MockFileOperations)
	mockFileOps.On("Open", "/gone/frame.bin").Return(nil, os.ErrNotExist)

	conn := newConnection(t, broker, client.WithFileOperations(mockFileOps))

	req, err := request.NewMeasurepointPostRequestBuilder(file.NewFileService()).
		AddMeasurepoint(models.DeviceInfo{AssetID: "A1"}, 1000, map[string]any{
			"camera": &file.Attachment{Name: "frame.bin", Path: "/gone/frame.bin"},
		}).
		Build()
	require.Error(t, err)

	// Building with the real file service fails on the missing file; build
	// the manifest through the mock instead to reach the transport path.
	mockFileOps.On("GenerateFileName", "/gone/frame.bin").Return("gen.bin")
	mockFileOps.On("GetFileMD5", "/gone/frame.bin").Return("d41d8cd98f00b204e9800998ecf8427e", nil)

	req, err = request.NewMeasurepointPostRequestBuilder(mockFileOps).
		AddMeasurepoint(models.DeviceInfo{AssetID: "A1"}, 1000, map[string]any{
			"camera": &file.Attachment{Name: "frame.bin", Path: "/gone/frame.bin"},
		}).
		Build()
	require.NoError(t, err)

	_, err = conn.Publish(context.Background(), req, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)
	assert.False(t, brokerCalled.Load(), "broker must not see a half-built body")
	mockFileOps.AssertExpectations(t)
}
