package api

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/openpdp/dprt/pkg/env/envtest"
	"github.com/openpdp/dprt/pkg/runtime"
)

func newTestServer(t *testing.T) (*Server, *runtime.Runtime) {
	t.Helper()
	e := envtest.New(envtest.Options{PortNames: []string{"sim0", "sim1"}})
	rt, err := runtime.New(e, runtime.Options{PoolCapacity: 64, FrameSize: 512})
	if err != nil {
		t.Fatalf("runtime.New: %v", err)
	}
	t.Cleanup(func() { rt.Close() })
	return NewServer(Config{Addr: ":0", Runtime: rt, EnvName: "sim"}), rt
}

func doJSON(t *testing.T, s *Server, method, path string, body any) (*httptest.ResponseRecorder, Response) {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		rd = bytes.NewReader(data)
	} else {
		rd = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rd)
	rec := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rec, req)

	var resp Response
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("%s %s: bad JSON response: %v\n%s", method, path, err, rec.Body.String())
	}
	return rec, resp
}

func handleOf(t *testing.T, resp Response) int32 {
	t.Helper()
	m, ok := resp.Data.(map[string]any)
	if !ok {
		t.Fatalf("response data is %T, want object", resp.Data)
	}
	return int32(m["handle"].(float64))
}

func specFile(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pipeline.spec")
	if err := os.WriteFile(path, []byte("passthrough\n"), 0o644); err != nil {
		t.Fatalf("write spec: %v", err)
	}
	return path
}

func TestHealthAndStatus(t *testing.T) {
	s, _ := newTestServer(t)

	rec, resp := doJSON(t, s, "GET", "/health", nil)
	if rec.Code != http.StatusOK || !resp.Success {
		t.Fatalf("health: code %d, success %v", rec.Code, resp.Success)
	}

	_, resp = doJSON(t, s, "GET", "/api/v1/status", nil)
	st := resp.Data.(map[string]any)
	if st["environment"] != "sim" {
		t.Fatalf("environment = %v", st["environment"])
	}
	if st["pool_capacity"].(float64) != 64 {
		t.Fatalf("pool_capacity = %v", st["pool_capacity"])
	}
}

func TestPortsEndpoint(t *testing.T) {
	s, _ := newTestServer(t)
	_, resp := doJSON(t, s, "GET", "/api/v1/ports", nil)
	ports := resp.Data.([]any)
	if len(ports) != 2 {
		t.Fatalf("got %d ports, want 2", len(ports))
	}
}

func TestPipelineLifecycle(t *testing.T) {
	s, rt := newTestServer(t)

	rec, resp := doJSON(t, s, "POST", "/api/v1/pipelines",
		LoadPipelineRequest{Name: "p0", SpecPath: specFile(t)})
	if rec.Code != http.StatusOK {
		t.Fatalf("load: code %d: %s", rec.Code, resp.Error)
	}
	h := handleOf(t, resp)

	rec, resp = doJSON(t, s, "POST", "/api/v1/pipelines",
		LoadPipelineRequest{Name: "bad", SpecPath: "/nonexistent.spec"})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("bad spec: code %d", rec.Code)
	}

	rec, _ = doJSON(t, s, "DELETE", fmt.Sprintf("/api/v1/pipelines/%d", h), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("unload: code %d", rec.Code)
	}
	if n := len(rt.Pipelines()); n != 0 {
		t.Fatalf("%d pipelines left", n)
	}
}

func TestBufferReadWrite(t *testing.T) {
	s, _ := newTestServer(t)

	_, resp := doJSON(t, s, "POST", "/api/v1/buffers", CreateBufferRequest{Name: "b0", Size: 256})
	h := handleOf(t, resp)

	payload := []byte{0xde, 0xad, 0xbe, 0xef}
	rec, _ := doJSON(t, s, "POST", fmt.Sprintf("/api/v1/buffers/%d/write", h),
		BufferWriteRequest{Offset: 16, Data: base64.StdEncoding.EncodeToString(payload)})
	if rec.Code != http.StatusOK {
		t.Fatalf("write: code %d", rec.Code)
	}

	_, resp = doJSON(t, s, "GET", fmt.Sprintf("/api/v1/buffers/%d/read?offset=16&len=4", h), nil)
	rd := resp.Data.(map[string]any)
	got, err := base64.StdEncoding.DecodeString(rd["data"].(string))
	if err != nil || !bytes.Equal(got, payload) {
		t.Fatalf("read back %x (err %v), want %x", got, err, payload)
	}

	// Out-of-range read is rejected.
	rec, _ = doJSON(t, s, "GET", fmt.Sprintf("/api/v1/buffers/%d/read?offset=255&len=4", h), nil)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("oob read: code %d", rec.Code)
	}

	// An absurd len is rejected before anything is allocated for it.
	rec, _ = doJSON(t, s, "GET", fmt.Sprintf("/api/v1/buffers/%d/read?offset=0&len=1073741824", h), nil)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("huge read: code %d", rec.Code)
	}

	rec, _ = doJSON(t, s, "DELETE", fmt.Sprintf("/api/v1/buffers/%d", h), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("destroy: code %d", rec.Code)
	}
}

func TestTaskLifecycle(t *testing.T) {
	s, rt := newTestServer(t)

	_, resp := doJSON(t, s, "POST", "/api/v1/endpoints",
		CreateEndpointRequest{Name: "rx0", Iface: "sim0", Rx: true})
	ep := handleOf(t, resp)
	_, resp = doJSON(t, s, "POST", "/api/v1/buffers", CreateBufferRequest{Name: "mbox", Size: 4096})
	buf := handleOf(t, resp)

	rec, resp := doJSON(t, s, "POST", "/api/v1/tasks", CreateTaskRequest{
		Name: "t0", SpecPath: specFile(t), Parser: true, Endpoint: ep, Buffer: buf, Burst: 8,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("create task: code %d: %s", rec.Code, resp.Error)
	}
	th := handleOf(t, resp)
	if !rt.TaskRunning(runtime.Handle(th)) {
		t.Fatal("task not running")
	}

	_, resp = doJSON(t, s, "GET", "/api/v1/tasks", nil)
	if tasks := resp.Data.([]any); len(tasks) != 1 {
		t.Fatalf("got %d tasks, want 1", len(tasks))
	}

	rec, _ = doJSON(t, s, "POST", fmt.Sprintf("/api/v1/tasks/%d/stop", th), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("stop: code %d", rec.Code)
	}
	if rt.TaskRunning(runtime.Handle(th)) {
		t.Fatal("task still running")
	}
}

func TestBadHandlePath(t *testing.T) {
	s, _ := newTestServer(t)
	rec, _ := doJSON(t, s, "POST", "/api/v1/tasks/banana/stop", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("code %d, want 400", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s, _ := newTestServer(t)

	doJSON(t, s, "POST", "/api/v1/buffers", CreateBufferRequest{Name: "b0", Size: 64})

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics: code %d", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{"dprt_pool_capacity 64", "dprt_buffers_live 1", "dprt_lcores_available"} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}
