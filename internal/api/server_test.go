package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/dunamismax/mdflow/internal/convert"
	"github.com/dunamismax/mdflow/internal/domain"
	"github.com/dunamismax/mdflow/internal/ratelimit"
	"github.com/dunamismax/mdflow/internal/store"
	"github.com/dunamismax/mdflow/internal/supervisor"
)

var samplePDF = []byte("%PDF-1.4\n1 0 obj << /Type /Catalog >> endobj\ntrailer << /Root 1 0 R >>\n%%EOF\n")

type harness struct {
	t          *testing.T
	server     *httptest.Server
	jobs       *store.MemoryJobStore
	uploadsDir string
	sup        *supervisor.Supervisor
}

type harnessOptions struct {
	script         string
	timeout        time.Duration
	maxUploadBytes int64
	dispatcher     Dispatcher
	limiter        RateLimiter
}

func newHarness(t *testing.T, opts harnessOptions) *harness {
	t.Helper()

	jobs := store.NewMemoryJobStore()
	uploadsDir := t.TempDir()
	logger := zaptest.NewLogger(t)

	timeout := opts.timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	script := opts.script
	if script == "" {
		script = `printf '# Title\n\nBody'`
	}

	sup := supervisor.New(jobs, convert.ProcessInvoker{Command: "sh", Args: []string{"-c", script, "mdflow-convert"}}, supervisor.Options{
		Timeout:       timeout,
		MaxActiveJobs: 4,
		Logger:        logger,
		Registerer:    prometheus.NewRegistry(),
	})

	dispatcher := opts.dispatcher
	if dispatcher == nil {
		dispatcher = LocalDispatcher{Supervisor: sup}
	}

	srv, err := NewServer(jobs, dispatcher, Options{
		Logger:         logger,
		UploadsDir:     uploadsDir,
		MaxUploadBytes: opts.maxUploadBytes,
		RateLimiter:    opts.limiter,
		EventsInterval: 20 * time.Millisecond,
	})
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = sup.Shutdown(ctx)
	})

	return &harness{t: t, server: ts, jobs: jobs, uploadsDir: uploadsDir, sup: sup}
}

type uploadSpec struct {
	filename    string
	contentType string
	content     []byte
	settings    string
	webhookURL  string
	headers     map[string]string
}

func (h *harness) submit(spec uploadSpec) *http.Response {
	h.t.Helper()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if spec.content != nil {
		header := make(textproto.MIMEHeader)
		header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%s"`, spec.filename))
		if spec.contentType != "" {
			header.Set("Content-Type", spec.contentType)
		}
		part, err := mw.CreatePart(header)
		require.NoError(h.t, err)
		_, err = part.Write(spec.content)
		require.NoError(h.t, err)
	}
	if spec.settings != "" {
		require.NoError(h.t, mw.WriteField("settings", spec.settings))
	}
	if spec.webhookURL != "" {
		require.NoError(h.t, mw.WriteField("webhookUrl", spec.webhookURL))
	}
	require.NoError(h.t, mw.Close())

	req, err := http.NewRequest(http.MethodPost, h.server.URL+"/convert", &body)
	require.NoError(h.t, err)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	for k, v := range spec.headers {
		req.Header.Set(k, v)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(h.t, err)
	h.t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (h *harness) get(path string) *http.Response {
	h.t.Helper()
	resp, err := http.Get(h.server.URL + path)
	require.NoError(h.t, err)
	h.t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (h *harness) waitTerminal(id string) domain.Job {
	h.t.Helper()
	var job domain.Job
	require.Eventually(h.t, func() bool {
		got, ok, err := h.jobs.Get(context.Background(), id)
		if err != nil || !ok {
			return false
		}
		job = got
		return got.Status.Terminal()
	}, 15*time.Second, 20*time.Millisecond)
	return job
}

func (h *harness) uploadsLeft() []os.DirEntry {
	entries, err := os.ReadDir(h.uploadsDir)
	require.NoError(h.t, err)
	return entries
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func pdfUpload(name string) uploadSpec {
	return uploadSpec{filename: name, contentType: "application/pdf", content: samplePDF}
}

func TestConvertRejectsNonPDFWithoutCreatingJob(t *testing.T) {
	h := newHarness(t, harnessOptions{})

	cases := []uploadSpec{
		{filename: "notes.txt", contentType: "text/plain", content: []byte("0123456789")},
		{filename: "fake.pdf", contentType: "application/pdf", content: []byte("0123456789")},
		{filename: "empty.pdf", contentType: "application/pdf", content: []byte{}},
	}
	for _, spec := range cases {
		resp := h.submit(spec)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, spec.filename)
		body := decode[map[string]string](t, resp)
		assert.NotEmpty(t, body["error"])
	}

	jobs, err := h.jobs.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, jobs)
	assert.Empty(t, h.uploadsLeft())
}

func TestConvertRejectsInvalidRequests(t *testing.T) {
	h := newHarness(t, harnessOptions{maxUploadBytes: 1024})

	tests := map[string]uploadSpec{
		"no file":          {settings: `{}`},
		"malformed json":   {filename: "a.pdf", contentType: "application/pdf", content: samplePDF, settings: `{"outputFormat":`},
		"unknown format":   {filename: "a.pdf", contentType: "application/pdf", content: samplePDF, settings: `{"outputFormat":"docx"}`},
		"bad webhook":      {filename: "a.pdf", contentType: "application/pdf", content: samplePDF, webhookURL: "ftp://example.test"},
		"oversize":         {filename: "big.pdf", contentType: "application/pdf", content: append(append([]byte{}, samplePDF...), bytes.Repeat([]byte("x"), 2048)...)},
		"declared as html": {filename: "a.pdf", contentType: "text/html", content: samplePDF},
	}

	for name, spec := range tests {
		t.Run(name, func(t *testing.T) {
			resp := h.submit(spec)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		})
	}

	jobs, err := h.jobs.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, jobs)
	assert.Empty(t, h.uploadsLeft())
}

func TestConvertRejectsNonMultipartBody(t *testing.T) {
	h := newHarness(t, harnessOptions{})

	resp, err := http.Post(h.server.URL+"/convert", "application/json", strings.NewReader(`{}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestFullConversionScenario(t *testing.T) {
	h := newHarness(t, harnessOptions{})

	resp := h.submit(pdfUpload("report.pdf"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	created := decode[domain.Job](t, resp)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, domain.JobStatusPending, created.Status)
	assert.Equal(t, "report.pdf", created.Input.Filename)
	assert.Equal(t, int64(len(samplePDF)), created.Input.Size)
	assert.Equal(t, domain.DefaultSettings(), created.Settings)

	done := h.waitTerminal(created.ID)
	require.Equal(t, domain.JobStatusCompleted, done.Status, "error: %s", done.Error)
	assert.Equal(t, "# Title\n\nBody", done.Result)

	status := decode[domain.Job](t, h.get("/conversions/"+created.ID))
	assert.Equal(t, domain.JobStatusCompleted, status.Status)

	dl := h.get("/conversions/" + created.ID + "/download")
	require.Equal(t, http.StatusOK, dl.StatusCode)
	assert.Equal(t, "text/markdown", dl.Header.Get("Content-Type"))
	assert.True(t, strings.HasPrefix(dl.Header.Get("Content-Disposition"), "attachment"))
	assert.Contains(t, dl.Header.Get("Content-Disposition"), "report.md")
	body, err := io.ReadAll(dl.Body)
	require.NoError(t, err)
	assert.Equal(t, "# Title\n\nBody", string(body))

	require.Eventually(t, func() bool { return len(h.uploadsLeft()) == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestTimeoutScenario(t *testing.T) {
	h := newHarness(t, harnessOptions{script: `exec sleep 30`, timeout: 300 * time.Millisecond})

	resp := h.submit(pdfUpload("slow.pdf"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	created := decode[domain.Job](t, resp)

	done := h.waitTerminal(created.ID)
	assert.Equal(t, domain.JobStatusError, done.Status)
	assert.Equal(t, "Conversion timed out after 300ms", done.Error)

	assert.Equal(t, http.StatusNotFound, h.get("/conversions/"+created.ID+"/download").StatusCode)
}

func TestFailedConversionReportsStderr(t *testing.T) {
	h := newHarness(t, harnessOptions{script: `echo "Traceback: no text layer" >&2; exit 1`})

	created := decode[domain.Job](t, h.submit(pdfUpload("scan.pdf")))
	done := h.waitTerminal(created.ID)
	assert.Equal(t, domain.JobStatusError, done.Status)
	assert.Equal(t, "Traceback: no text layer", done.Error)
	assert.Empty(t, done.Result)
}

func TestConcurrentSubmissionsAreIndependent(t *testing.T) {
	script := `case "$2" in *github*) echo "github flavour unsupported" >&2; exit 2;; *) printf '# ok';; esac`
	h := newHarness(t, harnessOptions{script: script})

	var (
		wg  sync.WaitGroup
		ids = make([]string, 2)
	)
	settings := []string{`{"outputFormat":"standard"}`, `{"outputFormat":"github"}`}
	for i := range settings {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			spec := pdfUpload(fmt.Sprintf("doc-%d.pdf", i))
			spec.settings = settings[i]
			resp := h.submit(spec)
			if resp.StatusCode == http.StatusOK {
				var job domain.Job
				if json.NewDecoder(resp.Body).Decode(&job) == nil {
					ids[i] = job.ID
				}
			}
		}(i)
	}
	wg.Wait()

	require.NotEmpty(t, ids[0])
	require.NotEmpty(t, ids[1])
	assert.NotEqual(t, ids[0], ids[1])

	first := h.waitTerminal(ids[0])
	second := h.waitTerminal(ids[1])
	assert.Equal(t, domain.JobStatusCompleted, first.Status)
	assert.Equal(t, "# ok", first.Result)
	assert.Equal(t, domain.JobStatusError, second.Status)
	assert.Equal(t, "github flavour unsupported", second.Error)
}

func TestGetAndDownloadUnknownConversion(t *testing.T) {
	h := newHarness(t, harnessOptions{})

	resp := h.get("/conversions/does-not-exist")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, map[string]string{"error": "conversion not found"}, decode[map[string]string](t, resp))

	assert.Equal(t, http.StatusNotFound, h.get("/conversions/does-not-exist/download").StatusCode)
}

type idleDispatcher struct{}

func (idleDispatcher) Name() string { return "idle" }

func (idleDispatcher) Dispatch(context.Context, domain.Job, string) error { return nil }

func TestDownloadRequiresCompletedJob(t *testing.T) {
	h := newHarness(t, harnessOptions{dispatcher: idleDispatcher{}})

	created := decode[domain.Job](t, h.submit(pdfUpload("wait.pdf")))
	assert.Equal(t, http.StatusNotFound, h.get("/conversions/"+created.ID+"/download").StatusCode)
}

func TestListConversionsNewestFirst(t *testing.T) {
	h := newHarness(t, harnessOptions{dispatcher: idleDispatcher{}})

	var ids []string
	for _, name := range []string{"one.pdf", "two.pdf", "three.pdf"} {
		ids = append(ids, decode[domain.Job](t, h.submit(pdfUpload(name))).ID)
		time.Sleep(2 * time.Millisecond)
	}

	list := decode[[]domain.Job](t, h.get("/conversions"))
	require.Len(t, list, 3)
	assert.Equal(t, []string{ids[2], ids[1], ids[0]}, []string{list[0].ID, list[1].ID, list[2].ID})
}

type failingDispatcher struct{}

func (failingDispatcher) Name() string { return "failing" }

func (failingDispatcher) Dispatch(context.Context, domain.Job, string) error {
	return errors.New("redis unavailable")
}

func TestDispatchFailureMarksJobFailed(t *testing.T) {
	h := newHarness(t, harnessOptions{dispatcher: failingDispatcher{}})

	resp := h.submit(pdfUpload("a.pdf"))
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)

	jobs, err := h.jobs.List(context.Background())
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, domain.JobStatusError, jobs[0].Status)
	assert.Contains(t, jobs[0].Error, "redis unavailable")
	assert.Empty(t, h.uploadsLeft())
}

type denyLimiter struct {
	mu       sync.Mutex
	subjects []string
}

func (d *denyLimiter) Allow(_ context.Context, subject string) (ratelimit.Decision, error) {
	d.mu.Lock()
	d.subjects = append(d.subjects, subject)
	d.mu.Unlock()
	return ratelimit.Decision{Allowed: false, RetryAfter: 2500 * time.Millisecond}, nil
}

func TestRateLimitAppliesToSubmissionsOnly(t *testing.T) {
	limiter := &denyLimiter{}
	h := newHarness(t, harnessOptions{limiter: limiter})

	spec := pdfUpload("a.pdf")
	spec.headers = map[string]string{"X-User-ID": "alice"}
	resp := h.submit(spec)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "3", resp.Header.Get("Retry-After"))
	assert.Equal(t, []string{"alice:POST /convert"}, limiter.subjects)

	assert.Equal(t, http.StatusOK, h.get("/conversions").StatusCode)
	assert.Len(t, limiter.subjects, 1)
}

func TestEventsStreamUntilTerminal(t *testing.T) {
	h := newHarness(t, harnessOptions{script: `echo 'PROGRESS:{"library":"pdfplumber"}' >&2; sleep 0.2; printf '# streamed'`})

	created := decode[domain.Job](t, h.submit(pdfUpload("stream.pdf")))

	wsURL := "ws" + strings.TrimPrefix(h.server.URL, "http") + "/conversions/" + created.ID + "/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	var last domain.Job
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(10*time.Second)))
	for {
		var job domain.Job
		if err := conn.ReadJSON(&job); err != nil {
			assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "unexpected error: %v", err)
			break
		}
		last = job
	}
	assert.Equal(t, domain.JobStatusCompleted, last.Status)
	assert.Equal(t, "# streamed", last.Result)

	_, _, err = websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(h.server.URL, "http")+"/conversions/missing/events", nil)
	assert.Error(t, err)
}

func TestHealthAndMetrics(t *testing.T) {
	h := newHarness(t, harnessOptions{})

	assert.Equal(t, map[string]string{"status": "ok"}, decode[map[string]string](t, h.get("/healthz")))

	h.get("/conversions/abc")
	metrics := h.get("/metrics")
	body, err := io.ReadAll(metrics.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `mdflow_api_requests_total{method="GET",route="/conversions/{id}",status="404"} 1`)
}
