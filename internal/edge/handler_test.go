package edge

import (
	"bytes"
	"context"
	"net/http/httptest"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/programexplorer/pe/internal/errdefs"
	"github.com/programexplorer/pe/internal/imageservice"
	"github.com/programexplorer/pe/internal/wire"
	"github.com/programexplorer/pe/internal/worker"
)

func discardLog() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(l)
}

type fakeResolver struct {
	ref *imageservice.ImageRef
	err error
}

func (f *fakeResolver) Materialize(ctx context.Context, ref, arch, goos string) (*imageservice.ImageRef, error) {
	return f.ref, f.err
}

type fakeSubmitter struct {
	result *worker.Result
	err    error
}

func (f *fakeSubmitter) Submit(ctx context.Context, img *imageservice.ImageRef, hdr wire.RunHeader, inputArchive []byte) (*worker.Result, error) {
	return f.result, f.err
}

func validBody(t *testing.T) []byte {
	t.Helper()
	hdr := &wire.RunHeader{Argv: []string{"true"}, Stdin: "/dev/null", WallClockMS: 1000}
	hdrBytes, err := wire.EncodeRunHeader(hdr)
	require.NoError(t, err)
	var buf bytes.Buffer
	require.NoError(t, wire.WriteEnvelope(&buf, hdrBytes, []byte("fake-input-archive")))
	return buf.Bytes()
}

func newHandler(images ImageResolver, pool Submitter) *Handler {
	return NewHandler(images, pool, 1<<20, discardLog())
}

func TestHandleRunMissingContentLength(t *testing.T) {
	h := newHandler(&fakeResolver{}, &fakeSubmitter{})
	req := httptest.NewRequest("POST", "/run/amd64/linux/alpine@sha256:"+zeros(), bytes.NewReader(validBody(t)))
	req.ContentLength = -1
	rec := httptest.NewRecorder()
	h.Router().ServeHTTP(rec, req)
	require.Equal(t, 411, rec.Code)
}

func TestHandleRunOversizedBody(t *testing.T) {
	h := NewHandler(&fakeResolver{}, &fakeSubmitter{}, 8, discardLog())
	body := validBody(t)
	req := httptest.NewRequest("POST", "/run/amd64/linux/alpine@sha256:"+zeros(), bytes.NewReader(body))
	req.ContentLength = int64(len(body))
	rec := httptest.NewRecorder()
	h.Router().ServeHTTP(rec, req)
	require.Equal(t, 413, rec.Code)
}

func TestHandleRunMalformedEnvelope(t *testing.T) {
	h := newHandler(&fakeResolver{}, &fakeSubmitter{})
	body := []byte{0xff, 0xff, 0xff, 0xff}
	req := httptest.NewRequest("POST", "/run/amd64/linux/alpine@sha256:"+zeros(), bytes.NewReader(body))
	req.ContentLength = int64(len(body))
	rec := httptest.NewRecorder()
	h.Router().ServeHTTP(rec, req)
	require.Equal(t, 400, rec.Code)
}

func TestHandleRunImageNotFound(t *testing.T) {
	h := newHandler(&fakeResolver{err: errdefs.WrapNotFound(errTest)}, &fakeSubmitter{})
	body := validBody(t)
	req := httptest.NewRequest("POST", "/run/amd64/linux/alpine@sha256:"+zeros(), bytes.NewReader(body))
	req.ContentLength = int64(len(body))
	rec := httptest.NewRecorder()
	h.Router().ServeHTTP(rec, req)
	require.Equal(t, 404, rec.Code)
}

func TestHandleRunImageOtherErrorBecomesBadGateway(t *testing.T) {
	h := newHandler(&fakeResolver{err: errdefs.WrapSystem(errTest)}, &fakeSubmitter{})
	body := validBody(t)
	req := httptest.NewRequest("POST", "/run/amd64/linux/alpine@sha256:"+zeros(), bytes.NewReader(body))
	req.ContentLength = int64(len(body))
	rec := httptest.NewRecorder()
	h.Router().ServeHTTP(rec, req)
	require.Equal(t, 502, rec.Code)
}

func TestHandleRunWorkerBusy(t *testing.T) {
	h := newHandler(&fakeResolver{ref: &imageservice.ImageRef{}}, &fakeSubmitter{err: errdefs.WrapUnavailable(errTest)})
	body := validBody(t)
	req := httptest.NewRequest("POST", "/run/amd64/linux/alpine@sha256:"+zeros(), bytes.NewReader(body))
	req.ContentLength = int64(len(body))
	rec := httptest.NewRecorder()
	h.Router().ServeHTTP(rec, req)
	require.Equal(t, 429, rec.Code)
}

func TestHandleRunWorkerOtherErrorBecomesInternal(t *testing.T) {
	h := newHandler(&fakeResolver{ref: &imageservice.ImageRef{}}, &fakeSubmitter{err: errTest})
	body := validBody(t)
	req := httptest.NewRequest("POST", "/run/amd64/linux/alpine@sha256:"+zeros(), bytes.NewReader(body))
	req.ContentLength = int64(len(body))
	rec := httptest.NewRecorder()
	h.Router().ServeHTTP(rec, req)
	require.Equal(t, 500, rec.Code)
}

func TestHandleRunSuccess(t *testing.T) {
	result := &worker.Result{
		Response: &wire.Response{Kind: wire.ResponseOk, Siginfo: wire.Siginfo{Exited: true}},
		Output:   []byte("fake-output-archive"),
	}
	h := newHandler(&fakeResolver{ref: &imageservice.ImageRef{}}, &fakeSubmitter{result: result})
	body := validBody(t)
	req := httptest.NewRequest("POST", "/run/amd64/linux/alpine@sha256:"+zeros(), bytes.NewReader(body))
	req.ContentLength = int64(len(body))
	rec := httptest.NewRecorder()
	h.Router().ServeHTTP(rec, req)

	require.Equal(t, 200, rec.Code)
	require.Equal(t, ArchiveContentType, rec.Header().Get("Content-Type"))

	respBytes, output, err := wire.SplitEnvelope(rec.Body.Bytes())
	require.NoError(t, err)
	gotResp, err := wire.DecodeResponse(respBytes)
	require.NoError(t, err)
	require.Equal(t, wire.ResponseOk, gotResp.Kind)
	require.True(t, gotResp.Siginfo.Exited)
	require.Equal(t, result.Output, output)
}

func TestHandleRunHealth(t *testing.T) {
	h := newHandler(&fakeResolver{}, &fakeSubmitter{})
	req := httptest.NewRequest("GET", "/health", nil)
	rec := httptest.NewRecorder()
	h.Router().ServeHTTP(rec, req)
	require.Equal(t, 200, rec.Code)
}

var errTest = &testError{"boom"}

type testError struct{ s string }

func (e *testError) Error() string { return e.s }

func zeros() string {
	b := make([]byte, 64)
	for i := range b {
		b[i] = '0'
	}
	return string(b)
}
