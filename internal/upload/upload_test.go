package upload

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"regexp"
	"strings"
	"sync"
	"testing"

	"github.com/companyzero/voicenote/internal/assert"
	"github.com/companyzero/voicenote/internal/audio"
	"github.com/companyzero/voicenote/internal/testutils"
)

var keyRegexp = regexp.MustCompile(`^voice/alice/[0-9a-f-]{36}\.wav$`)

// TestExtension asserts content types map to file extensions.
func TestExtension(t *testing.T) {
	t.Parallel()

	tests := []struct {
		typ, want string
	}{
		{audio.TypeWAV, "wav"},
		{"audio/x-wav", "wav"},
		{audio.TypeOggOpus, "ogg"},
		{audio.TypeWebmOpus, "webm"},
		{audio.TypeMP4AAC, "m4a"},
		{"", "bin"},
		{"text/plain", "bin"},
	}
	for _, tc := range tests {
		if got := Extension(tc.typ); got != tc.want {
			t.Fatalf("Extension(%q): got %q, want %q", tc.typ, got, tc.want)
		}
	}
}

// TestObjectKey asserts keys are unique and safe.
func TestObjectKey(t *testing.T) {
	t.Parallel()

	k1 := ObjectKey("/voice/", "alice", audio.TypeWAV)
	k2 := ObjectKey("voice", "alice", audio.TypeWAV)
	if !keyRegexp.MatchString(k1) || !keyRegexp.MatchString(k2) {
		t.Fatalf("unexpected keys %q %q", k1, k2)
	}
	if k1 == k2 {
		t.Fatal("keys are not unique")
	}

	k := ObjectKey("", "../../etc", audio.TypeOgg)
	if strings.Contains(k, "..") || strings.Count(k, "/") != 1 {
		t.Fatalf("unsafe key %q", k)
	}
}

type s3Request struct {
	method, path, contentType, owner string
	body                             []byte
}

// newTestS3Server returns a server that responds to every request with the
// given status.
func newTestS3Server(t testing.TB, status int) (*httptest.Server, *[]s3Request, *sync.Mutex) {
	var mtx sync.Mutex
	var reqs []s3Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mtx.Lock()
		reqs = append(reqs, s3Request{
			method:      r.Method,
			path:        r.URL.Path,
			contentType: r.Header.Get("Content-Type"),
			owner:       r.Header.Get("X-Amz-Meta-Owner"),
			body:        body,
		})
		mtx.Unlock()
		if status != http.StatusOK {
			w.Header().Set("Content-Type", "application/xml")
			w.WriteHeader(status)
			io.WriteString(w, `<?xml version="1.0" encoding="UTF-8"?>`+
				`<Error><Code>AccessDenied</Code><Message>denied</Message></Error>`)
			return
		}
		w.Header().Set("ETag", `"abc"`)
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)
	return srv, &reqs, &mtx
}

func newTestS3Gateway(t testing.TB, endpoint string) *S3Gateway {
	t.Helper()
	g, err := NewS3Gateway(S3Config{
		Endpoint:        endpoint,
		Bucket:          "notes",
		AccessKeyID:     "id",
		SecretAccessKey: "secret",
		Prefix:          "voice",
	}, testutils.TestLoggerSys(t, "UPLD"))
	assert.NilErr(t, err)
	return g
}

// TestS3Upload asserts blobs are stored with a PUT to the bucket.
func TestS3Upload(t *testing.T) {
	t.Parallel()

	srv, reqs, mtx := newTestS3Server(t, http.StatusOK)
	g := newTestS3Gateway(t, srv.URL)

	blob := audio.Blob{Data: testutils.RandomData(t, 1<<16), Type: audio.TypeWAV}
	got, err := g.Upload(context.Background(), blob, "alice")
	assert.NilErr(t, err)

	mtx.Lock()
	defer mtx.Unlock()
	if len(*reqs) != 1 {
		t.Fatalf("unexpected nb of requests %d", len(*reqs))
	}
	req := (*reqs)[0]
	if req.method != http.MethodPut {
		t.Fatalf("unexpected method %s", req.method)
	}
	key := strings.TrimPrefix(req.path, "/notes/")
	if !keyRegexp.MatchString(key) {
		t.Fatalf("unexpected path %q", req.path)
	}
	if req.contentType != audio.TypeWAV || req.owner != "alice" {
		t.Fatalf("unexpected headers %q %q", req.contentType, req.owner)
	}
	if !bytes.Equal(req.body, blob.Data) {
		t.Fatalf("unexpected body (%d bytes)", len(req.body))
	}
	if want := srv.URL + "/notes/" + key; got != want {
		t.Fatalf("unexpected url: got %q, want %q", got, want)
	}
}

// TestS3UploadErrors asserts storage failures are reported as upload errors
// without retrying.
func TestS3UploadErrors(t *testing.T) {
	t.Parallel()

	for _, status := range []int{http.StatusForbidden, http.StatusInternalServerError} {
		srv, reqs, mtx := newTestS3Server(t, status)
		g := newTestS3Gateway(t, srv.URL)
		blob := audio.Blob{Data: []byte("data"), Type: audio.TypeOggOpus}
		_, err := g.Upload(context.Background(), blob, "alice")
		assert.ErrorIs(t, err, ErrUpload)

		mtx.Lock()
		n := len(*reqs)
		mtx.Unlock()
		if n != 1 {
			t.Fatalf("status %d: unexpected nb of requests %d", status, n)
		}
	}

	// Empty blobs are rejected before reaching the server.
	srv, reqs, _ := newTestS3Server(t, http.StatusOK)
	g := newTestS3Gateway(t, srv.URL)
	_, err := g.Upload(context.Background(), audio.Blob{Type: audio.TypeWAV}, "alice")
	assert.ErrorIs(t, err, ErrUpload)
	if len(*reqs) != 0 {
		t.Fatal("empty blob was uploaded")
	}
}

// TestS3Config asserts invalid configs are rejected.
func TestS3Config(t *testing.T) {
	t.Parallel()

	_, err := NewS3Gateway(S3Config{AccessKeyID: "id", SecretAccessKey: "s"}, nil)
	assert.NonNilErr(t, err)
	_, err = NewS3Gateway(S3Config{Bucket: "b", AccessKeyID: "id",
		SecretAccessKey: "s", Endpoint: "not a url"}, nil)
	assert.NonNilErr(t, err)

	g, err := NewS3Gateway(S3Config{Bucket: "b", AccessKeyID: "id",
		SecretAccessKey: "s", PublicURL: "https://cdn.example.com/"}, nil)
	assert.NilErr(t, err)
	if got := g.objectURL("a/b c.wav"); got != "https://cdn.example.com/a/b%20c.wav" {
		t.Fatalf("unexpected url %q", got)
	}
}

// TestDirUpload asserts blobs are stored in the directory along with their
// metadata.
func TestDirUpload(t *testing.T) {
	t.Parallel()

	dir := testutils.TempTestDir(t, "upload")
	g, err := NewDirGateway(dir, "voice", testutils.TestLoggerSys(t, "UPLD"))
	assert.NilErr(t, err)

	blob := audio.Blob{Data: []byte("RIFF....WAVE"), Type: audio.TypeWAV}
	got, err := g.Upload(context.Background(), blob, "alice")
	assert.NilErr(t, err)

	u, err := url.Parse(got)
	assert.NilErr(t, err)
	if u.Scheme != "file" {
		t.Fatalf("unexpected url %q", got)
	}
	data, err := os.ReadFile(u.Path)
	assert.NilErr(t, err)
	assert.DeepEqual(t, data, blob.Data)

	meta, err := ReadMetadata(u.Path)
	assert.NilErr(t, err)
	if !keyRegexp.MatchString(meta.Key) {
		t.Fatalf("unexpected key %q", meta.Key)
	}
	if meta.OwnerID != "alice" || meta.ContentType != audio.TypeWAV ||
		meta.Size != len(blob.Data) || len(meta.SHA256) != 64 {
		t.Fatalf("unexpected metadata %+v", meta)
	}

	_, err = g.Upload(context.Background(), blob, "")
	assert.ErrorIs(t, err, ErrUpload)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = g.Upload(ctx, blob, "alice")
	assert.ErrorIs(t, err, ErrUpload)
	assert.ErrorIs(t, err, context.Canceled)
}
