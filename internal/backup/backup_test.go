package backup

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesh-intelligence/docstore/pkg/types"
)

func TestName(t *testing.T) {
	tests := []struct {
		name string
		id   string
		want string
	}{
		{"plain id", "A-1", "order_A-1_3.bak"},
		{"slash id", "orders/1", "order_orders%2F1_3.bak"},
		{"backslash id", `orders\1`, "order_orders%5C1_3.bak"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Name("order", tt.id, 3))
		})
	}
}

func TestFileWriterAcceptsEscapedNames(t *testing.T) {
	dir := t.TempDir()
	w, err := NewFileWriter(dir)
	require.NoError(t, err)

	name := Name("order", "orders/1", 1)
	require.NoError(t, w.Write(context.Background(), name, []byte(`{}`)))
	assert.FileExists(t, filepath.Join(dir, name))
}

func TestFileWriter(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "backups")
	w, err := NewFileWriter(dir)
	require.NoError(t, err)

	require.NoError(t, w.Write(context.Background(), "order_a_1.bak", []byte(`{"v":1}`)))
	require.NoError(t, w.Write(context.Background(), "order_a_1.bak", []byte(`{"v":2}`)))

	data, err := os.ReadFile(filepath.Join(dir, "order_a_1.bak"))
	require.NoError(t, err)
	assert.Equal(t, `{"v":2}`, string(data))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files are renamed away")
}

func TestFileWriterRejectsPaths(t *testing.T) {
	w, err := NewFileWriter(t.TempDir())
	require.NoError(t, err)
	for _, name := range []string{"", "..", "a/b.bak", `a\b.bak`} {
		assert.Error(t, w.Write(context.Background(), name, nil), name)
	}
}

type fakePutter struct {
	inputs []*s3.PutObjectInput
	bodies [][]byte
	err    error
}

func (f *fakePutter) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	body, _ := io.ReadAll(in.Body)
	f.inputs = append(f.inputs, in)
	f.bodies = append(f.bodies, body)
	return &s3.PutObjectOutput{}, nil
}

func TestS3WriterWithClient(t *testing.T) {
	fake := &fakePutter{}
	w := NewS3WriterWithClient(fake, "docs", "backups")
	require.NoError(t, w.Write(context.Background(), "order_a_1.bak", []byte("old")))

	require.Len(t, fake.inputs, 1)
	assert.Equal(t, "docs", *fake.inputs[0].Bucket)
	assert.Equal(t, "backups/order_a_1.bak", *fake.inputs[0].Key)
	assert.Equal(t, []byte("old"), fake.bodies[0])

	fake.err = errors.New("denied")
	assert.ErrorContains(t, w.Write(context.Background(), "x.bak", nil), "denied")
}

func TestS3WriterAgainstEndpoint(t *testing.T) {
	t.Setenv("AWS_ACCESS_KEY_ID", "AKIA")
	t.Setenv("AWS_SECRET_ACCESS_KEY", "SECRET")

	var mu sync.Mutex
	objects := map[string][]byte{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		objects[r.URL.Path] = body
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	w, err := NewS3Writer(context.Background(), S3Config{Bucket: "docs", Endpoint: srv.URL, HTTPClient: srv.Client()})
	require.NoError(t, err)
	require.NoError(t, w.Write(context.Background(), "order_a_1.bak", []byte("old")))

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, objects, "/docs/order_a_1.bak")
}

func TestFromConfig(t *testing.T) {
	w, err := FromConfig(context.Background(), types.Config{Backend: types.BackendSQLite})
	require.NoError(t, err)
	assert.Nil(t, w)

	dir := t.TempDir()
	w, err = FromConfig(context.Background(), types.Config{Backend: types.BackendSQLite, BackupDir: dir})
	require.NoError(t, err)
	fw, ok := w.(*FileWriter)
	require.True(t, ok)
	assert.Equal(t, dir, fw.Dir)

	_, err = NewS3Writer(context.Background(), S3Config{})
	assert.Error(t, err)
}
