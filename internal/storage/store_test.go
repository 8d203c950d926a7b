package storage

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiskStoreWritesSnapshot(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "snaps")
	s, err := NewDiskStore(dir)
	require.NoError(t, err)

	path, err := s.SaveSnapshot(context.Background(), "cam-1_mess_20260302_090000.jpg", []byte{0xFF, 0xD8}, "image/jpeg")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "cam-1_mess_20260302_090000.jpg"), path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xFF, 0xD8}, data)

	// Keys cannot escape the directory.
	path, err = s.SaveSnapshot(context.Background(), "../../etc/x.jpg", []byte{1}, "")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "x.jpg"), path)
}

func TestMinioStoreUploads(t *testing.T) {
	var gotPath, gotType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPut && strings.Count(strings.Trim(r.URL.Path, "/"), "/") >= 1 {
			gotPath = r.URL.Path
			gotType = r.Header.Get("Content-Type")
			w.Header().Set("ETag", `"d41d8cd98f00b204e9800998ecf8427e"`)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	cli, err := minio.New(u.Host, &minio.Options{
		Creds:  credentials.NewStaticV4("key", "secret", ""),
		Region: "us-east-1",
	})
	require.NoError(t, err)

	base, _ := url.Parse("https://cdn.example.com/snaps/")
	s := &MinioStore{client: cli, bucket: "bucket", baseURL: base}

	ref, err := s.SaveSnapshot(context.Background(), "cam-1_idle.jpg", []byte("jpeg"), "")
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example.com/snaps/cam-1_idle.jpg", ref)
	assert.Equal(t, "/bucket/cam-1_idle.jpg", gotPath)
	assert.Equal(t, "image/jpeg", gotType)

	s.baseURL = nil
	assert.Equal(t, "http://"+u.Host+"/bucket/k.jpg", s.objectURL("k.jpg"))
}
