package s3

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"transferpool/internal/domain"
	"transferpool/internal/strategy"
)

const listBody = `<?xml version="1.0" encoding="UTF-8"?>
<ListBucketResult xmlns="http://s3.amazonaws.com/doc/2006-03-01/">
  <Name>media</Name>
  <Prefix>docs/</Prefix>
  <Delimiter>/</Delimiter>
  <KeyCount>3</KeyCount>
  <MaxKeys>1000</MaxKeys>
  <IsTruncated>false</IsTruncated>
  <Contents><Key>docs/</Key><Size>0</Size></Contents>
  <Contents><Key>docs/a.txt</Key><Size>3</Size></Contents>
  <CommonPrefixes><Prefix>docs/sub/</Prefix></CommonPrefixes>
</ListBucketResult>`

func fakeS3(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodHead && r.URL.Path == "/media":
			w.WriteHeader(http.StatusOK)
		case r.Method == http.MethodGet && r.URL.Path == "/media" && r.URL.Query().Get("list-type") == "2":
			w.Header().Set("Content-Type", "application/xml")
			_, _ = io.WriteString(w, listBody)
		case r.Method == http.MethodHead && r.URL.Path == "/media/docs/a.txt":
			w.Header().Set("Content-Length", "42")
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func connected(t *testing.T, endpoint string) strategy.Strategy {
	t.Helper()
	s, err := New(strategy.Config{
		Bucket:   "media",
		Endpoint: endpoint,
		User:     "AKIATEST",
		Password: "secret",
	}, nil)
	require.NoError(t, err)
	require.NoError(t, s.Connect(context.Background()))
	t.Cleanup(func() { _ = s.Disconnect(context.Background()) })
	return s
}

func TestNewRequiresBucket(t *testing.T) {
	_, err := New(strategy.Config{}, nil)
	assert.Error(t, err)
}

func TestObjectKeys(t *testing.T) {
	assert.Equal(t, "docs/a.txt", objectKey("/docs/a.txt"))
	assert.Equal(t, "docs/a.txt", objectKey("docs//a.txt"))
	assert.Equal(t, "", objectKey("/"))
	assert.Equal(t, "docs/", folderPrefix("/docs/"))
	assert.Equal(t, "", folderPrefix(""))
}

func TestClientOptionsEndpoint(t *testing.T) {
	s, err := New(strategy.Config{Bucket: "b", Host: "minio.local", Port: 9000, InsecureSkipVerify: true}, nil)
	require.NoError(t, err)

	var o s3.Options
	s.(*Strategy).clientOptions(&o)
	assert.Equal(t, "http://minio.local:9000", aws.ToString(o.BaseEndpoint))
	assert.True(t, o.UsePathStyle)

	s, err = New(strategy.Config{Bucket: "b"}, nil)
	require.NoError(t, err)
	o = s3.Options{}
	s.(*Strategy).clientOptions(&o)
	assert.Nil(t, o.BaseEndpoint)
}

func TestListAndSize(t *testing.T) {
	srv := fakeS3(t)
	s := connected(t, srv.URL)
	ctx := context.Background()

	entries, err := s.List(ctx, "/docs")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, domain.FileEntry{Name: "sub", Type: domain.FileTypeFolder}, entries[0])
	assert.Equal(t, "a.txt", entries[1].Name)
	assert.Equal(t, int64(3), entries[1].Size)

	size, err := s.Size(ctx, "/docs/a.txt")
	require.NoError(t, err)
	assert.Equal(t, int64(42), size)

	pwd, err := s.Pwd(ctx)
	require.NoError(t, err)
	assert.Equal(t, "/", pwd)
}

func TestConnectFailsOnMissingBucket(t *testing.T) {
	srv := fakeS3(t)
	s, err := New(strategy.Config{Bucket: "other", Endpoint: srv.URL, User: "AKIATEST", Password: "secret"}, nil)
	require.NoError(t, err)
	assert.Error(t, s.Connect(context.Background()))
	assert.False(t, s.Connected())
}

func TestDisconnectedOperations(t *testing.T) {
	srv := fakeS3(t)
	s := connected(t, srv.URL)
	require.NoError(t, s.Disconnect(context.Background()))

	_, err := s.List(context.Background(), "/")
	assert.ErrorIs(t, err, strategy.ErrNotConnected)
	_, err = s.Pwd(context.Background())
	assert.ErrorIs(t, err, strategy.ErrNotConnected)
	assert.ErrorIs(t, s.Download(context.Background(), io.Discard, domain.TransferInfo{RemotePath: "/x"}, nil), strategy.ErrNotConnected)
}

func TestUnsupportedOperations(t *testing.T) {
	s, err := New(strategy.Config{Bucket: "b"}, nil)
	require.NoError(t, err)

	_, err = s.Send(context.Background(), "ls")
	assert.ErrorIs(t, err, strategy.ErrUnsupported)

	err = s.Upload(context.Background(), bytes.NewReader(nil), domain.TransferInfo{RemotePath: "/x", StartAt: 10}, nil)
	assert.ErrorIs(t, err, strategy.ErrUnsupported)
}
