package dropbox

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moolen/lochness/internal/metrics"
	"github.com/moolen/lochness/internal/phoenix"
	"github.com/moolen/lochness/internal/source"
)

// fakeClient serves an in-memory remote tree. corruptFirst makes the
// first N downloads of each path return garbage bytes to exercise hash
// verification.
type fakeClient struct {
	files        map[string][]byte
	corruptFirst int

	downloads map[string]int
	deleted   []string
	deleteErr error
}

func newFakeClient(files map[string][]byte) *fakeClient {
	return &fakeClient{
		files:     files,
		downloads: make(map[string]int),
	}
}

func (c *fakeClient) ListFolder(ctx context.Context, path string) ([]RemoteFile, error) {
	var out []RemoteFile
	for p, data := range c.files {
		if !strings.HasPrefix(p, strings.ToLower(path)+"/") {
			continue
		}
		out = append(out, RemoteFile{
			Path:        p,
			Size:        uint64(len(data)),
			ContentHash: contentHash(data),
		})
	}
	return out, nil
}

func (c *fakeClient) Download(ctx context.Context, path string) (io.ReadCloser, error) {
	data, ok := c.files[path]
	if !ok {
		return nil, errors.New("not found")
	}
	c.downloads[path]++
	if c.downloads[path] <= c.corruptFirst {
		data = []byte("corrupted in transit")
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (c *fakeClient) Delete(ctx context.Context, path string) error {
	if c.deleteErr != nil {
		return c.deleteErr
	}
	c.deleted = append(c.deleted, path)
	delete(c.files, path)
	return nil
}

func contentHash(data []byte) string {
	h := NewContentHasher()
	h.Write(data)
	return h.Sum()
}

func testSubject() phoenix.Subject {
	return phoenix.Subject{
		Study: "StudyA",
		ID:    "SUB001",
		Sources: map[string][]phoenix.SourceID{
			SourceName: {{Label: "main", ID: "SUB001"}},
		},
	}
}

func newTestSource(t *testing.T, client Client, m *metrics.Metrics) (*Source, *phoenix.Phoenix) {
	t.Helper()
	ph := phoenix.New(t.TempDir())
	src, err := New(map[string]Account{
		"main": {Client: client, Base: "/studies"},
	}, ph, m)
	require.NoError(t, err)
	return src, ph
}

func TestSyncDownloadsNewFiles(t *testing.T) {
	client := newFakeClient(map[string][]byte{
		"/studies/sub001/phone/gps.csv":  []byte("lat,lon\n1,2\n"),
		"/studies/sub001/saliva/kit.pdf": []byte("%PDF-1.4 fake"),
		"/studies/sub999/phone/gps.csv":  []byte("someone else"),
	})
	src, ph := newTestSource(t, client, nil)

	require.NoError(t, src.Sync(context.Background(), testSubject(), false))

	data, err := os.ReadFile(ph.ProtectedPath("StudyA", "SUB001", "dropbox", "phone", "gps.csv"))
	require.NoError(t, err)
	assert.Equal(t, "lat,lon\n1,2\n", string(data))

	_, err = os.Stat(ph.ProtectedPath("StudyA", "SUB001", "dropbox", "saliva", "kit.pdf"))
	assert.NoError(t, err)

	// the other subject's tree stays untouched
	_, err = os.Stat(ph.ProtectedPath("StudyA", "SUB001", "dropbox", "phone", "gps.csv"))
	assert.NoError(t, err)
	assert.Empty(t, client.deleted)
}

func TestSyncSkipsExistingLocalFile(t *testing.T) {
	client := newFakeClient(map[string][]byte{
		"/studies/sub001/phone/gps.csv": []byte("remote"),
	})
	src, ph := newTestSource(t, client, nil)

	dst := ph.ProtectedPath("StudyA", "SUB001", "dropbox", "phone", "gps.csv")
	require.NoError(t, os.MkdirAll(filepath.Dir(dst), 0755))
	require.NoError(t, os.WriteFile(dst, []byte("already here"), 0644))

	require.NoError(t, src.Sync(context.Background(), testSubject(), false))

	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "already here", string(data))
	assert.Zero(t, client.downloads["/studies/sub001/phone/gps.csv"])
}

func TestSyncVerifiedCacheSkipsRelisting(t *testing.T) {
	client := newFakeClient(map[string][]byte{
		"/studies/sub001/phone/gps.csv": []byte("payload"),
	})
	src, _ := newTestSource(t, client, nil)

	require.NoError(t, src.Sync(context.Background(), testSubject(), false))
	require.NoError(t, src.Sync(context.Background(), testSubject(), false))

	assert.Equal(t, 1, client.downloads["/studies/sub001/phone/gps.csv"])
}

func TestSyncDryRunWritesNothing(t *testing.T) {
	client := newFakeClient(map[string][]byte{
		"/studies/sub001/phone/gps.csv": []byte("payload"),
	})
	src, ph := newTestSource(t, client, nil)

	require.NoError(t, src.Sync(context.Background(), testSubject(), true))

	_, err := os.Stat(ph.ProtectedPath("StudyA", "SUB001", "dropbox"))
	assert.True(t, os.IsNotExist(err))
	assert.Zero(t, client.downloads["/studies/sub001/phone/gps.csv"])
}

func TestSyncDeleteOnSuccess(t *testing.T) {
	client := newFakeClient(map[string][]byte{
		"/studies/sub001/phone/gps.csv": []byte("payload"),
	})
	ph := phoenix.New(t.TempDir())
	src, err := New(map[string]Account{
		"main": {Client: client, Base: "/studies", DeleteOnSuccess: true},
	}, ph, nil)
	require.NoError(t, err)

	require.NoError(t, src.Sync(context.Background(), testSubject(), false))

	assert.Equal(t, []string{"/studies/sub001/phone/gps.csv"}, client.deleted)
	_, err = os.Stat(ph.ProtectedPath("StudyA", "SUB001", "dropbox", "phone", "gps.csv"))
	assert.NoError(t, err)
}

func TestSyncDeleteFailureKeepsLocalCopy(t *testing.T) {
	client := newFakeClient(map[string][]byte{
		"/studies/sub001/phone/gps.csv": []byte("payload"),
	})
	client.deleteErr = errors.New("remote is read only")
	ph := phoenix.New(t.TempDir())
	src, err := New(map[string]Account{
		"main": {Client: client, Base: "/studies", DeleteOnSuccess: true},
	}, ph, nil)
	require.NoError(t, err)

	err = src.Sync(context.Background(), testSubject(), false)
	require.Error(t, err)

	var delErr *source.DeletionError
	assert.True(t, errors.As(err, &delErr))

	data, readErr := os.ReadFile(ph.ProtectedPath("StudyA", "SUB001", "dropbox", "phone", "gps.csv"))
	require.NoError(t, readErr)
	assert.Equal(t, "payload", string(data))
}

func TestSyncRetriesHashMismatch(t *testing.T) {
	client := newFakeClient(map[string][]byte{
		"/studies/sub001/phone/gps.csv": []byte("payload"),
	})
	client.corruptFirst = 1
	src, ph := newTestSource(t, client, nil)

	require.NoError(t, src.Sync(context.Background(), testSubject(), false))

	assert.Equal(t, 2, client.downloads["/studies/sub001/phone/gps.csv"])
	data, err := os.ReadFile(ph.ProtectedPath("StudyA", "SUB001", "dropbox", "phone", "gps.csv"))
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))
}

func TestSyncGivesUpAfterRepeatedMismatch(t *testing.T) {
	client := newFakeClient(map[string][]byte{
		"/studies/sub001/phone/gps.csv": []byte("payload"),
	})
	client.corruptFirst = 100
	src, ph := newTestSource(t, client, nil)

	err := src.Sync(context.Background(), testSubject(), false)
	require.Error(t, err)

	var mismatch *source.HashMismatchError
	assert.True(t, errors.As(err, &mismatch))
	assert.Equal(t, maxDownloadAttempts, client.downloads["/studies/sub001/phone/gps.csv"])

	// no partial or corrupted file may survive
	_, statErr := os.Stat(ph.ProtectedPath("StudyA", "SUB001", "dropbox", "phone", "gps.csv"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestSyncUnknownAccountLabel(t *testing.T) {
	client := newFakeClient(nil)
	src, _ := newTestSource(t, client, nil)

	subject := testSubject()
	subject.Sources[SourceName] = []phoenix.SourceID{{Label: "other", ID: "SUB001"}}

	assert.NoError(t, src.Sync(context.Background(), subject, false))
}

func TestSyncRecordsMetrics(t *testing.T) {
	client := newFakeClient(map[string][]byte{
		"/studies/sub001/phone/gps.csv": []byte("1234567890"),
	})
	m := metrics.New(prometheus.NewRegistry())
	src, _ := newTestSource(t, client, m)

	require.NoError(t, src.Sync(context.Background(), testSubject(), false))

	assert.Equal(t, float64(1),
		testutil.ToFloat64(m.FilesDownloaded.WithLabelValues(SourceName, "StudyA")))
	assert.Equal(t, float64(10),
		testutil.ToFloat64(m.BytesDownloaded.WithLabelValues(SourceName, "StudyA")))
}

func TestNewValidation(t *testing.T) {
	ph := phoenix.New(t.TempDir())

	_, err := New(map[string]Account{"main": {}}, ph, nil)
	assert.Error(t, err)

	_, err = New(nil, nil, nil)
	assert.Error(t, err)
}
