package dropbox

import (
	"context"
	"fmt"
	"io"

	"github.com/dropbox/dropbox-sdk-go-unofficial/v6/dropbox"
	"github.com/dropbox/dropbox-sdk-go-unofficial/v6/dropbox/files"
)

// RemoteFile is one file found under the account's search root.
type RemoteFile struct {
	// Path is the lowercased remote path as reported by Dropbox
	Path string

	// Size in bytes
	Size uint64

	// ContentHash is the Dropbox content hash of the remote file
	ContentHash string
}

// Client is the subset of the Dropbox API the source needs. The production
// implementation wraps the official SDK; tests substitute a fake.
type Client interface {
	// ListFolder lists all files under path recursively
	ListFolder(ctx context.Context, path string) ([]RemoteFile, error)

	// Download returns the content stream of a remote file
	Download(ctx context.Context, path string) (io.ReadCloser, error)

	// Delete removes a remote file
	Delete(ctx context.Context, path string) error
}

// sdkClient wraps the official Dropbox SDK.
type sdkClient struct {
	files files.Client
}

// NewClient creates a Client authenticated with the given access token.
func NewClient(token string) Client {
	cfg := dropbox.Config{Token: token}
	return &sdkClient{files: files.New(cfg)}
}

func (c *sdkClient) ListFolder(ctx context.Context, path string) ([]RemoteFile, error) {
	arg := files.NewListFolderArg(path)
	arg.Recursive = true

	res, err := c.files.ListFolder(arg)
	if err != nil {
		return nil, fmt.Errorf("list folder %s: %w", path, err)
	}

	var out []RemoteFile
	for {
		for _, entry := range res.Entries {
			if f, ok := entry.(*files.FileMetadata); ok {
				out = append(out, RemoteFile{
					Path:        f.PathLower,
					Size:        f.Size,
					ContentHash: f.ContentHash,
				})
			}
		}

		if !res.HasMore {
			return out, nil
		}

		res, err = c.files.ListFolderContinue(files.NewListFolderContinueArg(res.Cursor))
		if err != nil {
			return nil, fmt.Errorf("list folder continue %s: %w", path, err)
		}
	}
}

func (c *sdkClient) Download(ctx context.Context, path string) (io.ReadCloser, error) {
	_, content, err := c.files.Download(files.NewDownloadArg(path))
	if err != nil {
		return nil, err
	}
	return content, nil
}

func (c *sdkClient) Delete(ctx context.Context, path string) error {
	_, err := c.files.DeleteV2(files.NewDeleteArg(path))
	return err
}
