package azure

import (
	"context"
	"errors"
	"fmt"
	"snapcopy/internal/model"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/service"
)

var ErrBlobNotFound = errors.New("blob not found")

// Blobs is the subset of a storage account's blob service used for copies.
type Blobs interface {
	// EnsureContainer creates the container; an existing one is not an error.
	EnsureContainer(ctx context.Context, container string) error
	// StartCopy begins an asynchronous server-side copy and returns its id.
	StartCopy(ctx context.Context, container, name, sourceURI string, metadata map[string]string) (string, error)
	// CopyStatus returns nil while the copy is still pending and
	// ErrBlobNotFound once the blob is gone.
	CopyStatus(ctx context.Context, container, name string) (*CopyResult, error)
	// DiscardCopy aborts a copy that may still be running and deletes the blob.
	DiscardCopy(ctx context.Context, container, name, copyID string) error
	DeleteBlob(ctx context.Context, container, name string) error
	BlobURL(container, name string) string
}

// CopyResult is the outcome of a finished copy.
type CopyResult struct {
	Status       model.CopyStatus
	SizeBytes    int64
	LastModified time.Time
}

// PageRange is an inclusive byte range holding data in a page blob.
type PageRange struct {
	Start int64
	End   int64
}

// BlobSizeInBytes estimates the billable size of a page blob: a fixed
// overhead, the name, each metadata pair and each written page range.
func BlobSizeInBytes(name string, metadata map[string]string, ranges []PageRange) int64 {
	size := int64(124 + 2*len(name))
	for k, v := range metadata {
		size += int64(3 + len(k) + len(v))
	}
	for _, r := range ranges {
		size += 12 + (r.End - r.Start)
	}
	return size
}

func copyStatus(s blob.CopyStatusType) (model.CopyStatus, error) {
	switch s {
	case blob.CopyStatusTypePending:
		return model.CopyPending, nil
	case blob.CopyStatusTypeSuccess:
		return model.CopySuccess, nil
	case blob.CopyStatusTypeFailed:
		return model.CopyFailed, nil
	case blob.CopyStatusTypeAborted:
		return model.CopyAborted, nil
	}
	return "", fmt.Errorf("unknown copy status %q", s)
}

type blobService struct {
	client *service.Client
}

// NewBlobs opens the blob endpoint of account with a shared key.
func NewBlobs(account, key string) (Blobs, error) {
	cred, err := service.NewSharedKeyCredential(account, key)
	if err != nil {
		return nil, fmt.Errorf("invalid shared key for %s: %w", account, err)
	}

	client, err := service.NewClientWithSharedKeyCredential(fmt.Sprintf("https://%s.blob.core.windows.net/", account), cred, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create blob client for %s: %w", account, err)
	}

	return &blobService{client: client}, nil
}

func (s *blobService) blob(container, name string) *blob.Client {
	return s.client.NewContainerClient(container).NewBlobClient(name)
}

func (s *blobService) EnsureContainer(ctx context.Context, container string) error {
	_, err := s.client.NewContainerClient(container).Create(ctx, nil)
	if err != nil && !bloberror.HasCode(err, bloberror.ContainerAlreadyExists) {
		return fmt.Errorf("failed to create container %s: %w", container, err)
	}
	return nil
}

func (s *blobService) StartCopy(ctx context.Context, container, name, sourceURI string, metadata map[string]string) (string, error) {
	res, err := s.blob(container, name).StartCopyFromURL(ctx, sourceURI, &blob.StartCopyFromURLOptions{
		Metadata: pointerMap(metadata),
	})
	if err != nil {
		return "", fmt.Errorf("failed to start copy to %s/%s: %w", container, name, err)
	}
	return value(res.CopyID), nil
}

func (s *blobService) CopyStatus(ctx context.Context, container, name string) (*CopyResult, error) {
	props, err := s.blob(container, name).GetProperties(ctx, nil)
	if bloberror.HasCode(err, bloberror.BlobNotFound, bloberror.ContainerNotFound) {
		return nil, fmt.Errorf("%s/%s: %w", container, name, ErrBlobNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get properties of %s/%s: %w", container, name, err)
	}
	if props.CopyStatus == nil {
		return nil, fmt.Errorf("%s/%s is not the target of a copy", container, name)
	}

	status, err := copyStatus(*props.CopyStatus)
	if err != nil {
		return nil, err
	}
	if status == model.CopyPending {
		return nil, nil
	}

	var ranges []PageRange
	pager := s.client.NewContainerClient(container).NewPageBlobClient(name).NewGetPageRangesPager(nil)
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to get page ranges of %s/%s: %w", container, name, err)
		}
		for _, r := range page.PageRange {
			if r != nil {
				ranges = append(ranges, PageRange{Start: value(r.Start), End: value(r.End)})
			}
		}
	}

	return &CopyResult{
		Status:       status,
		SizeBytes:    BlobSizeInBytes(name, stringMap(props.Metadata), ranges),
		LastModified: value(props.LastModified),
	}, nil
}

func (s *blobService) DiscardCopy(ctx context.Context, container, name, copyID string) error {
	if copyID != "" {
		_, err := s.blob(container, name).AbortCopyFromURL(ctx, copyID, nil)
		if err != nil && !bloberror.HasCode(err, bloberror.NoPendingCopyOperation) {
			return fmt.Errorf("failed to abort copy to %s/%s: %w", container, name, err)
		}
	}
	return s.DeleteBlob(ctx, container, name)
}

func (s *blobService) DeleteBlob(ctx context.Context, container, name string) error {
	_, err := s.blob(container, name).Delete(ctx, nil)
	if err != nil && !bloberror.HasCode(err, bloberror.BlobNotFound) {
		return fmt.Errorf("failed to delete %s/%s: %w", container, name, err)
	}
	return nil
}

func (s *blobService) BlobURL(container, name string) string {
	return s.blob(container, name).URL()
}

