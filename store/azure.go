/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package store

import (
	"context"
	"io"
	"net/url"

	"github.com/Azure/azure-storage-blob-go/azblob"

	"github.com/amargo-project/amargo/cmn"
)

// AzureBlob is the Blobs adapter over Azure Blob Storage, selected via
// cmn.BlobsConfig.Kind == "azure". Wired alongside S3 so a deployment isn't
// locked to a single cloud provider for its object store.
type AzureBlob struct {
	container azblob.ContainerURL
}

var _ Blobs = (*AzureBlob)(nil)

func NewAzureBlob(cfg cmn.BlobsConfig) (*AzureBlob, error) {
	credential, err := azblob.NewSharedKeyCredential(cfg.AzureAccount, cfg.AzureAccountKey)
	if err != nil {
		return nil, cmn.WrapInternal("azure shared key credential", err)
	}
	pipeline := azblob.NewPipeline(credential, azblob.PipelineOptions{})
	u, err := url.Parse("https://" + cfg.AzureAccount + ".blob.core.windows.net/" + cfg.Bucket)
	if err != nil {
		return nil, cmn.WrapInternal("parse azure container url", err)
	}
	return &AzureBlob{container: azblob.NewContainerURL(*u, pipeline)}, nil
}

func (b *AzureBlob) blobURL(key string) azblob.BlockBlobURL {
	return b.container.NewBlockBlobURL(key)
}

func (b *AzureBlob) Put(ctx context.Context, key string, r io.Reader, contentType string) error {
	_, err := azblob.UploadStreamToBlockBlob(ctx, r, b.blobURL(key), azblob.UploadStreamToBlockBlobOptions{
		BufferSize: 4 * 1024 * 1024,
		MaxBuffers: 4,
		BlobHTTPHeaders: azblob.BlobHTTPHeaders{
			ContentType: contentType,
		},
	})
	return err
}

func (b *AzureBlob) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	resp, err := b.blobURL(key).Download(ctx, 0, azblob.CountToEnd, azblob.BlobAccessConditions{}, false, azblob.ClientProvidedKeyOptions{})
	if err != nil {
		if isAzureNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return resp.Body(azblob.RetryReaderOptions{}), nil
}

func (b *AzureBlob) Head(ctx context.Context, key string) (Head, error) {
	props, err := b.blobURL(key).GetProperties(ctx, azblob.BlobAccessConditions{}, azblob.ClientProvidedKeyOptions{})
	if err != nil {
		if isAzureNotFound(err) {
			return Head{}, ErrNotFound
		}
		return Head{}, err
	}
	return Head{
		Size:         props.ContentLength(),
		ContentType:  props.ContentType(),
		ETag:         string(props.ETag()),
		LastModified: props.LastModified(),
	}, nil
}

func (b *AzureBlob) Delete(ctx context.Context, key string) error {
	_, err := b.blobURL(key).Delete(ctx, azblob.DeleteSnapshotsOptionNone, azblob.BlobAccessConditions{})
	if err != nil && !isAzureNotFound(err) {
		return err
	}
	return nil
}

func (b *AzureBlob) Exists(ctx context.Context, key string) (bool, error) {
	_, err := b.Head(ctx, key)
	if err != nil {
		if IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (b *AzureBlob) List(ctx context.Context, prefix string, limit int) ([]string, error) {
	var keys []string
	marker := azblob.Marker{}
	for marker.NotDone() {
		resp, err := b.container.ListBlobsFlatSegment(ctx, marker, azblob.ListBlobsSegmentOptions{Prefix: prefix})
		if err != nil {
			return nil, err
		}
		for _, item := range resp.Segment.BlobItems {
			keys = append(keys, item.Name)
			if limit > 0 && len(keys) >= limit {
				return keys, nil
			}
		}
		marker = resp.NextMarker
	}
	return keys, nil
}

func isAzureNotFound(err error) bool {
	if serr, ok := err.(azblob.StorageError); ok {
		return serr.ServiceCode() == azblob.ServiceCodeBlobNotFound
	}
	return false
}
