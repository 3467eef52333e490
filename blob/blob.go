// Copyright 2026 The Commandfeed Authors
// SPDX-License-Identifier: Apache-2.0

// Package blob abstracts the object stores the export pipeline reads
// staged agent output from and delivers finished archives to. A
// Service resolves container URIs; a Container does paged listing and
// streamed reads and writes.
package blob

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrNotFound is returned when a blob or container does not exist.
var ErrNotFound = errors.New("blob: not found")

// Info describes one stored blob.
type Info struct {
	// Path is the blob's path within its container, slash separated,
	// no leading slash.
	Path string

	Size    int64
	ModTime time.Time
}

// Page is one page of a listing. NextToken is empty on the last page;
// otherwise pass it to the next List call.
type Page struct {
	Items     []Info
	NextToken string
}

// Container is one addressable container of blobs.
type Container interface {
	// URI is the container's absolute URI as given to the Service.
	URI() string

	// Create makes the container exist. Idempotent.
	Create(ctx context.Context) error

	// Exists reports whether the blob at path exists.
	Exists(ctx context.Context, path string) (bool, error)

	// List returns up to maxResults blobs under prefix, in ascending
	// path order. token continues a previous listing; empty starts
	// from the beginning.
	List(ctx context.Context, prefix, token string, maxResults int) (*Page, error)

	// Open streams the blob at path. Returns ErrNotFound when
	// absent. The caller closes the reader.
	Open(ctx context.Context, path string) (io.ReadCloser, error)

	// Upload stores the contents of r at path. The blob becomes
	// visible only once the upload completes; a failed upload leaves
	// no partial blob behind.
	Upload(ctx context.Context, path string, r io.Reader) error

	// Delete removes the blob at path. Deleting an absent blob is
	// not an error.
	Delete(ctx context.Context, path string) error

	// DeleteTree removes every blob under prefix.
	DeleteTree(ctx context.Context, prefix string) error
}

// Service resolves container URIs to containers and answers ownership
// questions about them.
type Service interface {
	// Container resolves uri. The container need not exist yet.
	Container(uri string) (Container, error)

	// IsManaged reports whether uri lives in storage this service
	// operates itself. Managed destinations are delivered in place
	// and never get a packaged archive pushed to them.
	IsManaged(uri string) bool
}
