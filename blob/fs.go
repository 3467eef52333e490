// Copyright 2026 The Commandfeed Authors
// SPDX-License-Identifier: Apache-2.0

package blob

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
)

// FSService serves file:// container URIs from the local filesystem.
// It backs single-node deployments and every test; the Container
// surface is the same one a cloud object store implementation
// provides.
type FSService struct {
	// ManagedRoot, when set, marks every container under it as
	// service managed.
	ManagedRoot string
}

var _ Service = (*FSService)(nil)

// Container implements Service. The URI must be file:// with an
// absolute path; the directory it names is the container.
func (s *FSService) Container(uri string) (Container, error) {
	dir, err := parseFileURI(uri)
	if err != nil {
		return nil, err
	}
	return &fsContainer{uri: uri, dir: dir}, nil
}

// IsManaged implements Service.
func (s *FSService) IsManaged(uri string) bool {
	if s.ManagedRoot == "" {
		return false
	}
	dir, err := parseFileURI(uri)
	if err != nil {
		return false
	}
	rel, err := filepath.Rel(s.ManagedRoot, dir)
	if err != nil {
		return false
	}
	return rel == "." || (!strings.HasPrefix(rel, "..") && !filepath.IsAbs(rel))
}

func parseFileURI(uri string) (string, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return "", fmt.Errorf("blob: parsing container uri %q: %w", uri, err)
	}
	if u.Scheme != "file" {
		return "", fmt.Errorf("blob: container uri %q: unsupported scheme %q", uri, u.Scheme)
	}
	if u.Path == "" || !filepath.IsAbs(filepath.FromSlash(u.Path)) {
		return "", fmt.Errorf("blob: container uri %q: path must be absolute", uri)
	}
	return filepath.FromSlash(u.Path), nil
}

type fsContainer struct {
	uri string
	dir string
}

func (c *fsContainer) URI() string { return c.uri }

func (c *fsContainer) Create(ctx context.Context) error {
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return fmt.Errorf("blob: creating container %s: %w", c.uri, err)
	}
	return nil
}

// resolve maps a blob path onto the container directory, rejecting
// anything that would escape it.
func (c *fsContainer) resolve(blobPath string) (string, error) {
	cleaned := path.Clean("/" + blobPath)
	if cleaned == "/" {
		return "", fmt.Errorf("blob: empty blob path in %s", c.uri)
	}
	return filepath.Join(c.dir, filepath.FromSlash(cleaned)), nil
}

func (c *fsContainer) Exists(ctx context.Context, blobPath string) (bool, error) {
	name, err := c.resolve(blobPath)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(name)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("blob: stat %s in %s: %w", blobPath, c.uri, err)
	}
	return !info.IsDir(), nil
}

func (c *fsContainer) List(ctx context.Context, prefix, token string, maxResults int) (*Page, error) {
	if maxResults <= 0 {
		return nil, fmt.Errorf("blob: list in %s: maxResults must be positive", c.uri)
	}

	var all []Info
	err := filepath.WalkDir(c.dir, func(name string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) && name == c.dir {
				return filepath.SkipAll
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(c.dir, name)
		if err != nil {
			return err
		}
		blobPath := filepath.ToSlash(rel)
		if !strings.HasPrefix(blobPath, prefix) {
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			return err
		}
		all = append(all, Info{Path: blobPath, Size: fi.Size(), ModTime: fi.ModTime()})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("blob: list %q in %s: %w", prefix, c.uri, err)
	}

	sort.Slice(all, func(i, j int) bool { return all[i].Path < all[j].Path })

	// token is the last path of the previous page.
	start := 0
	if token != "" {
		start = sort.Search(len(all), func(i int) bool { return all[i].Path > token })
	}

	page := &Page{}
	end := start + maxResults
	if end < len(all) {
		page.NextToken = all[end-1].Path
	} else {
		end = len(all)
	}
	page.Items = all[start:end]
	return page, nil
}

func (c *fsContainer) Open(ctx context.Context, blobPath string) (io.ReadCloser, error) {
	name, err := c.resolve(blobPath)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(name)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("blob: open %s in %s: %w", blobPath, c.uri, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("blob: open %s in %s: %w", blobPath, c.uri, err)
	}
	return f, nil
}

// Upload writes to a temporary file in the container and renames it
// into place, so readers never observe a partial blob.
func (c *fsContainer) Upload(ctx context.Context, blobPath string, r io.Reader) error {
	name, err := c.resolve(blobPath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(name), 0o755); err != nil {
		return fmt.Errorf("blob: upload %s in %s: %w", blobPath, c.uri, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(name), ".upload-*")
	if err != nil {
		return fmt.Errorf("blob: upload %s in %s: %w", blobPath, c.uri, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		return fmt.Errorf("blob: upload %s in %s: %w", blobPath, c.uri, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("blob: upload %s in %s: %w", blobPath, c.uri, err)
	}
	if err := os.Rename(tmpName, name); err != nil {
		return fmt.Errorf("blob: upload %s in %s: %w", blobPath, c.uri, err)
	}
	return nil
}

func (c *fsContainer) Delete(ctx context.Context, blobPath string) error {
	name, err := c.resolve(blobPath)
	if err != nil {
		return err
	}
	if err := os.Remove(name); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("blob: delete %s in %s: %w", blobPath, c.uri, err)
	}
	return nil
}

func (c *fsContainer) DeleteTree(ctx context.Context, prefix string) error {
	if prefix == "" {
		if err := os.RemoveAll(c.dir); err != nil {
			return fmt.Errorf("blob: delete tree in %s: %w", c.uri, err)
		}
		return nil
	}
	name, err := c.resolve(prefix)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(name); err != nil {
		return fmt.Errorf("blob: delete tree %s in %s: %w", prefix, c.uri, err)
	}
	return nil
}
