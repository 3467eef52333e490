// Copyright 2026 The Commandfeed Authors
// SPDX-License-Identifier: Apache-2.0

// Package export packages a completed export command's staged agent
// output into the single zip archive delivered to the requesting
// user: listing staged blobs, scanning them for malware, optionally
// transcoding JSON to CSV, and writing the path manifest.
package export

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
)

// PathMapper rewrites staged blob paths into the reader-facing folder
// layout. Agents stage output under numeric product IDs; the mapper
// replaces a leading product-ID segment with the product's display
// path. Unknown IDs pass through unchanged so data is never dropped
// over a missing mapping.
type PathMapper struct {
	products map[int64]string
}

// NewPathMapper builds a mapper from product ID to display path.
// Display paths use forward slashes and no leading slash.
func NewPathMapper(products map[int64]string) *PathMapper {
	return &PathMapper{products: products}
}

// Transform rewrites one staged path.
func (m *PathMapper) Transform(staged string) string {
	head, rest, found := strings.Cut(staged, "/")
	id, err := strconv.ParseInt(head, 10, 64)
	if err != nil {
		return staged
	}
	display, ok := m.products[id]
	if !ok {
		return staged
	}
	if !found {
		return display
	}
	return display + "/" + rest
}

// Manifest is the archive's path index, written as the final entry so
// readers can enumerate contents without walking the zip directory.
type Manifest struct {
	Paths []string `json:"Paths"`
}

// ManifestEntryName is the manifest's name inside the archive.
const ManifestEntryName = "agentMap.json"

// WriteManifest writes the manifest JSON for the given entry paths,
// sorted so archive contents are deterministic.
func WriteManifest(w io.Writer, paths []string) error {
	sorted := make([]string, len(paths))
	copy(sorted, paths)
	sort.Strings(sorted)

	enc := json.NewEncoder(w)
	if err := enc.Encode(Manifest{Paths: sorted}); err != nil {
		return fmt.Errorf("export: writing manifest: %w", err)
	}
	return nil
}
