package engine

import (
	"context"
	"errors"
	"strings"

	"github.com/openendpoint/openendpoints3/internal/metadata"
)

// ListObjects implements both v1 (marker) and v2 (continuation-token)
// listing: current versions only, sorted ascending by key, with
// delimiter-based CommonPrefix roll-up performed here rather than in
// the metadata store, since the store only knows how to scan
// lexicographically.
func (e *Engine) ListObjects(ctx context.Context, in ListObjectsInput) (*ListObjectsOutput, error) {
	if _, err := e.meta.GetBucket(ctx, in.Bucket); err != nil {
		if errors.Is(err, metadata.ErrNotFound) {
			return nil, ErrNoSuchBucket
		}
		return nil, err
	}

	maxKeys := clampMaxKeys(in.MaxKeys)
	fetchLimit := maxKeys
	if in.Delimiter != "" {
		fetchLimit = maxKeys * rollupOverfetch
	}

	rows, err := e.meta.ListObjects(ctx, in.Bucket, in.Prefix, metadata.ListOptions{
		Marker:  in.Marker,
		MaxKeys: fetchLimit,
	})
	if err != nil {
		return nil, err
	}

	objects, commonPrefixes, truncated, nextMarker := rollup(rows, in.Prefix, in.Delimiter, maxKeys, len(rows) >= fetchLimit)
	return &ListObjectsOutput{
		Objects:        objects,
		CommonPrefixes: commonPrefixes,
		IsTruncated:    truncated,
		NextMarker:     nextMarker,
	}, nil
}

// ListObjectVersions implements the ?versions listing: every version
// including delete markers, sorted by (key asc, lastModified desc).
// The metadata store over-fetches and ignores VersionIDMarker, so
// resuming mid-key and delimiter roll-up both happen here.
func (e *Engine) ListObjectVersions(ctx context.Context, in ListObjectVersionsInput) (*ListObjectVersionsOutput, error) {
	if _, err := e.meta.GetBucket(ctx, in.Bucket); err != nil {
		if errors.Is(err, metadata.ErrNotFound) {
			return nil, ErrNoSuchBucket
		}
		return nil, err
	}

	maxKeys := clampMaxKeys(in.MaxKeys)
	fetchLimit := maxKeys
	if in.Delimiter != "" {
		fetchLimit = maxKeys * rollupOverfetch
	}

	rows, err := e.meta.ListObjectVersions(ctx, in.Bucket, in.Prefix, metadata.ListOptions{
		Marker:          in.KeyMarker,
		VersionIDMarker: in.VersionIDMarker,
		MaxKeys:         fetchLimit,
	})
	if err != nil {
		return nil, err
	}

	if in.VersionIDMarker != "" {
		rows = skipPastVersionMarker(rows, in.KeyMarker, in.VersionIDMarker)
	}

	versions, commonPrefixes, truncated, _ := rollup(rows, in.Prefix, in.Delimiter, maxKeys, len(rows) >= fetchLimit)
	out := &ListObjectVersionsOutput{
		Versions:       versions,
		CommonPrefixes: commonPrefixes,
		IsTruncated:    truncated,
	}
	if truncated && len(versions) > 0 {
		last := versions[len(versions)-1]
		out.NextKeyMarker = last.Key
		out.NextVersionIDMarker = last.VersionID
	}
	return out, nil
}

// skipPastVersionMarker drops every row of keyMarker's key up through
// and including versionIDMarker, since the store's key>=marker scan is
// only precise to the key, not the version within it.
func skipPastVersionMarker(rows []metadata.ObjectMetadata, keyMarker, versionIDMarker string) []metadata.ObjectMetadata {
	skipping := true
	out := rows[:0:0]
	for _, row := range rows {
		if skipping {
			if row.Key == keyMarker {
				if row.VersionID == versionIDMarker {
					skipping = false
				}
				continue
			}
			skipping = false
		}
		out = append(out, row)
	}
	return out
}

// rollup applies delimiter-based CommonPrefix collapsing to rows
// (already ordered by key), trimming the result to maxKeys combined
// objects+prefixes. hitFetchCap indicates the store's own scan may
// have more rows beyond what was fetched, which also forces truncation
// since the engine cannot tell without another round-trip.
func rollup(rows []metadata.ObjectMetadata, prefix, delimiter string, maxKeys int, hitFetchCap bool) (objects []metadata.ObjectMetadata, commonPrefixes []string, truncated bool, lastKey string) {
	seen := make(map[string]bool)
	entries := 0
	for _, row := range rows {
		if entries >= maxKeys {
			truncated = true
			break
		}
		tail := strings.TrimPrefix(row.Key, prefix)
		if delimiter != "" {
			if idx := strings.Index(tail, delimiter); idx >= 0 {
				cp := prefix + tail[:idx+len(delimiter)]
				if seen[cp] {
					continue
				}
				seen[cp] = true
				commonPrefixes = append(commonPrefixes, cp)
				entries++
				lastKey = row.Key
				continue
			}
		}
		objects = append(objects, row)
		entries++
		lastKey = row.Key
	}
	if !truncated && hitFetchCap {
		truncated = true
	}
	return
}

func clampMaxKeys(n int) int {
	if n <= 0 || n > defaultMaxKeys {
		return defaultMaxKeys
	}
	return n
}
