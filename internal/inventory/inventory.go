// Package inventory summarizes and compares object listings.
package inventory

import (
	"cmp"
	"path"
	"slices"
	"strings"

	"photo_pipeline/internal/domain"
	"photo_pipeline/internal/fingerprint"
)

// PrefixOf returns the substring of key before its final "/", or "" for
// top-level keys.
func PrefixOf(key string) string {
	i := strings.LastIndex(key, "/")
	if i < 0 {
		return ""
	}
	return key[:i]
}

// SummarizeByPrefix folds objects into per-prefix totals ordered by size,
// largest first. Equal sizes are ordered by prefix.
func SummarizeByPrefix(objs []domain.RemoteObject) []domain.PrefixStats {
	byPrefix := make(map[string]*domain.PrefixStats)
	for _, obj := range objs {
		p := PrefixOf(obj.Key)
		st, ok := byPrefix[p]
		if !ok {
			st = &domain.PrefixStats{Prefix: p}
			byPrefix[p] = st
		}
		st.Size += obj.Size
		st.Items++
	}

	out := make([]domain.PrefixStats, 0, len(byPrefix))
	for _, st := range byPrefix {
		out = append(out, *st)
	}
	slices.SortFunc(out, func(a, b domain.PrefixStats) int {
		if c := cmp.Compare(b.Size, a.Size); c != 0 {
			return c
		}
		return cmp.Compare(a.Prefix, b.Prefix)
	})
	return out
}

// Diff classifies local objects against the remote listing by key. Remote
// objects with no local counterpart are reported as Missing.
func Diff(local, remote []domain.RemoteObject) domain.DiffResult {
	remoteByKey := make(map[string]domain.RemoteObject, len(remote))
	for _, r := range remote {
		remoteByKey[r.Key] = r
	}

	var res domain.DiffResult
	seen := make(map[string]bool, len(local))
	for _, l := range local {
		seen[l.Key] = true
		r, ok := remoteByKey[l.Key]
		switch {
		case !ok:
			res.New = append(res.New, l)
		case fingerprint.Equal(l.Fingerprint, r.Fingerprint):
			res.Unchanged = append(res.Unchanged, l)
		default:
			res.Changed = append(res.Changed, l)
		}
	}
	for _, r := range remote {
		if !seen[r.Key] {
			res.Missing = append(res.Missing, r)
		}
	}
	return res
}

var imageExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".heic": true,
	".heif": true,
	".webp": true,
	".gif":  true,
	".tif":  true,
	".tiff": true,
}

// IsImage reports whether key names an ingestible image.
func IsImage(key string) bool {
	return imageExtensions[strings.ToLower(path.Ext(key))]
}

// SidecarKey is the key of the JSON metadata document stored next to an image.
func SidecarKey(key string) string {
	return key + ".json"
}
