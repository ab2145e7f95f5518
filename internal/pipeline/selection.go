package pipeline

import (
	"sort"
	"strings"
)

// SelectCandidates returns the candidates worth downloading, best first.
// Candidates over maxBytes or in a format outside formats are dropped.
// Remaining candidates are ordered by the position of their format in
// formats, then by page count (non-fiction) or file size (fiction), so the
// most complete copy of the preferred format comes first. A zero maxBytes
// disables the ceiling.
func SelectCandidates(cands []Candidate, formats []string, fiction bool, maxBytes int64) []Candidate {
	rank := make(map[string]int, len(formats))
	for i, f := range formats {
		f = strings.ToLower(f)
		if _, dup := rank[f]; !dup {
			rank[f] = i
		}
	}

	var out []Candidate
	for _, c := range cands {
		c.Format = strings.ToLower(strings.TrimPrefix(c.Format, "."))
		if _, ok := rank[c.Format]; !ok {
			continue
		}
		if maxBytes > 0 && c.SizeBytes > maxBytes {
			continue
		}
		if c.DownloadRef == "" {
			continue
		}
		out = append(out, c)
	}

	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if ra, rb := rank[a.Format], rank[b.Format]; ra != rb {
			return ra < rb
		}
		if fiction {
			return a.SizeBytes > b.SizeBytes
		}
		return a.PageCount > b.PageCount
	})
	return out
}
