package message

import (
	"regexp"
	"sort"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"github.com/lsst-sqre/exposurelog/internal/errs"
)

// TagDescription is shown to API users next to every tag parameter.
const TagDescription = "Each tag must start with a letter and contain only letters, digits and underscores. " +
	"Tags are case-blind and stored lower case; several tags may be given space-separated."

var tagRegex = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// NormalizeTags splits every item on whitespace, lower-cases and NFC
// normalises each tag, validates it, and returns the sorted unique set.
// A nil or empty input returns an empty (non-nil) slice.
func NormalizeTags(tags []string) ([]string, error) {
	seen := make(map[string]struct{}, len(tags))
	out := []string{}
	for _, item := range tags {
		for _, raw := range strings.Fields(item) {
			tag := strings.ToLower(norm.NFC.String(raw))
			if !tagRegex.MatchString(tag) {
				return nil, errs.Validation("tags", "invalid tag %q. %s", raw, TagDescription)
			}
			if _, dup := seen[tag]; dup {
				continue
			}
			seen[tag] = struct{}{}
			out = append(out, tag)
		}
	}
	sort.Strings(out)
	return out, nil
}

// FoldText returns the form of s used for text search: NFC normalised and
// Unicode case-folded. Both the stored search column and the query needle
// go through FoldText, so matching is a plain substring test.
func FoldText(s string) string {
	return cases.Fold().String(norm.NFC.String(s))
}
