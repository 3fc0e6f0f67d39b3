package detect

import "strings"

// Filter is the path filter detectors apply before emitting events or
// listing entries. The zero value matches every path but does not
// recurse; filterParams.filter defaults Recursive to true.
type Filter struct {
	Prefix    string
	Suffix    string
	Recursive bool
}

// filterParams is the common shape of the filter keys every source's
// connection_params may carry.
type filterParams struct {
	Prefix    string `json:"prefix"`
	Suffix    string `json:"suffix"`
	Recursive *bool  `json:"recursive"`
}

func (p *filterParams) filter() Filter {
	recursive := true
	if p.Recursive != nil {
		recursive = *p.Recursive
	}

	return Filter{Prefix: p.Prefix, Suffix: p.Suffix, Recursive: recursive}
}

// Match reports whether path passes the prefix and suffix constraints.
func (f Filter) Match(path string) bool {
	if f.Prefix != "" && !strings.HasPrefix(path, f.Prefix) {
		return false
	}

	if f.Suffix != "" && !strings.HasSuffix(path, f.Suffix) {
		return false
	}

	return true
}
