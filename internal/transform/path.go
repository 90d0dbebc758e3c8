// Package transform applies spec §4.5's ordered transformation rules
// between a vendor's wire shape and the canonical internal shape, and
// detects field-level conflicts between a locally held value and a newly
// observed remote one.
package transform

import (
	"strconv"
	"strings"
)

// getPath reads a dotted field path ("subject.reference", "name.0.family")
// out of a generic JSON-decoded document. A missing segment returns
// (nil, false) rather than panicking, since most of an inbound vendor
// payload's fields are absent more often than present.
func getPath(doc map[string]interface{}, path string) (interface{}, bool) {
	var cur interface{} = doc
	for _, seg := range strings.Split(path, ".") {
		switch v := cur.(type) {
		case map[string]interface{}:
			val, ok := v[seg]
			if !ok {
				return nil, false
			}
			cur = val
		case []interface{}:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(v) {
				return nil, false
			}
			cur = v[idx]
		default:
			return nil, false
		}
	}
	return cur, true
}

// setPath writes value at a dotted field path, creating intermediate maps
// as needed. Array segments are not created automatically — rules that
// produce array output must provide a pre-built slice value instead.
func setPath(doc map[string]interface{}, path string, value interface{}) {
	segs := strings.Split(path, ".")
	cur := doc
	for i, seg := range segs {
		if i == len(segs)-1 {
			cur[seg] = value
			return
		}
		next, ok := cur[seg].(map[string]interface{})
		if !ok {
			next = make(map[string]interface{})
			cur[seg] = next
		}
		cur = next
	}
}
