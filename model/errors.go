package model

import (
	"errors"
	"fmt"
)

// ErrMalformedDepends is returned for dependency rules that do not have the
// required (path, field names) shape.
//
// A rule is a pair of a relation path and a non-empty list of field names.
// The relation path is either "self" for fields on the same model, or a
// dotted traversal such as "a.b.c", where "a" is a relation on the declaring
// model descending over "b" to "c". The field names must be concrete fields
// on the rightmost model of the path.
var ErrMalformedDepends = errors.New("malformed depends rule")

// PathError reports a relation path segment that resolves to neither a field
// nor a relation. It is a configuration error surfaced at graph-build time.
type PathError struct {
	Model   string
	Path    string
	Segment string
	Reason  string
}

func (e *PathError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("model %s: path %q: segment %q: %s", e.Model, e.Path, e.Segment, e.Reason)
	}
	return fmt.Sprintf("model %s: segment %q: %s", e.Model, e.Segment, e.Reason)
}
