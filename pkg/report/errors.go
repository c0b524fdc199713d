package report

import (
	"github.com/jxskiss/gwxlate/pkg/capability"
)

// UnsupportedFeatureError is a feature that cannot be expressed on the
// target, not even approximately. It aborts the artifact write.
type UnsupportedFeatureError struct {
	Target capability.Target
	Entry  Entry
}

func (e *UnsupportedFeatureError) Error() string {
	return string(e.Target) + ": " + e.Entry.String()
}

// UnsupportedFeatureWarning is a feature that was omitted or approximated.
// It never aborts a translation.
type UnsupportedFeatureWarning struct {
	Target capability.Target
	Entry  Entry
}

func (w *UnsupportedFeatureWarning) Error() string {
	return string(w.Target) + ": " + w.Entry.String()
}
