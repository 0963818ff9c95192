package layout

import "errors"

// ErrNotPublished is the cause reported when the globals pointer exists but
// is still null, which happens while the runtime is starting up.
var ErrNotPublished = errors.New("diagnostic globals not yet published")
