package course_archiver

import (
	"context"
	"io"
)

type Source interface {
	// Backend is the variant this Source was matched as.
	Backend() Backend
	// Resolve should produce a MediaDescriptor for the item, contacting the media host if necessary. It must never
	// mutate platform state, and resolving twice should give equivalent descriptors.
	Resolve(ctx context.Context, s Session) (*MediaDescriptor, error)
	// Open should return the media stream of a resolved descriptor, starting at offset if the backend can.
	Open(ctx context.Context, s Session, d *MediaDescriptor, offset int64) (*Stream, error)
}

// A Stream is an open media body.
type Stream struct {
	io.ReadCloser
	// Offset is where the body starts; 0 if the backend could not honour the requested offset.
	Offset int64
	// Size is the total size of the media (not just the body), or -1 if unknown.
	Size int64
}
