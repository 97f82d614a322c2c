package thumbnailer

import (
	"github.com/rescale/thumblink/internal/files"
)

// Service is the remote thumbnail service as seen by the Thumbnailer.
//
// Queue must not invoke done before it returns; completion is delivered
// exactly once, later, from another goroutine, whether the call succeeded or not.
type Service interface {
	Queue(uris, mimeHints []string, flavor, scheduler string, unqueue uint32, done func(handle uint32, err error)) PendingCall
	Dequeue(handle uint32)
	GetSupported() (schemes, types []string, err error)
}

// PendingCall is the ownership token of an in-flight Queue call.
type PendingCall interface {
	// Cancel abandons the call. Its completion is still delivered, with an error.
	Cancel()
}

// SignalKind identifies a notification emitted by the service.
type SignalKind int

const (
	SignalStarted SignalKind = iota
	SignalReady
	SignalError
	SignalFinished
)

func (k SignalKind) String() string {
	switch k {
	case SignalStarted:
		return "Started"
	case SignalReady:
		return "Ready"
	case SignalError:
		return "Error"
	case SignalFinished:
		return "Finished"
	default:
		return "Unknown"
	}
}

// Signal is one notification from the service, keyed by the service handle.
type Signal struct {
	Kind    SignalKind
	Handle  uint32
	URIs    []string // Ready and Error only
	Code    int32    // Error only
	Message string   // Error only
}

// File is the file-state object thumbnail results are applied to.
type File interface {
	URI() string
	ContentType() string
	HasURIScheme(scheme string) bool
	ThumbState() files.ThumbState
	SetThumbState(state files.ThumbState)
}

// Lookup resolves a URI back to a live file object. A miss is normal: the
// object may have been evicted since the request was queued.
type Lookup func(uri string) (File, bool)

// CacheLookup adapts a files.Cache to a Lookup.
func CacheLookup(cache *files.Cache) Lookup {
	return func(uri string) (File, bool) {
		f, ok := cache.Lookup(uri)
		if !ok {
			return nil, false
		}
		return f, true
	}
}
