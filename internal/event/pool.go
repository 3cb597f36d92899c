package event

import (
	"encoding/json"
	"sync"
)

// Frame is the wire envelope of every inbound message.
type Frame struct {
	Event Kind            `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// framePool recycles envelopes on the read path, which decodes one per
// inbound message.
//
// Usage:
//
//	f := AcquireFrame()
//	err := json.Unmarshal(msg, f)
//	// ... use f ...
//	ReleaseFrame(f)
var framePool = sync.Pool{
	New: func() interface{} {
		return &Frame{}
	},
}

// AcquireFrame gets a Frame from the pool. The returned frame is zeroed.
func AcquireFrame() *Frame {
	return framePool.Get().(*Frame)
}

// ReleaseFrame returns a Frame to the pool. Data must not be retained by the
// caller after release.
func ReleaseFrame(f *Frame) {
	if f == nil {
		return
	}
	f.Event = ""
	f.Data = f.Data[:0]

	framePool.Put(f)
}
