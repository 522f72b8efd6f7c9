// Package protocol defines the frames exchanged between the host and a
// process-level guest. Each guest process receives exactly one Request and
// answers with exactly one Response. Frames are CBOR with Core Deterministic
// Encoding, so the same logical frame always has the same bytes.
package protocol

import (
	"io"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// MaxFrameSize bounds a single decoded frame. Scripts and captured output
// larger than this are refused rather than buffered.
const MaxFrameSize = 64 << 20

// Mount is one grant as the guest sees it: the host side has already been
// bound into the guest's namespace at Guest.
type Mount struct {
	Guest string `cbor:"guest"`
	Perm  string `cbor:"perm"`
}

// Request asks the guest to run one script.
type Request struct {
	Script        string  `cbor:"script"`
	Mounts        []Mount `cbor:"mounts,omitempty"`
	InheritStdio  bool    `cbor:"inherit_stdio,omitempty"`
	TimeoutMillis int64   `cbor:"timeout_ms,omitempty"`
	MaxSteps      uint64  `cbor:"max_steps,omitempty"`
}

// Failure is a script-level failure reported by the guest.
type Failure struct {
	Kind    string `cbor:"kind"`
	Message string `cbor:"message"`
}

// Response carries exactly one of Output, Failure or Fault. Fault reports a
// guest-side fault, never a script error; Setup marks faults raised before
// the script started.
type Response struct {
	Output  string   `cbor:"output,omitempty"`
	Failure *Failure `cbor:"failure,omitempty"`
	Fault   string   `cbor:"fault,omitempty"`
	Setup   bool     `cbor:"setup,omitempty"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("protocol: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		DefaultMapType:   reflect.TypeOf(map[string]any(nil)),
		MaxArrayElements: 1 << 16,
	}.DecMode()
	if err != nil {
		panic("protocol: CBOR decoder initialization failed: " + err.Error())
	}
}

func Marshal(v any) ([]byte, error) { return encMode.Marshal(v) }

func Unmarshal(data []byte, v any) error { return decMode.Unmarshal(data, v) }

// WriteFrame encodes one frame to w.
func WriteFrame(w io.Writer, v any) error {
	return encMode.NewEncoder(w).Encode(v)
}

// ReadFrame decodes one frame from r, reading at most MaxFrameSize bytes.
func ReadFrame(r io.Reader, v any) error {
	return decMode.NewDecoder(io.LimitReader(r, MaxFrameSize)).Decode(v)
}
