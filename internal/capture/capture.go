// Package capture wraps the video capture primitive used by stream workers.
//
// Decoding is delegated to OpenCV through gocv. Reading a frame is split in
// two steps: Grab advances the source and Retrieve encodes the grabbed frame
// as JPEG. Callers that drop frames to hold a target rate only pay for the
// encode of the frames they keep. The encoded bytes can be queued and shared
// between goroutines without managing native Mat lifetimes downstream.
package capture

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"gocv.io/x/gocv"
)

var (
	// ErrNotOpened is returned when the capture backend accepted the locator
	// but could not start decoding it.
	ErrNotOpened = errors.New("video capture is not opened")

	// ErrReadFailed is returned when a frame could not be read from an open
	// source, typically because the stream dropped or a file reached its end.
	ErrReadFailed = errors.New("failed to read frame from video source")
)

// Kind identifies the type of video source.
type Kind string

const (
	KindRTSP Kind = "rtsp"
	KindUSB  Kind = "usb"
	KindIP   Kind = "ip"
	KindFile Kind = "file"
)

// Valid reports whether k is a known source kind.
func (k Kind) Valid() bool {
	switch k {
	case KindRTSP, KindUSB, KindIP, KindFile:
		return true
	}
	return false
}

// ParseKind converts a case-insensitive string into a Kind.
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	if !k.Valid() {
		return "", fmt.Errorf("unknown source kind %q", s)
	}
	return k, nil
}

// Frame is one decoded and re-encoded image.
type Frame struct {
	// Data holds the JPEG-encoded image.
	Data []byte
	// Width and Height are the decoded frame dimensions in pixels.
	Width  int
	Height int
}

// Source is an open video source. Implementations are used from a single
// goroutine.
type Source interface {
	// Grab blocks until the next frame is available or the source fails.
	Grab() error
	// Retrieve encodes the most recently grabbed frame. It fails with
	// ErrReadFailed when nothing was grabbed.
	Retrieve() (Frame, error)
	Close() error
}

// Opener opens sources. It must be safe for concurrent use because every
// stream worker opens its own source.
type Opener interface {
	Open(kind Kind, locator string, targetFPS int) (Source, error)
}

// OpenerFunc adapts a function to the Opener interface.
type OpenerFunc func(kind Kind, locator string, targetFPS int) (Source, error)

// Open calls f.
func (f OpenerFunc) Open(kind Kind, locator string, targetFPS int) (Source, error) {
	return f(kind, locator, targetFPS)
}

// GoCV opens sources through OpenCV.
type GoCV struct {
	// JPEGQuality is the encoder quality in the range 1..100. Zero selects 90.
	JPEGQuality int
}

// Open starts a capture for the locator. USB sources take a device index;
// every other kind passes the locator to OpenCV as a URL or file path.
func (g GoCV) Open(kind Kind, locator string, targetFPS int) (Source, error) {
	var device interface{} = locator
	if kind == KindUSB {
		index, err := strconv.Atoi(strings.TrimSpace(locator))
		if err != nil {
			return nil, fmt.Errorf("usb source %q: device index must be an integer: %w", locator, err)
		}
		device = index
	}

	vc, err := gocv.OpenVideoCapture(device)
	if err != nil {
		return nil, fmt.Errorf("failed to open video capture %q: %w", locator, err)
	}
	if !vc.IsOpened() {
		vc.Close()
		return nil, fmt.Errorf("%q: %w", locator, ErrNotOpened)
	}

	// Keep latency low: only the most recent decoded frame is buffered.
	vc.Set(gocv.VideoCaptureBufferSize, 1)
	if targetFPS > 0 {
		vc.Set(gocv.VideoCaptureFPS, float64(targetFPS))
	}

	quality := g.JPEGQuality
	if quality <= 0 || quality > 100 {
		quality = 90
	}

	return &gocvSource{
		capture: vc,
		img:     gocv.NewMat(),
		params:  []int{gocv.IMWriteJpegQuality, quality},
	}, nil
}

type gocvSource struct {
	capture *gocv.VideoCapture
	img     gocv.Mat
	params  []int
	// grabbed is set by a successful Grab and cleared by Retrieve.
	grabbed bool
}

// Grab decodes the next frame into the reusable Mat. The JPEG encode and the
// copy to Go memory are deferred to Retrieve.
func (s *gocvSource) Grab() error {
	s.grabbed = false
	if !s.capture.Read(&s.img) || s.img.Empty() {
		return ErrReadFailed
	}
	s.grabbed = true
	return nil
}

func (s *gocvSource) Retrieve() (Frame, error) {
	if !s.grabbed {
		return Frame{}, ErrReadFailed
	}
	s.grabbed = false

	buf, err := gocv.IMEncodeWithParams(gocv.JPEGFileExt, s.img, s.params)
	if err != nil {
		return Frame{}, fmt.Errorf("failed to encode frame: %w", err)
	}
	defer buf.Close()

	// The native buffer is released on return, so copy the bytes out.
	data := make([]byte, buf.Len())
	copy(data, buf.GetBytes())

	return Frame{Data: data, Width: s.img.Cols(), Height: s.img.Rows()}, nil
}

func (s *gocvSource) Close() error {
	var errs []error
	if err := s.img.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := s.capture.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
