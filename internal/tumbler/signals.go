package tumbler

import (
	"errors"
	"fmt"
	"strings"

	"github.com/godbus/dbus/v5"

	"github.com/rescale/thumblink/internal/thumbnailer"
)

var (
	// ErrUnknownSignal is returned by decodeSignal for members outside the
	// thumbnailer interface.
	ErrUnknownSignal = errors.New("tumbler: unknown signal")

	// ErrMalformedSignal is returned when a signal body does not match its member.
	ErrMalformedSignal = errors.New("tumbler: malformed signal body")
)

// decodeSignal converts a raw bus signal from iface into a thumbnailer.Signal.
//
//	Started(u handle)
//	Ready(u handle, as uris)
//	Error(u handle, as failed_uris, i error_code, s message)
//	Finished(u handle)
func decodeSignal(iface string, raw *dbus.Signal) (thumbnailer.Signal, error) {
	member, ok := strings.CutPrefix(raw.Name, iface+".")
	if !ok {
		return thumbnailer.Signal{}, fmt.Errorf("%w: %s", ErrUnknownSignal, raw.Name)
	}

	var sig thumbnailer.Signal
	switch member {
	case "Started":
		sig.Kind = thumbnailer.SignalStarted
	case "Ready":
		sig.Kind = thumbnailer.SignalReady
	case "Error":
		sig.Kind = thumbnailer.SignalError
	case "Finished":
		sig.Kind = thumbnailer.SignalFinished
	default:
		return thumbnailer.Signal{}, fmt.Errorf("%w: %s", ErrUnknownSignal, raw.Name)
	}

	if len(raw.Body) < 1 {
		return thumbnailer.Signal{}, fmt.Errorf("%w: %s without handle", ErrMalformedSignal, member)
	}
	handle, ok := raw.Body[0].(uint32)
	if !ok {
		return thumbnailer.Signal{}, fmt.Errorf("%w: %s handle is %T", ErrMalformedSignal, member, raw.Body[0])
	}
	sig.Handle = handle

	if sig.Kind == thumbnailer.SignalReady || sig.Kind == thumbnailer.SignalError {
		if len(raw.Body) < 2 {
			return thumbnailer.Signal{}, fmt.Errorf("%w: %s without uris", ErrMalformedSignal, member)
		}
		uris, ok := raw.Body[1].([]string)
		if !ok {
			return thumbnailer.Signal{}, fmt.Errorf("%w: %s uris are %T", ErrMalformedSignal, member, raw.Body[1])
		}
		sig.URIs = uris
	}

	if sig.Kind == thumbnailer.SignalError {
		if len(raw.Body) >= 3 {
			switch code := raw.Body[2].(type) {
			case int32:
				sig.Code = code
			case uint32:
				// some implementations declare the code unsigned
				sig.Code = int32(code)
			}
		}
		if len(raw.Body) >= 4 {
			sig.Message, _ = raw.Body[3].(string)
		}
	}

	return sig, nil
}
