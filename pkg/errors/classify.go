package errors

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"syscall"
)

// Connectivity reports whether the host currently has network access. It is
// only consulted to tell OFFLINE apart from NETWORK_ERROR.
type Connectivity interface {
	Online() bool
}

// ConnectivityFunc adapts a function to Connectivity.
type ConnectivityFunc func() bool

func (f ConnectivityFunc) Online() bool { return f() }

// AlwaysOnline never reports the host as offline.
var AlwaysOnline Connectivity = ConnectivityFunc(func() bool { return true })

// Classifier maps raw failures onto the MeasurementError taxonomy.
type Classifier struct {
	Connectivity Connectivity
}

// NewClassifier returns a Classifier. A nil connectivity source is treated as
// always online.
func NewClassifier(c Connectivity) *Classifier {
	if c == nil {
		c = AlwaysOnline
	}
	return &Classifier{Connectivity: c}
}

// Online reports the connectivity flag.
func (c *Classifier) Online() bool {
	if c == nil || c.Connectivity == nil {
		return true
	}
	return c.Connectivity.Online()
}

// Classify normalizes err. Already classified errors pass through and only
// get phase attached when they have none.
func (c *Classifier) Classify(err error, phase Phase) *MeasurementError {
	if err == nil {
		return nil
	}
	if me, ok := As(err); ok {
		return me.withPhase(phase)
	}
	if IsAbort(err) {
		return New(KindAborted, phase, err)
	}
	if isTransportError(err) {
		if !c.Online() {
			return New(KindOffline, phase, err)
		}
		return New(KindNetwork, phase, err)
	}
	return New(KindNetwork, phase, err)
}

// Classify uses an always-online classifier.
func Classify(err error, phase Phase) *MeasurementError {
	return NewClassifier(nil).Classify(err, phase)
}

// IsAbort reports whether err stems from context cancellation or an elapsed
// context deadline.
func IsAbort(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// IsTimeout reports whether err is an abort-type error that was not caused
// by the external context, i.e. a per-request deadline layered beneath ctx
// fired on its own.
func IsTimeout(err error, external context.Context) bool {
	if !IsAbort(err) {
		return false
	}
	if external == nil {
		return true
	}
	return external.Err() == nil
}

// CheckResponse returns nil for 2xx responses. 5xx maps to
// SERVER_UNAVAILABLE, everything else to NETWORK_ERROR carrying the status.
func CheckResponse(resp *http.Response, phase Phase) error {
	if resp == nil {
		return Newf(KindNetwork, phase, nil, "no response received")
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	if resp.StatusCode >= 500 {
		return Newf(KindServerUnavailable, phase, nil, "%s (HTTP %d)", Message(KindServerUnavailable), resp.StatusCode)
	}
	return Newf(KindNetwork, phase, nil, "unexpected HTTP status %d", resp.StatusCode)
}

func isTransportError(err error) bool {
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ENETUNREACH) ||
		errors.Is(err, syscall.EHOSTUNREACH)
}
