package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"syscall"
	"testing"
)

func TestMeasurementErrorFormatting(t *testing.T) {
	cause := stderrors.New("dial failed")
	err := Newf(KindNetwork, PhaseDownload, cause, "stage %d failed", 2)

	got := err.Error()
	if !strings.HasPrefix(got, "NETWORK_ERROR [download]: stage 2 failed") {
		t.Fatalf("unexpected message %q", got)
	}
	if !strings.HasSuffix(got, "dial failed") {
		t.Fatalf("cause missing from %q", got)
	}
	if !stderrors.Is(err, cause) {
		t.Fatal("Unwrap should expose the cause")
	}

	bare := New(KindAborted, PhaseNone, nil)
	if bare.Error() != "ABORTED: "+Message(KindAborted) {
		t.Fatalf("unexpected bare message %q", bare.Error())
	}
}

func TestKindOfThroughWrapping(t *testing.T) {
	inner := New(KindTimeout, PhasePing, nil)
	wrapped := fmt.Errorf("outer: %w", inner)

	if KindOf(wrapped) != KindTimeout {
		t.Fatalf("KindOf = %q", KindOf(wrapped))
	}
	if !IsKind(wrapped, KindTimeout) {
		t.Fatal("IsKind should see through wrapping")
	}
	if KindOf(stderrors.New("plain")) != "" {
		t.Fatal("plain errors have no kind")
	}
}

func TestWithPhaseNeverOverwrites(t *testing.T) {
	tagged := New(KindNetwork, PhasePing, nil)
	if got := tagged.withPhase(PhaseUpload); got.Phase != PhasePing {
		t.Fatalf("phase overwritten: %q", got.Phase)
	}

	untagged := New(KindNetwork, PhaseNone, nil)
	got := untagged.withPhase(PhaseUpload)
	if got.Phase != PhaseUpload {
		t.Fatalf("phase not attached: %q", got.Phase)
	}
	if untagged.Phase != PhaseNone {
		t.Fatal("withPhase must not mutate the receiver")
	}
}

func TestClassify(t *testing.T) {
	offline := NewClassifier(ConnectivityFunc(func() bool { return false }))
	online := NewClassifier(nil)

	dialErr := &url.Error{Op: "Get", URL: "http://x", Err: &net.OpError{Op: "dial", Err: syscall.ECONNREFUSED}}

	tests := []struct {
		name       string
		classifier *Classifier
		err        error
		want       Kind
	}{
		{"canceled", online, context.Canceled, KindAborted},
		{"deadline", online, fmt.Errorf("read: %w", context.DeadlineExceeded), KindAborted},
		{"canceled while offline", offline, context.Canceled, KindAborted},
		{"transport online", online, dialErr, KindNetwork},
		{"transport offline", offline, dialErr, KindOffline},
		{"unexpected eof offline", offline, io.ErrUnexpectedEOF, KindOffline},
		{"reset offline", offline, syscall.ECONNRESET, KindOffline},
		{"generic offline", offline, stderrors.New("boom"), KindNetwork},
		{"generic", online, stderrors.New("boom"), KindNetwork},
		{"already classified", offline, New(KindServerUnavailable, PhaseNone, nil), KindServerUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.classifier.Classify(tt.err, PhaseDownload)
			if got.Kind != tt.want {
				t.Fatalf("Classify kind = %q want %q", got.Kind, tt.want)
			}
			if got.Phase != PhaseDownload {
				t.Fatalf("Classify phase = %q", got.Phase)
			}
		})
	}

	if Classify(nil, PhasePing) != nil {
		t.Fatal("nil error should classify to nil")
	}
}

func TestIsTimeout(t *testing.T) {
	live := context.Background()
	done, cancel := context.WithCancel(context.Background())
	cancel()

	if !IsTimeout(context.DeadlineExceeded, live) {
		t.Fatal("deadline with live external ctx is a timeout")
	}
	if IsTimeout(context.Canceled, done) {
		t.Fatal("external cancellation is not a timeout")
	}
	if IsTimeout(stderrors.New("boom"), live) {
		t.Fatal("non-abort errors are not timeouts")
	}
}

func TestCheckResponse(t *testing.T) {
	tests := []struct {
		status int
		want   Kind
	}{
		{http.StatusOK, ""},
		{http.StatusNoContent, ""},
		{http.StatusInternalServerError, KindServerUnavailable},
		{http.StatusServiceUnavailable, KindServerUnavailable},
		{http.StatusNotFound, KindNetwork},
		{http.StatusTooManyRequests, KindNetwork},
	}
	for _, tt := range tests {
		err := CheckResponse(&http.Response{StatusCode: tt.status}, PhaseUpload)
		if tt.want == "" {
			if err != nil {
				t.Errorf("status %d: unexpected error %v", tt.status, err)
			}
			continue
		}
		if KindOf(err) != tt.want {
			t.Errorf("status %d: kind %q want %q", tt.status, KindOf(err), tt.want)
		}
		if !strings.Contains(err.Error(), fmt.Sprint(tt.status)) {
			t.Errorf("status %d missing from %q", tt.status, err.Error())
		}
	}
	if KindOf(CheckResponse(nil, PhasePing)) != KindNetwork {
		t.Fatal("nil response should be a network error")
	}
}

func TestSetLanguage(t *testing.T) {
	t.Cleanup(func() { SetLanguage("en") })

	if SetLanguage("xx") {
		t.Fatal("unknown language accepted")
	}
	if Language() != "en" {
		t.Fatalf("language changed to %q", Language())
	}
	if !SetLanguage("de") {
		t.Fatal("de rejected")
	}
	if Message(KindAborted) != "Die Messung wurde abgebrochen." {
		t.Fatalf("unexpected de message %q", Message(KindAborted))
	}
	if Message(Kind("UNKNOWN")) != "UNKNOWN" {
		t.Fatal("unknown kinds fall back to their name")
	}
}
