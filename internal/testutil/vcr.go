package testutil

import (
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"gopkg.in/dnaeon/go-vcr.v2/cassette"
	"gopkg.in/dnaeon/go-vcr.v2/recorder"
)

// credentialHeaders are stripped from recorded vendor requests.
var credentialHeaders = []string{"Authorization", "X-Api-Key", "X-Goog-Api-Key"}

// NewVCRRecorder replays testdata/fixtures/<cassetteName>.yaml, or records
// it against the live vendor when VCR_MODE=record. Tests are skipped when
// the cassette is missing in replay mode.
func NewVCRRecorder(t *testing.T, cassetteName string) (*recorder.Recorder, func()) {
	t.Helper()

	mode := recorder.ModeReplaying
	if os.Getenv("VCR_MODE") == "record" {
		mode = recorder.ModeRecording
	}

	cassettePath := filepath.Join("testdata", "fixtures", cassetteName)

	r, err := recorder.NewAsMode(cassettePath, mode, nil)
	if errors.Is(err, cassette.ErrCassetteNotFound) {
		t.Skipf("cassette %s not recorded; run with VCR_MODE=record", cassetteName)
	}
	if err != nil {
		t.Fatalf("Failed to create VCR recorder: %v", err)
	}

	// Streaming request bodies carry prompts, not routing; match on the endpoint.
	r.SetMatcher(func(r *http.Request, i cassette.Request) bool {
		return r.Method == i.Method && r.URL.String() == i.URL
	})

	r.AddFilter(func(i *cassette.Interaction) error {
		for _, h := range credentialHeaders {
			delete(i.Request.Headers, h)
		}
		return nil
	})

	cleanup := func() {
		if err := r.Stop(); err != nil {
			t.Errorf("Failed to stop VCR recorder: %v", err)
		}
	}

	return r, cleanup
}

// VCRHTTPClient returns an HTTP client whose requests go through r.
func VCRHTTPClient(r *recorder.Recorder) *http.Client {
	return &http.Client{
		Transport: r,
	}
}
