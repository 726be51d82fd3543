// Package testutil holds helpers shared by provider tests.
package testutil

import (
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"gopkg.in/dnaeon/go-vcr.v2/cassette"
	"gopkg.in/dnaeon/go-vcr.v2/recorder"
)

// credentialHeaders never reach a cassette.
var credentialHeaders = []string{"Authorization", "Openai-Organization", "Openai-Project"}

// ReplayClient returns an HTTP client backed by testdata/fixtures/<name>.yaml.
// With VCR_MODE=record the client talks to the live endpoint and rewrites
// the cassette. The recorder is stopped when the test finishes.
func ReplayClient(t testing.TB, name string) *http.Client {
	t.Helper()

	mode := recorder.ModeReplaying
	if os.Getenv("VCR_MODE") == "record" {
		mode = recorder.ModeRecording
	}

	r, err := recorder.NewAsMode(filepath.Join("testdata", "fixtures", name), mode, nil)
	if err != nil {
		t.Fatalf("open cassette %s: %v", name, err)
	}
	r.SetMatcher(matchRequest)
	r.AddFilter(scrubCredentials)

	t.Cleanup(func() {
		if err := r.Stop(); err != nil {
			t.Errorf("stop cassette %s: %v", name, err)
		}
	})
	return &http.Client{Transport: r}
}

// matchRequest pairs requests by method and path. Prompt bodies differ
// between runs, and the host differs when a base URL override is in play.
func matchRequest(r *http.Request, i cassette.Request) bool {
	if r.Method != i.Method {
		return false
	}
	req, err := http.NewRequest(i.Method, i.URL, nil)
	if err != nil {
		return false
	}
	return r.URL.Path == req.URL.Path
}

func scrubCredentials(i *cassette.Interaction) error {
	for _, h := range credentialHeaders {
		delete(i.Request.Headers, h)
	}
	return nil
}
