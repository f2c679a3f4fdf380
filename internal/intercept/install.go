package intercept

import (
	"net/http"
	"sync"
)

var (
	installMu sync.Mutex
	installed *Transport
	original  http.RoundTripper
)

// Install makes t the process-wide http.DefaultTransport, wrapping the
// previous one when t.Base is nil. Only the first call has an effect; it
// reports whether t was installed.
func Install(t *Transport) bool {
	installMu.Lock()
	defer installMu.Unlock()

	if installed != nil {
		if t.Debug {
			t.Logger.Debug().Msg("intercept: already installed, skipping")
		}
		return false
	}

	original = http.DefaultTransport
	if t.Base == nil {
		t.Base = original
	}
	http.DefaultTransport = t
	installed = t

	t.Logger.Info().Strs("skip_paths", t.SkipPaths).Msg("intercept: installed on default transport")
	return true
}

// Uninstall restores the transport that was in place before Install.
func Uninstall() {
	installMu.Lock()
	defer installMu.Unlock()

	if installed == nil {
		return
	}
	http.DefaultTransport = original
	installed, original = nil, nil
}

// Installed reports whether Install has taken effect.
func Installed() bool {
	installMu.Lock()
	defer installMu.Unlock()
	return installed != nil
}
