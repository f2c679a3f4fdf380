package v1

import (
	"net/http"

	"github.com/gosuda/netpanel/internal/session"
)

// StoreProvider abstracts access to the current session store for handler
// testing. *session.Provider satisfies this interface.
type StoreProvider interface {
	Store() (*session.Store, bool)
}

// Doer issues outgoing HTTP requests. *http.Client satisfies this interface;
// the server passes a client whose transport is the installed interceptor.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}
