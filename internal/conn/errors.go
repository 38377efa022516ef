package conn

import "errors"

var (
	errNoToken  = errors.New("no auth token available")
	errBadHello = errors.New("handshake: first frame was not hello")
	errClosed   = errors.New("manager closed during handshake")
)
