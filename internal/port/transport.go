package port

import (
	"context"
	"errors"
	"fmt"
)

const (
	CloseNormal    = 1000
	CloseGoingAway = 1001
	CloseAbnormal  = 1006
)

// CloseError reports the close code a peer ended the session with.
type CloseError struct {
	Code   int
	Reason string
}

func (e *CloseError) Error() string {
	return fmt.Sprintf("connection closed: code %d %s", e.Code, e.Reason)
}

// IsExpectedClose reports whether err is an orderly end of session rather
// than a failure worth logging.
func IsExpectedClose(err error) bool {
	var closeErr *CloseError
	if errors.As(err, &closeErr) {
		return closeErr.Code == CloseNormal || closeErr.Code == CloseGoingAway
	}
	return false
}

// Transport is a persistent message-oriented connection. ReadMessage is
// called from a single goroutine, as is WriteMessage.
type Transport interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close(code int, reason string) error
}

type Dialer interface {
	Dial(ctx context.Context) (Transport, error)
}
