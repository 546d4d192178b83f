package broadcast

import (
	"net/http"
	"strings"

	errspkg "github.com/drblury/reelflow/internal/runtime/errors"
)

const (
	DefaultKeyHeader = "X-Subscriber-Key"
	DefaultKeyParam  = "key"
)

// KeyFunc resolves the stable subscriber key of a request.
type KeyFunc func(r *http.Request) (string, error)

// HeaderKeyFunc reads the key from a request header.
func HeaderKeyFunc(header string) KeyFunc {
	return func(r *http.Request) (string, error) {
		key := strings.TrimSpace(r.Header.Get(header))
		if key == "" {
			return "", errspkg.ErrSubscriberKeyRequired
		}
		return key, nil
	}
}

// QueryKeyFunc reads the key from a query parameter.
func QueryKeyFunc(param string) KeyFunc {
	return func(r *http.Request) (string, error) {
		key := strings.TrimSpace(r.URL.Query().Get(param))
		if key == "" {
			return "", errspkg.ErrSubscriberKeyRequired
		}
		return key, nil
	}
}

// FirstKeyFunc returns the first key any of fns resolves.
func FirstKeyFunc(fns ...KeyFunc) KeyFunc {
	return func(r *http.Request) (string, error) {
		for _, fn := range fns {
			if key, err := fn(r); err == nil {
				return key, nil
			}
		}
		return "", errspkg.ErrSubscriberKeyRequired
	}
}

// DefaultKeyFunc checks the X-Subscriber-Key header, then the key query parameter.
func DefaultKeyFunc() KeyFunc {
	return FirstKeyFunc(HeaderKeyFunc(DefaultKeyHeader), QueryKeyFunc(DefaultKeyParam))
}
