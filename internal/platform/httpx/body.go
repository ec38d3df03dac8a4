package httpx

import (
	"errors"
	"io"
	"net/http"
)

// ErrBodyTooLarge is returned when a request body exceeds the allowed size.
var ErrBodyTooLarge = errors.New("httpx: request body too large")

// ReadLimitedBody reads at most limit bytes from the request body.
func ReadLimitedBody(r *http.Request, limit int64) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	defer r.Body.Close()
	body, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > limit {
		return nil, ErrBodyTooLarge
	}
	return body, nil
}
