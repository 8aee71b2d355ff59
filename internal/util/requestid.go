package util

import (
	"crypto/rand"
	"fmt"
	"time"
)

const alnum = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// NewRequestID mints a fresh relay request id of the form
// "<epoch-ms>_<9-char-alnum>", matching the wire format the relay script
// expects to correlate requests and events.
func NewRequestID() string {
	return fmt.Sprintf("%d_%s", time.Now().UnixMilli(), randomAlnum(9))
}

func randomAlnum(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failing is effectively unrecoverable; fall back to a
		// fixed pattern rather than panicking mid-request.
		for i := range buf {
			buf[i] = alnum[i%len(alnum)]
		}
		return string(buf)
	}
	out := make([]byte, n)
	for i, b := range buf {
		out[i] = alnum[int(b)%len(alnum)]
	}
	return string(out)
}
