package utils

import (
	"fmt"
	"io"
	"net/http"
)

// DrainAndClose drains and closes rc so the transport can reuse the connection.
func DrainAndClose(rc io.ReadCloser) error {
	if rc == nil {
		return nil
	}
	_, _ = io.Copy(io.Discard, rc)
	return rc.Close()
}

// StatusError maps a non-2xx response to an error; nil otherwise.
func StatusError(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return fmt.Errorf("http %d", resp.StatusCode)
}
