// keylog.go writes TLS session secrets in the NSS key log format so tunnel
// traffic captured between the agent and the proxy can be decrypted in
// Wireshark.
//
// Set SSLKEYLOGFILE=/path/to/keys.log before starting, or configure
// key_log_file in the proxy config.
package transport

import (
	"io"
	"os"
	"sync"
)

var (
	keyLogOnce   sync.Once
	keyLogWriter io.Writer
)

// KeyLogWriter returns the writer named by SSLKEYLOGFILE, or nil when the
// variable is unset or the file cannot be opened. The file is opened once
// per process and shared by every handshake.
func KeyLogWriter() io.Writer {
	keyLogOnce.Do(func() {
		path := os.Getenv("SSLKEYLOGFILE")
		if path == "" {
			return
		}
		f, err := OpenKeyLog(path)
		if err != nil {
			// Debug feature; a bad path must not break requests.
			return
		}
		keyLogWriter = f
	})
	return keyLogWriter
}

// OpenKeyLog opens path for appending key log lines. The caller closes it.
func OpenKeyLog(path string) (io.WriteCloser, error) {
	return os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0600)
}
