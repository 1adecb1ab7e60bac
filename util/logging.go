package util

import (
	"io"

	"github.com/sirupsen/logrus"
)

// Field names used on every per-connection log line.
const (
	FieldConnectionID = "connection-id"
	FieldRemoteAddr   = "remote-addr"
)

// ConnEntry returns a log entry tagged with the connection id and remote address.
func ConnEntry(logger *logrus.Logger, id, remoteAddr string) *logrus.Entry {
	return logger.WithFields(logrus.Fields{
		FieldConnectionID: id,
		FieldRemoteAddr:   remoteAddr,
	})
}

// NilLogger returns a logger which discards all writes
func NilLogger() *logrus.Logger {
	logger := logrus.New()
	logger.Out = io.Discard
	return logger
}
