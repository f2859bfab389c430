package socket

import (
	"errors"
	"io"
	"net"
	"strings"
	"syscall"
)

var (
	// ErrReaderHeld is returned by Conn.Reader while the readable handle
	// is already acquired.
	ErrReaderHeld = errors.New("socket: reader already acquired")
	// ErrWriterHeld is returned by Conn.Writer while the writable handle
	// is already acquired.
	ErrWriterHeld = errors.New("socket: writer already acquired")
	// ErrReleased is returned from operations on a released handle.
	ErrReleased = errors.New("socket: handle released")
	// ErrUpgradeUnsupported is returned by StartTLS on handles not opened
	// with TLSModeStartTLS.
	ErrUpgradeUnsupported = errors.New("socket: transport does not support starttls")
	// ErrAlreadySecure is returned by StartTLS on transports that carry
	// TLS natively.
	ErrAlreadySecure = errors.New("socket: transport is already TLS-protected")
	// ErrConnClosed is returned from operations on a closed handle.
	ErrConnClosed = errors.New("socket: connection closed")
)

var (
	// UseOfClosedNetworkConnection is a special string some parts of
	// go standard lib are using that is the only way to identify some errors
	UseOfClosedNetworkConnection = "use of closed network connection"
	// FailedToSendCloseNotify is an error message from Go net package
	// indicating that the connection was closed by the server.
	FailedToSendCloseNotify = "tls: failed to send closeNotify alert (but connection was closed anyway)"
)

// IsUseOfClosedNetworkError returns true if the specified error
// indicates the use of a closed network connection.
func IsUseOfClosedNetworkError(err error) bool {
	if err == nil {
		return false
	}

	return errors.Is(err, net.ErrClosed) || strings.Contains(err.Error(), UseOfClosedNetworkConnection)
}

// IsFailedToSendCloseNotifyError returns true if the provided error is the
// "tls: failed to send closeNotify".
func IsFailedToSendCloseNotifyError(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), FailedToSendCloseNotify)
}

// IsOKNetworkError returns true if the provided error received from a network
// operation is one of those that usually indicate normal connection close.
func IsOKNetworkError(err error) bool {
	if err == nil {
		return false
	}
	if multiErr, ok := err.(interface{ Errors() []error }); ok {
		for _, e := range multiErr.Errors() {
			if !IsOKNetworkError(e) {
				return false
			}
		}
		return true
	}

	return errors.Is(err, io.EOF) || IsUseOfClosedNetworkError(err) || IsFailedToSendCloseNotifyError(err)
}

// IsPeerGoneError returns true if the error indicates the peer actively
// refused or tore down the connection.
func IsPeerGoneError(err error) bool {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errors.Is(errno, syscall.ECONNREFUSED) || errors.Is(errno, syscall.ECONNRESET) || errors.Is(errno, syscall.ECONNABORTED)
	}
	return false
}
