package transport

import (
	"context"
	"crypto/x509"
	"errors"
	"net"
	"syscall"

	"github.com/SmitUplenchwar2687/Tapedeck/internal/neterr"
)

// classify maps a transport failure to a net error code. Errors that already
// carry a code pass through.
func classify(ctx context.Context, err error) error {
	var ne *neterr.Error
	if errors.As(err, &ne) {
		return ne
	}

	var (
		dnsErr  *net.DNSError
		hostErr x509.HostnameError
		authErr x509.UnknownAuthorityError
		certErr x509.CertificateInvalidError
		netErr  net.Error
	)
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(ctx.Err(), context.DeadlineExceeded):
		return neterr.Wrap(neterr.ErrTimedOut, err)
	case errors.Is(err, context.Canceled):
		return neterr.Wrap(neterr.ErrAborted, err)
	case errors.As(err, &dnsErr):
		return neterr.Wrap(neterr.ErrNameNotResolved, err)
	case errors.As(err, &hostErr):
		return neterr.Wrap(neterr.ErrCertCommonNameInvalid, err)
	case errors.As(err, &authErr):
		return neterr.Wrap(neterr.ErrCertAuthorityInvalid, err)
	case errors.As(err, &certErr) && certErr.Reason == x509.Expired:
		return neterr.Wrap(neterr.ErrCertDateInvalid, err)
	case errors.Is(err, syscall.ECONNREFUSED):
		return neterr.Wrap(neterr.ErrConnectionRefused, err)
	case errors.Is(err, syscall.ECONNRESET):
		return neterr.Wrap(neterr.ErrConnectionReset, err)
	case errors.Is(err, syscall.ENETUNREACH), errors.Is(err, syscall.ENETDOWN):
		return neterr.Wrap(neterr.ErrInternetDisconnected, err)
	case errors.As(err, &netErr) && netErr.Timeout():
		return neterr.Wrap(neterr.ErrTimedOut, err)
	}
	return neterr.Wrap(neterr.ErrFailed, err)
}
