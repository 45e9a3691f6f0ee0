package session

import (
	"context"
	"errors"
	"net"

	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"
	"github.com/kbchat/kbchat/internal/apperr"
	"github.com/kbchat/kbchat/internal/identity"
)

// credentialCodes are provider error codes that all mean "these
// credentials do not work". They collapse into one message so the user
// cannot tell which field was wrong.
var credentialCodes = map[string]bool{
	"InvalidClientTokenId":        true,
	"InvalidAccessKeyId":          true,
	"SignatureDoesNotMatch":       true,
	"IncompleteSignature":         true,
	"UnrecognizedClientException": true,
	"ExpiredToken":                true,
	"ExpiredTokenException":       true,
	"RequestExpired":              true,
	"TokenRefreshRequired":        true,
	"InvalidToken":                true,
	"AuthFailure":                 true,
	"AccessDenied":                true,
	"AccessDeniedException":       true,
}

// ClassifyError maps an identity-check failure to a tagged error.
// Already tagged errors pass through unchanged.
func ClassifyError(err error) error {
	if err == nil {
		return nil
	}
	var ae *apperr.Error
	if errors.As(err, &ae) {
		return err
	}

	if errors.Is(err, identity.ErrNoPrincipal) {
		return apperr.Wrap(apperr.KindInvalidCredentials, apperr.MsgInvalidCredentials, err)
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && credentialCodes[apiErr.ErrorCode()] {
		return apperr.Wrap(apperr.KindInvalidCredentials, apperr.MsgInvalidCredentials, err)
	}

	var sendErr *smithyhttp.RequestSendError
	var netErr net.Error
	if errors.As(err, &sendErr) || errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return apperr.Wrap(apperr.KindNetwork, apperr.MsgNetwork, err)
	}

	return apperr.Wrap(apperr.KindUnknown, err.Error(), err)
}
