package apperr

import (
	"context"
	"errors"
	"net"

	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"
)

var permissionCodes = map[string]bool{
	"AccessDenied":          true,
	"AccessDeniedException": true,
	"UnauthorizedOperation": true,
	"UnauthorizedException": true,
	"Forbidden":             true,
	"AllAccessDisabled":     true,
}

var notFoundCodes = map[string]bool{
	"ResourceNotFoundException": true,
	"NotFoundException":         true,
	"NoSuchBucket":              true,
	"NoSuchKey":                 true,
	"ParameterNotFound":         true,
	"ResourceNotFound":          true,
}

// FromAWS tags an AWS SDK failure by error code or transport type.
// permissionMsg replaces the provider text for authorization failures.
// Already tagged errors pass through unchanged.
func FromAWS(err error, permissionMsg string) error {
	if err == nil {
		return nil
	}
	var ae *Error
	if errors.As(err, &ae) {
		return err
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		switch {
		case permissionCodes[code]:
			if permissionMsg == "" {
				permissionMsg = MsgPermission
			}
			return Wrap(KindPermission, permissionMsg, err)
		case notFoundCodes[code]:
			return Wrap(KindNotFound, apiErr.ErrorMessage(), err)
		case code == "ValidationException":
			return Wrap(KindValidation, apiErr.ErrorMessage(), err)
		}
	}

	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return Wrap(KindTimeout, MsgTimeout, err)
	}
	var sendErr *smithyhttp.RequestSendError
	if errors.As(err, &sendErr) || errors.As(err, &netErr) {
		return Wrap(KindNetwork, MsgNetwork, err)
	}
	return Wrap(KindUnknown, err.Error(), err)
}
