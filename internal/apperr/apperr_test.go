package apperr

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"
)

func TestKindOf(t *testing.T) {
	base := errors.New("dial tcp: connection refused")

	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, ""},
		{"plain", base, KindUnknown},
		{"tagged", Wrap(KindNetwork, MsgNetwork, base), KindNetwork},
		{"wrapped tagged", fmt.Errorf("listing: %w", New(KindPermission, MsgPermission)), KindPermission},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("KindOf() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestUserMessage(t *testing.T) {
	cause := errors.New("InvalidClientTokenId: the security token is invalid")
	err := fmt.Errorf("sign in: %w", Wrap(KindInvalidCredentials, MsgInvalidCredentials, cause))

	if got := UserMessage(err); got != MsgInvalidCredentials {
		t.Errorf("UserMessage() = %q, want %q", got, MsgInvalidCredentials)
	}
	if !errors.Is(err, cause) {
		t.Error("expected cause to remain reachable through Unwrap")
	}
	if got := UserMessage(errors.New("raw")); got != "raw" {
		t.Errorf("UserMessage(raw) = %q", got)
	}
}

func TestErrorFallsBackToCause(t *testing.T) {
	err := &Error{Kind: KindUnknown, Err: errors.New("boom")}
	if err.Error() != "boom" {
		t.Errorf("Error() = %q, want boom", err.Error())
	}
	if !Is(err, KindUnknown) {
		t.Error("expected Is(KindUnknown)")
	}
}

func TestFromAWS(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
		msg  string
	}{
		{"access denied", &smithy.GenericAPIError{Code: "AccessDeniedException", Message: "User is not authorized"}, KindPermission, "no kb access"},
		{"unauthorized operation", &smithy.GenericAPIError{Code: "UnauthorizedOperation"}, KindPermission, "no kb access"},
		{"not found", &smithy.GenericAPIError{Code: "ResourceNotFoundException", Message: "kb missing"}, KindNotFound, "kb missing"},
		{"validation", &smithy.GenericAPIError{Code: "ValidationException", Message: "bad id"}, KindValidation, "bad id"},
		{"send error", &smithyhttp.RequestSendError{Err: errors.New("dial tcp: refused")}, KindNetwork, MsgNetwork},
		{"deadline", fmt.Errorf("calling: %w", context.DeadlineExceeded), KindTimeout, MsgTimeout},
		{"other", errors.New("boom"), KindUnknown, "boom"},
		{"tagged", New(KindContent, "empty"), KindContent, "empty"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FromAWS(tt.err, "no kb access")
			if KindOf(got) != tt.want {
				t.Errorf("kind = %q, want %q", KindOf(got), tt.want)
			}
			if UserMessage(got) != tt.msg {
				t.Errorf("message = %q, want %q", UserMessage(got), tt.msg)
			}
		})
	}
	if FromAWS(nil, "") != nil {
		t.Error("expected nil")
	}
	if got := UserMessage(FromAWS(&smithy.GenericAPIError{Code: "AccessDenied"}, "")); got != MsgPermission {
		t.Errorf("default permission message = %q", got)
	}
}
