// Package identity checks credentials against STS and enriches the
// resolved principal with a human-readable name from its IAM tags.
package identity

import (
	"context"
	"errors"
	"strings"

	awsops "github.com/kbchat/kbchat/internal/aws"
	"github.com/kbchat/kbchat/internal/core"
)

// ErrNoPrincipal is returned when the identity check succeeds without
// naming a principal.
var ErrNoPrincipal = errors.New("identity check returned no principal")

// CallerIdentityAPI is the STS call the Validator needs.
type CallerIdentityAPI interface {
	GetCallerIdentity(ctx context.Context, creds awsops.SessionCredentials) (arn, account, userID string, err error)
}

// Principal is the identity resolved from a credential set.
type Principal struct {
	ARN     string `json:"arn"`
	Account string `json:"account"`
	UserID  string `json:"user_id"`
}

// UserName returns the last path segment of the principal ARN.
func (p Principal) UserName() string {
	return UserNameFromARN(p.ARN)
}

// Validator issues a single "who am I" call per validation.
type Validator struct {
	api CallerIdentityAPI
}

func NewValidator(api CallerIdentityAPI) *Validator {
	return &Validator{api: api}
}

// Validate succeeds iff the call returns a principal ARN and user id.
// Provider errors are returned as-is for the caller to classify.
func (v *Validator) Validate(ctx context.Context, b *core.CredentialBundle) (Principal, error) {
	arn, account, userID, err := v.api.GetCallerIdentity(ctx, b.Credentials())
	if err != nil {
		return Principal{}, err
	}
	if arn == "" || userID == "" {
		return Principal{}, ErrNoPrincipal
	}
	return Principal{ARN: arn, Account: account, UserID: userID}, nil
}

// splitARN splits an ARN string by colon delimiter.
func splitARN(arn string) []string {
	return strings.Split(arn, ":")
}

// AccountFromARN returns the account field of an ARN, or "".
func AccountFromARN(arn string) string {
	parts := splitARN(arn)
	if len(parts) < 6 || parts[0] != "arn" {
		return ""
	}
	return parts[4]
}

// UserNameFromARN returns the last "/"-separated segment of an ARN's
// resource, e.g. jdoe for arn:aws:iam::123:user/jdoe.
func UserNameFromARN(arn string) string {
	if arn == "" {
		return ""
	}
	parts := strings.Split(arn, "/")
	return parts[len(parts)-1]
}
