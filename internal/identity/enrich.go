package identity

import (
	"context"
	"strings"

	awsops "github.com/kbchat/kbchat/internal/aws"
	"github.com/kbchat/kbchat/internal/core"
	"github.com/kbchat/kbchat/internal/logging"
	"github.com/rs/zerolog"
)

// PersonTag holds the preferred display name. It is matched exactly;
// every other tag key is matched case-insensitively.
const PersonTag = "Person"

// FallbackName is shown when nothing better is known.
const FallbackName = "User"

var (
	firstNameTags = []string{"firstname", "first_name", "nombre"}
	lastNameTags  = []string{"lastname", "last_name", "apellido", "apellidos"}
	fullNameTags  = []string{"fullname", "full_name", "nombre_completo", "displayname", "display_name"}
	emailTags     = []string{"email", "correo"}
)

// UserLookupAPI is the IAM surface the Enricher needs.
type UserLookupAPI interface {
	GetIAMUser(ctx context.Context, creds awsops.SessionCredentials, userName string) (*awsops.IAMUser, error)
	ListIAMUserTags(ctx context.Context, creds awsops.SessionCredentials, userName string) ([]awsops.Tag, error)
}

// Names are the human-readable fields derived for a principal.
type Names struct {
	UserName    string
	FirstName   string
	LastName    string
	FullName    string
	DisplayName string
	Email       string
}

// Enricher adds display names to a validated bundle. It never fails.
type Enricher struct {
	api    UserLookupAPI
	logger zerolog.Logger
}

func NewEnricher(api UserLookupAPI, logger zerolog.Logger) *Enricher {
	return &Enricher{api: api, logger: logger}
}

// Enrich returns a copy of b carrying the principal and the best names
// available. IAM lookups are attempted in order (user, then tags) and any
// failure just stops enrichment.
func (e *Enricher) Enrich(ctx context.Context, b core.CredentialBundle, p Principal) core.CredentialBundle {
	b.UserARN = p.ARN
	b.UserID = p.UserID
	userName := p.UserName()

	tags := e.lookupTags(ctx, b.Credentials(), userName)
	n := ResolveNames(userName, b.AccessKeyID, tags)

	b.UserName = n.UserName
	b.FirstName = n.FirstName
	b.LastName = n.LastName
	b.FullName = n.FullName
	b.DisplayName = n.DisplayName
	b.Email = n.Email
	return b
}

func (e *Enricher) lookupTags(ctx context.Context, creds awsops.SessionCredentials, userName string) []awsops.Tag {
	if e.api == nil || userName == "" {
		return nil
	}
	if _, err := e.api.GetIAMUser(ctx, creds, userName); err != nil {
		e.logger.Warn().Err(err).Str("access_key", logging.MaskAccessKey(creds.AccessKeyID)).Msg("user lookup skipped")
		return nil
	}
	tags, err := e.api.ListIAMUserTags(ctx, creds, userName)
	if err != nil {
		e.logger.Warn().Err(err).Str("user", userName).Msg("tag lookup skipped")
		return nil
	}
	return tags
}

// ResolveNames derives names from IAM tags. DisplayName precedence:
// the Person tag, then first+last name tags, then a full/display name tag,
// then the ARN user name, then the masked access key, then "User". When
// several name tags map to the same field the first one in tags wins; the
// last email tag wins.
func ResolveNames(userName, accessKeyID string, tags []awsops.Tag) Names {
	n := Names{UserName: userName}

	var tagFull string
	if person := strings.TrimSpace(personTag(tags)); person != "" {
		n.FullName = person
		n.DisplayName = person
		if parts := strings.Fields(person); len(parts) >= 2 {
			n.FirstName = parts[0]
			n.LastName = strings.Join(parts[1:], " ")
		}
	}

	for _, t := range tags {
		v := t.Value
		if v == "" || t.Key == PersonTag {
			continue
		}
		key := strings.ToLower(t.Key)
		switch {
		case contains(firstNameTags, key):
			if n.FirstName == "" {
				n.FirstName = v
			}
		case contains(lastNameTags, key):
			if n.LastName == "" {
				n.LastName = v
			}
		case contains(fullNameTags, key):
			if tagFull == "" {
				tagFull = v
			}
		case contains(emailTags, key):
			n.Email = v
		}
	}

	if n.FullName == "" {
		switch {
		case n.FirstName != "" || n.LastName != "":
			n.FullName = strings.TrimSpace(n.FirstName + " " + n.LastName)
		default:
			n.FullName = tagFull
		}
	}

	switch {
	case n.DisplayName != "":
	case n.FullName != "":
		n.DisplayName = n.FullName
	case n.UserName != "":
		n.DisplayName = n.UserName
	case accessKeyID != "":
		n.DisplayName = logging.MaskAccessKey(accessKeyID)
	default:
		n.DisplayName = FallbackName
	}
	return n
}

func personTag(tags []awsops.Tag) string {
	for _, t := range tags {
		if t.Key == PersonTag {
			return t.Value
		}
	}
	return ""
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
