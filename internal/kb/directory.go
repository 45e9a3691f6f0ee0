// Package kb lists the Bedrock knowledge bases visible to the signed-in
// principal.
package kb

import (
	"context"
	"strings"

	"github.com/kbchat/kbchat/internal/apperr"
	awsops "github.com/kbchat/kbchat/internal/aws"
	"github.com/kbchat/kbchat/internal/core"
	"github.com/rs/zerolog"
)

// PageSize is the number of knowledge bases requested per listing call.
const PageSize = 50

const (
	MsgPermission = "You do not have permission to list knowledge bases. Check your AWS permissions for Bedrock Agent."
	MsgListFailed = "Could not list knowledge bases. Check your connection and credentials."
)

// ListAPI is the provider listing call.
type ListAPI interface {
	ListKnowledgeBases(ctx context.Context, creds awsops.SessionCredentials, pageSize int32) ([]awsops.KnowledgeBaseSummary, error)
}

// Directory is a read-only view over the provider's knowledge bases.
type Directory struct {
	api    ListAPI
	logger zerolog.Logger
}

// NewDirectory creates a Directory.
func NewDirectory(api ListAPI, logger zerolog.Logger) *Directory {
	return &Directory{api: api, logger: logger}
}

// List returns every knowledge base. Authorization failures become a
// permission error with an actionable message.
func (d *Directory) List(ctx context.Context, b *core.CredentialBundle) ([]core.KnowledgeBase, error) {
	summaries, err := d.api.ListKnowledgeBases(ctx, b.Credentials(), PageSize)
	if err != nil {
		d.logger.Warn().Err(err).Msg("listing knowledge bases")
		return nil, translate(err)
	}

	kbs := make([]core.KnowledgeBase, 0, len(summaries))
	for _, s := range summaries {
		kb := core.KnowledgeBase{
			ID:          s.ID,
			Name:        s.Name,
			Description: s.Description,
			Status:      s.Status,
		}
		if kb.Name == "" {
			kb.Name = "Unnamed"
		}
		if kb.Status == "" {
			kb.Status = "UNKNOWN"
		}
		if !s.UpdatedAt.IsZero() {
			t := s.UpdatedAt
			kb.UpdatedAt = &t
		}
		kbs = append(kbs, kb)
	}
	d.logger.Debug().Int("count", len(kbs)).Msg("knowledge bases listed")
	return kbs, nil
}

// Get returns the knowledge base with the given id, or nil when the
// principal cannot see one.
func (d *Directory) Get(ctx context.Context, b *core.CredentialBundle, id string) (*core.KnowledgeBase, error) {
	kbs, err := d.List(ctx, b)
	if err != nil {
		return nil, err
	}
	for i := range kbs {
		if kbs[i].ID == id {
			return &kbs[i], nil
		}
	}
	return nil, nil
}

func translate(err error) error {
	terr := apperr.FromAWS(err, MsgPermission)
	switch apperr.KindOf(terr) {
	case apperr.KindPermission, apperr.KindNetwork, apperr.KindTimeout:
		return terr
	}
	return apperr.Wrap(apperr.KindUnknown, MsgListFailed, err)
}

// Profile is the assistant persona associated with a knowledge base.
type Profile struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

var (
	ProfileDarwin   = Profile{ID: "darwin", Name: "Darwin"}
	ProfileSAPNewco = Profile{ID: "sap-newco", Name: "SAP Newco"}
	ProfileSAPGadea = Profile{ID: "sap-gadea", Name: "SAP Gadea"}
	ProfileMulesoft = Profile{ID: "mulesoft", Name: "Mulesoft"}
	ProfileGeneral  = Profile{ID: "general", Name: "General"}
)

// ProfileFor picks the persona from a knowledge base name.
func ProfileFor(kbName string) Profile {
	name := strings.ToLower(kbName)
	switch {
	case strings.Contains(name, "sap-newco"):
		return ProfileSAPNewco
	case strings.Contains(name, "sap-gadea"):
		return ProfileSAPGadea
	case strings.Contains(name, "mulesoft"):
		return ProfileMulesoft
	case strings.Contains(name, "e2e-rag-knowledgebase-pgvector") && !strings.Contains(name, "sap"):
		return ProfileDarwin
	}
	return ProfileGeneral
}
