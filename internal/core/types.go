// Package core defines the shared kbchat types and the Engine that owns
// the process-wide infrastructure (config, storage, vault, audit, AWS).
package core

import (
	"time"

	awsops "github.com/kbchat/kbchat/internal/aws"
)

// CredentialBundle is a validated set of AWS credentials plus the identity
// resolved for them. AccountID, AccessKeyID, SecretAccessKey and Region are
// always set once a session exists; UserARN and UserID only after a
// successful identity check. The display fields are best-effort.
type CredentialBundle struct {
	AccountID       string `json:"accountId" validate:"required"`
	AccessKeyID     string `json:"accessKeyId" validate:"required"`
	SecretAccessKey string `json:"secretAccessKey" validate:"required"`
	SessionToken    string `json:"sessionToken,omitempty"`
	Region          string `json:"region" validate:"required"`

	UserARN     string `json:"userArn,omitempty"`
	UserID      string `json:"userId,omitempty"`
	UserName    string `json:"userName,omitempty"`
	FirstName   string `json:"firstName,omitempty"`
	LastName    string `json:"lastName,omitempty"`
	FullName    string `json:"fullName,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
	Email       string `json:"email,omitempty"`
}

// Complete reports whether the mandatory fields are present.
func (b *CredentialBundle) Complete() bool {
	return b != nil && b.AccountID != "" && b.AccessKeyID != "" &&
		b.SecretAccessKey != "" && b.Region != ""
}

// Credentials converts the bundle into SDK client credentials.
func (b *CredentialBundle) Credentials() awsops.SessionCredentials {
	return awsops.SessionCredentials{
		AccessKeyID:     b.AccessKeyID,
		SecretAccessKey: b.SecretAccessKey,
		SessionToken:    b.SessionToken,
		Region:          b.Region,
	}
}

// Greeting returns the name shown to the user.
func (b *CredentialBundle) Greeting() string {
	switch {
	case b == nil:
		return ""
	case b.DisplayName != "":
		return b.DisplayName
	case b.FullName != "":
		return b.FullName
	case b.UserName != "":
		return b.UserName
	}
	return "User"
}

// SessionState is a snapshot of the authentication lifecycle.
type SessionState struct {
	IsAuthenticated bool              `json:"isAuthenticated"`
	Bundle          *CredentialBundle `json:"credentials"`
	Error           string            `json:"error"`
	Loading         bool              `json:"loading"`
}

// Turn is one message in a conversation.
type Turn struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	IsUser    bool      `json:"isUser"`
	Timestamp time.Time `json:"timestamp"`
}

// KnowledgeBase is a read-only projection of a Bedrock knowledge base.
type KnowledgeBase struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Description string     `json:"description,omitempty"`
	Status      string     `json:"status"`
	CreatedAt   *time.Time `json:"createdAt,omitempty"`
	UpdatedAt   *time.Time `json:"updatedAt,omitempty"`
}

// DataSource is an ingestion source feeding a knowledge base.
type DataSource struct {
	DataSourceID    string `json:"dataSourceId"`
	Name            string `json:"name"`
	Description     string `json:"description,omitempty"`
	Status          string `json:"status"`
	KnowledgeBaseID string `json:"knowledgeBaseId"`
}

// Document status values reported locally.
const (
	DocumentActive     = "ACTIVE"
	DocumentProcessing = "PROCESSING"
)

// Document is a file indexed through a data source. DataSourceID always
// matches the data source it was listed from.
type Document struct {
	ID           string            `json:"id"`
	Name         string            `json:"name"`
	Status       string            `json:"status"`
	CreatedAt    time.Time         `json:"createdAt"`
	UpdatedAt    time.Time         `json:"updatedAt"`
	Size         int64             `json:"size,omitempty"`
	Type         string            `json:"type,omitempty"`
	DataSourceID string            `json:"dataSourceId"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// SearchParameters tune retrieval and generation.
type SearchParameters struct {
	MaxResults          int     `json:"maxResults" validate:"min=1,max=20"`
	SimilarityThreshold float64 `json:"similarityThreshold" validate:"gte=0,lte=1"`
	Temperature         float64 `json:"temperature" validate:"gte=0,lte=2"`
	MaxTokens           int     `json:"maxTokens" validate:"min=100,max=4000"`
}

// DefaultSearchParameters returns the out-of-the-box tuning.
func DefaultSearchParameters() SearchParameters {
	return SearchParameters{
		MaxResults:          5,
		SimilarityThreshold: 0.7,
		Temperature:         0.7,
		MaxTokens:           1000,
	}
}

// Model is a selectable foundation model.
type Model struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

const DefaultModelID = "anthropic.claude-sonnet-4-20250514-v1:0"

// Models is the model catalogue, default first.
var Models = []Model{
	{ID: DefaultModelID, Name: "Claude Sonnet 4", Description: "Anthropic Claude Sonnet 4"},
	{ID: "amazon.nova-pro-v1:0", Name: "Amazon Nova Pro", Description: "Amazon Nova Pro"},
}

// FindModel returns the catalogue entry for id.
func FindModel(id string) (Model, bool) {
	for _, m := range Models {
		if m.ID == id {
			return m, true
		}
	}
	return Model{}, false
}
