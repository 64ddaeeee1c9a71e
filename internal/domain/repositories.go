package domain

import (
	"context"
	"time"
)

// Repositories are specified as capability sets, not a type hierarchy
// (spec design note: polymorphism over concrete types). Each interface below
// is implemented by storage/sqlite and consumed by name through these
// contracts; nothing downstream imports the sqlite package directly.

type SpaceRepository interface {
	Get(ctx context.Context, spaceID string) (Space, error)
	Active(ctx context.Context) (Space, error)
	List(ctx context.Context) ([]Space, error)
	Create(ctx context.Context, s Space) error
	SetActive(ctx context.Context, spaceID string) error
}

type ServerRepository interface {
	Get(ctx context.Context, spaceID, serverID string) (InstalledServer, error)
	List(ctx context.Context, spaceID string) ([]InstalledServer, error)
	ListEnabled(ctx context.Context, spaceID string) ([]InstalledServer, error)
	ListAllEnabled(ctx context.Context) ([]InstalledServer, error)
	Install(ctx context.Context, s InstalledServer) error
	SetEnabled(ctx context.Context, spaceID, serverID string, enabled bool) error
	SetOAuthConnected(ctx context.Context, spaceID, serverID string, connected bool) error
	SaveInputs(ctx context.Context, spaceID, serverID string, inputs map[string]string) error
	Uninstall(ctx context.Context, spaceID, serverID string) error
}

type CredentialRepository interface {
	Get(ctx context.Context, spaceID, serverID string, t CredentialType) (Credential, error)
	Upsert(ctx context.Context, c Credential) error
	Clear(ctx context.Context, spaceID, serverID string, types ...CredentialType) error
	ClearTokens(ctx context.Context, spaceID, serverID string) error
}

type OAuthRegistrationRepository interface {
	Get(ctx context.Context, spaceID, serverID string) (OutboundOAuthRegistration, error)
	Upsert(ctx context.Context, r OutboundOAuthRegistration) error
	Delete(ctx context.Context, spaceID, serverID string) error
}

type FeatureRepository interface {
	Upsert(ctx context.Context, f ServerFeature) error
	MarkUnavailableExcept(ctx context.Context, spaceID, serverID string, t FeatureType, seenNames []string, now time.Time) error
	MarkAllUnavailable(ctx context.Context) error
	Get(ctx context.Context, id string) (ServerFeature, error)
	GetByQualifiedParts(ctx context.Context, spaceID, serverID string, t FeatureType, name string) (ServerFeature, error)
	ListAvailable(ctx context.Context, spaceID string) ([]ServerFeature, error)
	ListAvailableByServer(ctx context.Context, spaceID, serverID string) ([]ServerFeature, error)
	ListAvailableByType(ctx context.Context, spaceID string, t FeatureType) ([]ServerFeature, error)
}

type FeatureSetRepository interface {
	Get(ctx context.Context, id string) (FeatureSet, error)
	GetDefault(ctx context.Context, spaceID string) (FeatureSet, error)
	GetServerAll(ctx context.Context, spaceID, serverID string) (FeatureSet, error)
	GetAll(ctx context.Context, spaceID string) (FeatureSet, error)
	List(ctx context.Context, spaceID string) ([]FeatureSet, error)
	Create(ctx context.Context, fs FeatureSet) error
	SoftDelete(ctx context.Context, id string) error
	Members(ctx context.Context, featureSetID string) ([]FeatureSetMember, error)
	AddMember(ctx context.Context, m FeatureSetMember) error
	RemoveMember(ctx context.Context, featureSetID string, m FeatureSetMember) error
}

type InboundClientRepository interface {
	Get(ctx context.Context, clientID string) (InboundClient, error)
	GetByName(ctx context.Context, name string) (InboundClient, error)
	Upsert(ctx context.Context, c InboundClient) error
	SetApproved(ctx context.Context, clientID string, approved bool) error
	List(ctx context.Context) ([]InboundClient, error)
}

type GrantRepository interface {
	ListByClientSpace(ctx context.Context, clientID, spaceID string) ([]Grant, error)
	ListByClient(ctx context.Context, clientID string) ([]Grant, error)
	Grant(ctx context.Context, g Grant) error
	Revoke(ctx context.Context, clientID, spaceID, featureSetID string) error
}

type PendingAuthorizationRepository interface {
	Create(ctx context.Context, p PendingAuthorization) error
	Get(ctx context.Context, requestID string) (PendingAuthorization, error)
	Delete(ctx context.Context, requestID string) error
}

type SettingsRepository interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
}

// OAuthCodeRepository stores single-use inbound authorization codes.
type OAuthCodeRepository interface {
	Create(ctx context.Context, code string, clientID, redirectURI, codeChallenge, codeChallengeMethod, spaceID string, expiresAt time.Time) error
	Consume(ctx context.Context, code string) (OAuthCode, error)
}

// OAuthCode is a single-use authorization code row.
type OAuthCode struct {
	Code                string
	ClientID            string
	RedirectURI         string
	CodeChallenge       string
	CodeChallengeMethod string
	SpaceID             string
	ExpiresAt           time.Time
}
