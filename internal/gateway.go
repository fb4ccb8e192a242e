// Package gateway defines domain types for heimdall, a multi-tenant admission
// gateway in front of a single OpenAI-compatible inference server. This
// package has no project imports -- it is the dependency root.
package gateway

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// APIKeyPrefix is prepended to every generated API key.
const APIKeyPrefix = "hmd_"

// EndpointChatCompletions is the only upstream-backed endpoint.
const EndpointChatCompletions = "/v1/chat/completions"

// Roles carried by API keys and the principals they resolve to.
const (
	RoleAdmin = "admin"
	RoleUser  = "user"
)

// ValidRole reports whether role is one of the known key roles.
func ValidRole(role string) bool {
	return role == RoleAdmin || role == RoleUser
}

// Owner types for API keys.
const (
	OwnerTypeUser = "user"
	OwnerTypeTeam = "team"
)

// ValidOwnerType reports whether t is a known key owner type.
func ValidOwnerType(t string) bool {
	return t == OwnerTypeUser || t == OwnerTypeTeam
}

// API key lifecycle states.
const (
	KeyStatusActive  = "active"
	KeyStatusRevoked = "revoked"
)

// User lifecycle states. New registrations start pending until an admin
// approves them.
const (
	UserStatusPending  = "pending"
	UserStatusApproved = "approved"
	UserStatusDisabled = "disabled"
)

// BootstrapKeyID marks principals minted from the configured bootstrap key.
const BootstrapKeyID = "bootstrap"

// NewID returns a time-ordered unique identifier.
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// HashToken returns the hex SHA-256 of a raw API key. Used as a cache key so
// plaintext keys never sit in memory longer than a request.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// --- Wire types ---

// Message is a single chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest represents an OpenAI-compatible chat completion request.
// The gateway forwards client bodies verbatim; this is the validated shape
// used by helpers and tests.
type ChatRequest struct {
	Model            string          `json:"model,omitempty"`
	Messages         []Message       `json:"messages"`
	Stream           bool            `json:"stream,omitempty"`
	MaxTokens        *int            `json:"max_tokens,omitempty"`
	Temperature      *float64        `json:"temperature,omitempty"`
	TopP             *float64        `json:"top_p,omitempty"`
	PresencePenalty  *float64        `json:"presence_penalty,omitempty"`
	FrequencyPenalty *float64        `json:"frequency_penalty,omitempty"`
	Stop             json.RawMessage `json:"stop,omitempty"` // string or list of strings
}

// Usage is the token accounting block reported by the upstream.
type Usage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

// Choice is a single completion choice in an upstream response.
type Choice struct {
	Index        int      `json:"index"`
	Message      *Message `json:"message,omitempty"`
	Delta        *Message `json:"delta,omitempty"`
	FinishReason string   `json:"finish_reason,omitempty"`
}

// ChatResponse represents an OpenAI-compatible chat completion response.
type ChatResponse struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   *Usage   `json:"usage,omitempty"`
}

// StreamChunk is one unit of a streaming response on its way from the
// upstream reader to the client writer. Data holds raw wire bytes (one SSE
// line, terminator included) so the client receives exactly what the
// upstream sent. Usage is set on the chunk whose payload carried a usage
// block.
type StreamChunk struct {
	Data  []byte
	Usage *Usage
	Err   error
}

// --- Identity ---

// Principal is the resolved caller of a data-plane request.
type Principal struct {
	KeyID     string
	OrgID     string // empty for the bootstrap admin
	OwnerType string // "user" or "team"
	OwnerID   string
	UserID    string // set when the key is user-owned
	Role      string
}

// IsAdmin reports whether the principal carries the admin role.
func (p *Principal) IsAdmin() bool {
	return p != nil && p.Role == RoleAdmin
}

// --- Entities ---

// Organization is a tenant. A nil MonthlyTokenQuota means unlimited.
type Organization struct {
	ID                string         `json:"id"`
	Name              string         `json:"name"`
	Status            string         `json:"status"`
	MonthlyTokenQuota *int64         `json:"monthly_token_quota"`
	Settings          map[string]any `json:"settings,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
}

// Team groups users within an organization.
type Team struct {
	ID          string    `json:"id"`
	OrgID       string    `json:"organization_id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// User is a registered account. PasswordHash never leaves the server.
type User struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Email        string    `json:"email,omitempty"`
	PasswordHash string    `json:"-"`
	Status       string    `json:"status"`
	OrgID        string    `json:"organization_id,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Membership links a user to a team.
type Membership struct {
	ID     string `json:"id"`
	TeamID string `json:"team_id"`
	UserID string `json:"user_id"`
	Role   string `json:"role"`
}

// APIKey is a stored credential. KeyHash is a bcrypt hash of the full
// plaintext key; KeyLast4 narrows candidate lookups to an indexed scan.
type APIKey struct {
	ID                string     `json:"id"`
	OwnerType         string     `json:"owner_type"`
	OwnerID           string     `json:"owner_id"`
	UserID            string     `json:"user_id,omitempty"` // legacy owner column
	Name              string     `json:"name"`
	KeyHash           string     `json:"-"`
	KeyLast4          string     `json:"key_last4"`
	Role              string     `json:"role"`
	Status            string     `json:"status"`
	MonthlyTokenQuota *int64     `json:"monthly_token_quota,omitempty"`
	DailyRequestQuota *int64     `json:"daily_request_quota,omitempty"`
	ExpiresAt         *time.Time `json:"expires_at,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	LastUsedAt        *time.Time `json:"last_used_at,omitempty"`
}

// RequestRecord is the accounting row written once per completed request.
type RequestRecord struct {
	ID               string
	KeyID            string
	UserID           string
	OrgID            string
	OwnerType        string
	OwnerID          string
	Endpoint         string
	Model            string
	RequestBody      json.RawMessage
	ResponseBody     json.RawMessage
	StatusCode       int
	ErrorMessage     string
	PromptTokens     int64
	CompletionTokens int64
	TotalTokens      int64
	LatencyMS        int64
	CreatedAt        time.Time
}

// UsageRollup is the per-key per-day counter row.
type UsageRollup struct {
	ID               int64     `json:"-"`
	KeyID            string    `json:"key_id"`
	UserID           string    `json:"user_id,omitempty"`
	Day              time.Time `json:"day"`
	RequestCount     int64     `json:"request_count"`
	PromptTokens     int64     `json:"prompt_tokens"`
	CompletionTokens int64     `json:"completion_tokens"`
	TotalTokens      int64     `json:"total_tokens"`
}

// APIUsage is the per-organization per-owner per-day counter row consumed by
// quota checks and tenant reporting.
type APIUsage struct {
	ID               int64     `json:"-"`
	OrgID            string    `json:"organization_id"`
	OwnerType        string    `json:"owner_type"`
	OwnerID          string    `json:"owner_id"`
	KeyID            string    `json:"key_id"`
	Day              time.Time `json:"day"`
	RequestCount     int64     `json:"request_count"`
	PromptTokens     int64     `json:"prompt_tokens"`
	CompletionTokens int64     `json:"completion_tokens"`
	TotalTokens      int64     `json:"total_tokens"`
}

// AuditEntry is one append-only record of an admin mutation.
type AuditEntry struct {
	ID         int64           `json:"id"`
	ActorKeyID string          `json:"actor_key_id"`
	Action     string          `json:"action"`
	TargetType string          `json:"target_type,omitempty"`
	TargetID   string          `json:"target_id,omitempty"`
	Meta       json.RawMessage `json:"meta,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// --- Request context ---

type contextKey struct{}

var metaKey contextKey

// requestMeta is allocated once per request by the request ID middleware and
// mutated in place afterwards, so attaching the principal costs nothing.
type requestMeta struct {
	requestID   string
	principal   *Principal
	sessionUser string
}

// ContextWithRequestID returns a context carrying the request ID.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, metaKey, &requestMeta{requestID: id})
}

// RequestIDFromContext returns the request ID, or "".
func RequestIDFromContext(ctx context.Context) string {
	if m, ok := ctx.Value(metaKey).(*requestMeta); ok {
		return m.requestID
	}
	return ""
}

// ContextWithPrincipal attaches the resolved principal to existing request
// meta without allocating a new context.
func ContextWithPrincipal(ctx context.Context, p *Principal) context.Context {
	if m, ok := ctx.Value(metaKey).(*requestMeta); ok {
		m.principal = p
		return ctx
	}
	return context.WithValue(ctx, metaKey, &requestMeta{principal: p})
}

// PrincipalFromContext returns the resolved principal, or nil.
func PrincipalFromContext(ctx context.Context) *Principal {
	if m, ok := ctx.Value(metaKey).(*requestMeta); ok {
		return m.principal
	}
	return nil
}

// ContextWithSessionUser attaches a session-authenticated user ID to the
// request meta. The self-service plane authenticates with bearer tokens
// rather than API keys.
func ContextWithSessionUser(ctx context.Context, userID string) context.Context {
	if m, ok := ctx.Value(metaKey).(*requestMeta); ok {
		m.sessionUser = userID
		return ctx
	}
	return context.WithValue(ctx, metaKey, &requestMeta{sessionUser: userID})
}

// SessionUserFromContext returns the session user ID, or "".
func SessionUserFromContext(ctx context.Context) string {
	if m, ok := ctx.Value(metaKey).(*requestMeta); ok {
		return m.sessionUser
	}
	return ""
}
