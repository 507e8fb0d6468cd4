package domain

import (
	"maps"
	"slices"
	"time"
)

// Principal is the snapshot of whoever approved a grant. It is stored with
// the context and never looked up again from the identity source.
type Principal struct {
	Name          string            `json:"name"`
	Authenticated bool              `json:"authenticated"`
	Authorities   []string          `json:"authorities,omitempty"`
	Attributes    map[string]string `json:"attributes,omitempty"`
}

// AuthorizationRequest is the inbound request as the consent step approved
// it. It only lives for the duration of the call that creates a context.
type AuthorizationRequest struct {
	ClientID      string
	RedirectURI   string
	ResponseTypes []string
	Scopes        []string
	ResourceIDs   []string
	Authorities   []string
	Approved      bool
	State         string
	Parameters    map[string]string
	Extensions    map[string]any
}

// AuthorizationContext is an approved authorization decision. Every token and
// authorization code issued from the decision points at it. It is never
// updated; it is deleted once nothing references it.
type AuthorizationContext struct {
	ID string

	// Principal is nil for client-only grants.
	Principal *Principal

	Authorities       []string
	ResourceIDs       []string
	Approved          bool
	RedirectURI       string
	ResponseTypes     []string
	Extensions        map[string]any
	ClientID          string
	Scopes            []string
	RequestParameters map[string]string
	CreatedAt         time.Time

	request *AuthorizationRequest
}

// ParamState is the request parameter the OAuth state value is kept under.
const ParamState = "state"

// NewAuthorizationContext captures req verbatim. The caller's slices and maps
// are copied so later mutation on their side cannot leak into the context.
func NewAuthorizationContext(principal *Principal, req AuthorizationRequest) *AuthorizationContext {
	var p *Principal
	if principal != nil {
		cp := *principal
		cp.Authorities = slices.Clone(principal.Authorities)
		cp.Attributes = maps.Clone(principal.Attributes)
		p = &cp
	}

	params := maps.Clone(req.Parameters)
	if req.State != "" {
		if params == nil {
			params = make(map[string]string, 1)
		}
		if _, ok := params[ParamState]; !ok {
			params[ParamState] = req.State
		}
	}

	snapshot := req.clone()
	return &AuthorizationContext{
		Principal:         p,
		Authorities:       slices.Clone(req.Authorities),
		ResourceIDs:       slices.Clone(req.ResourceIDs),
		Approved:          req.Approved,
		RedirectURI:       req.RedirectURI,
		ResponseTypes:     slices.Clone(req.ResponseTypes),
		Extensions:        maps.Clone(req.Extensions),
		ClientID:          req.ClientID,
		Scopes:            slices.Clone(req.Scopes),
		RequestParameters: params,
		request:           &snapshot,
	}
}

// Request returns the request this context was created from. Contexts read
// back from storage rebuild it from the persisted fields.
func (c *AuthorizationContext) Request() AuthorizationRequest {
	if c.request != nil {
		return c.request.clone()
	}
	return AuthorizationRequest{
		ClientID:      c.ClientID,
		RedirectURI:   c.RedirectURI,
		ResponseTypes: slices.Clone(c.ResponseTypes),
		Scopes:        slices.Clone(c.Scopes),
		ResourceIDs:   slices.Clone(c.ResourceIDs),
		Authorities:   slices.Clone(c.Authorities),
		Approved:      c.Approved,
		State:         c.RequestParameters[ParamState],
		Parameters:    maps.Clone(c.RequestParameters),
		Extensions:    maps.Clone(c.Extensions),
	}
}

func (r AuthorizationRequest) clone() AuthorizationRequest {
	r.ResponseTypes = slices.Clone(r.ResponseTypes)
	r.Scopes = slices.Clone(r.Scopes)
	r.ResourceIDs = slices.Clone(r.ResourceIDs)
	r.Authorities = slices.Clone(r.Authorities)
	r.Parameters = maps.Clone(r.Parameters)
	r.Extensions = maps.Clone(r.Extensions)
	return r
}

// PrincipalName is "" for client-only grants.
func (c *AuthorizationContext) PrincipalName() string {
	if c.Principal == nil {
		return ""
	}
	return c.Principal.Name
}

func (c *AuthorizationContext) IsClientOnly() bool { return c.Principal == nil }
