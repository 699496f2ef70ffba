package gateway

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	"github.com/MarcoPoloResearchLab/gravity/client/internal/tokenstore"
)

const (
	authPathPrefix = "/auth/"
	// RefreshPath is the token exchange endpoint.
	RefreshPath = "/auth/refresh"
)

// Request describes one API call relative to the configured base URL.
type Request struct {
	// Operation names the calling operation in error codes and logs.
	Operation string
	Method    string
	Path      string
	Query     url.Values
	Header    http.Header
	// Body is JSON-encoded when non-nil.
	Body any
}

func (r Request) operation() string {
	if r.Operation != "" {
		return r.Operation
	}
	return "gateway.send"
}

func (r Request) isAuthEndpoint() bool {
	return strings.HasPrefix(r.Path, authPathPrefix)
}

// Response is a fully read HTTP response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Decode unmarshals the JSON body into target.
func (r *Response) Decode(target any) error {
	return json.Unmarshal(r.Body, target)
}

// AuthResponse is the flat body returned by login, signup and refresh.
type AuthResponse struct {
	UserID       int64  `json:"userId"`
	Username     string `json:"username"`
	Email        string `json:"email"`
	Token        string `json:"token"`
	RefreshToken string `json:"refresh_token"`
}

// Session converts the response into the cached session form.
func (a AuthResponse) Session() tokenstore.Session {
	return tokenstore.Session{
		UserID:      a.UserID,
		Username:    a.Username,
		Email:       a.Email,
		AccessToken: a.Token,
	}
}

type refreshRequestPayload struct {
	RefreshToken string `json:"refreshToken"`
}
