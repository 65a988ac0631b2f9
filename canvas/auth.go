package canvas

import (
	"fmt"

	gojwt "github.com/golang-jwt/jwt/v5"
)

// the workspace scope required on every subscribe/write call. Any core
// operation issued without a valid, matching workspace scope fails with
// `ErrPermissionDenied`
type SessionScope struct {
	WorkspaceId Id
	UserId      Id
	// unique per connection, breaks `UpdatedAt` ties
	SessionId string

	ByJwt string
}

func NewSessionScope(workspaceId Id, userId Id) *SessionScope {
	return &SessionScope{
		WorkspaceId: workspaceId,
		UserId:      userId,
		SessionId:   NewId().String(),
	}
}

func (self *SessionScope) CheckWorkspace(workspaceId Id) error {
	if self.WorkspaceId != workspaceId {
		return fmt.Errorf("%w: workspace %s does not match scope %s", ErrPermissionDenied, workspaceId, self.WorkspaceId)
	}
	return nil
}

func scopeFromClaims(claims gojwt.MapClaims) (*SessionScope, error) {
	scope := &SessionScope{}

	if workspaceIdStr, ok := claims["workspace_id"].(string); ok {
		if workspaceId, err := ParseId(workspaceIdStr); err == nil {
			scope.WorkspaceId = workspaceId
		}
	}
	if userIdStr, ok := claims["user_id"].(string); ok {
		if userId, err := ParseId(userIdStr); err == nil {
			scope.UserId = userId
		}
	}
	if sessionId, ok := claims["session_id"].(string); ok {
		scope.SessionId = sessionId
	}

	if scope.WorkspaceId.IsZero() || scope.UserId.IsZero() || scope.SessionId == "" {
		return nil, fmt.Errorf("%w: incomplete scope claims", ErrPermissionDenied)
	}
	return scope, nil
}

// parses the scope claims without verifying the signature. The client uses
// this to scope its own calls; the store verifies
func ParseScopeUnverified(byJwt string) (*SessionScope, error) {
	parser := gojwt.NewParser()
	token, _, err := parser.ParseUnverified(byJwt, gojwt.MapClaims{})
	if err != nil {
		return nil, err
	}

	scope, err := scopeFromClaims(token.Claims.(gojwt.MapClaims))
	if err != nil {
		return nil, err
	}
	scope.ByJwt = byJwt
	return scope, nil
}

// verifies the HMAC signature and parses the scope claims
func VerifyScope(byJwt string, secret []byte) (*SessionScope, error) {
	token, err := gojwt.Parse(byJwt, func(token *gojwt.Token) (any, error) {
		if _, ok := token.Method.(*gojwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	}

	claims, ok := token.Claims.(gojwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("%w: bad claims", ErrPermissionDenied)
	}
	scope, err := scopeFromClaims(claims)
	if err != nil {
		return nil, err
	}
	scope.ByJwt = byJwt
	return scope, nil
}

// mints a signed workspace token for a scope
func MintScopeJwt(scope *SessionScope, secret []byte) (string, error) {
	token := gojwt.NewWithClaims(gojwt.SigningMethodHS256, gojwt.MapClaims{
		"workspace_id": scope.WorkspaceId.String(),
		"user_id":      scope.UserId.String(),
		"session_id":   scope.SessionId,
	})
	return token.SignedString(secret)
}
