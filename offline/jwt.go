package offline

import (
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
)

type CredentialClaims struct {
	AccountId     string
	Email         string
	DelegateEmail string
	ExpiresAt     time.Time
}

// the remote verifies tokens. The client only reads the claims it needs
// for display and logging
func ParseCredentialClaimsUnverified(authToken string) (*CredentialClaims, error) {
	parser := gojwt.NewParser()
	token, _, err := parser.ParseUnverified(authToken, gojwt.MapClaims{})
	if err != nil {
		return nil, err
	}

	claims := token.Claims.(gojwt.MapClaims)

	credentialClaims := &CredentialClaims{}

	if accountId, ok := claims["account_id"].(string); ok {
		credentialClaims.AccountId = accountId
	}
	if email, ok := claims["email"].(string); ok {
		credentialClaims.Email = email
	}
	if delegateEmail, ok := claims["delegate_email"].(string); ok {
		credentialClaims.DelegateEmail = delegateEmail
	}
	if expiresAt, err := claims.GetExpirationTime(); err == nil && expiresAt != nil {
		credentialClaims.ExpiresAt = expiresAt.Time
	}

	return credentialClaims, nil
}
