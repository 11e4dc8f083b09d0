package integration

import (
	"os"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

// TestToken returns a signed JWT suitable for test mode authentication.
// The account id goes into the sub claim, which is the only identity
// the sync service reads.
func TestToken(accountID string) (string, error) {
	secret := os.Getenv("TEST_JWT_SECRET")
	if secret == "" {
		secret = "testsecret"
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": accountID,
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	return token.SignedString([]byte(secret))
}
