package voice

import (
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

const (
	tokenExpiryMs   = 10 * 60 * 1000
	apiKeyMinLength = 32
	apiKeyPrefix    = "sage_"
)

// ValidatedAPIKey is an API key that passed format validation.
type ValidatedAPIKey string

func ValidateAPIKeyFormat(apiKey string) Result[ValidatedAPIKey] {
	if len(apiKey) >= apiKeyMinLength && strings.HasPrefix(apiKey, apiKeyPrefix) {
		return Ok(ValidatedAPIKey(apiKey))
	}
	return Err[ValidatedAPIKey](NewVoiceError("Invalid API key format", ErrCodeInvalidAPIKey))
}

func GetAPIKey() Result[string] {
	apiKey := os.Getenv("SAGE_VOICE_API_KEY")
	if apiKey != "" {
		return Ok(apiKey)
	}
	return Err[string](NewVoiceError("SAGE_VOICE_API_KEY not set", ErrCodeMissingAPIKey))
}

// GenerateSessionTokenFromAPIKey mints a short-lived HS256 token the voice
// endpoint accepts as its token query parameter.
func GenerateSessionTokenFromAPIKey(apiKey ValidatedAPIKey, conversationID string) Result[*WSToken] {
	expiresAt := time.Now().UnixMilli() + tokenExpiryMs

	payload := jwt.MapClaims{
		"apiKey": string(apiKey)[:8] + "...",
		"exp":    expiresAt / 1000, // JWT expects seconds
	}
	if conversationID != "" {
		payload["conversationId"] = conversationID
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, payload)
	tokenString, err := token.SignedString([]byte(apiKey))
	if err != nil {
		return Err[*WSToken](NewVoiceError(err.Error(), ErrCodeTokenFailed))
	}

	return Ok(&WSToken{Token: tokenString, ExpiresAt: expiresAt})
}

func GenerateSessionToken(conversationID string) Result[*WSToken] {
	apiKeyResult := GetAPIKey()
	if !apiKeyResult.Success {
		return Err[*WSToken](apiKeyResult.Error)
	}

	validatedResult := ValidateAPIKeyFormat(apiKeyResult.Data)
	if !validatedResult.Success {
		return Err[*WSToken](validatedResult.Error)
	}

	return GenerateSessionTokenFromAPIKey(validatedResult.Data, conversationID)
}

func IsTokenExpired(token *WSToken) bool {
	return time.Now().UnixMilli() > token.ExpiresAt
}

// GetTokenTTL returns the token's remaining lifetime in seconds.
func GetTokenTTL(token *WSToken) int {
	ttl := (token.ExpiresAt - time.Now().UnixMilli()) / 1000
	if ttl < 0 {
		return 0
	}
	return int(ttl)
}

func DecodeSessionToken(token string, apiKey string) Result[map[string]interface{}] {
	parsedToken, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
		return []byte(apiKey), nil
	})
	if err != nil {
		return Err[map[string]interface{}](NewVoiceError(err.Error(), ErrCodeTokenFailed))
	}

	if claims, ok := parsedToken.Claims.(jwt.MapClaims); ok && parsedToken.Valid {
		return Ok(map[string]interface{}(claims))
	}

	return Err[map[string]interface{}](NewVoiceError("Invalid token", ErrCodeTokenFailed))
}
