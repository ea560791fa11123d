package pipeline

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
)

// ApprovalMessage builds the ASCII string signed by an approver's
// token: "<event_id>:<domain>:<action>:<tenant>".
func ApprovalMessage(eventID, domain, action, tenant string) string {
	return fmt.Sprintf("%s:%s:%s:%s", eventID, domain, action, tenant)
}

// SignApproval computes the signed-token value for a message under an
// approver's shared secret.
func SignApproval(secret, message string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(message))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

// VerifyApproval reports whether token matches the expected signature
// for message under secret, using a constant-time comparison.
func VerifyApproval(secret, message, token string) bool {
	expected := SignApproval(secret, message)
	return subtle.ConstantTimeCompare([]byte(expected), []byte(token)) == 1
}
