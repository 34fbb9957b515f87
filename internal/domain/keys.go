package domain

// Store key layout shared by every component that touches the key-value store.
const (
	chatKeyPrefix     = "chat:"
	customerKeyPrefix = "customer:"
	optOutKeySuffix   = ".optOut"
	MeetingKeyPrefix  = "meeting:"
)

func ChatKey(userID string) string     { return chatKeyPrefix + userID }
func CustomerKey(userID string) string { return customerKeyPrefix + userID }
func OptOutKey(userID string) string   { return customerKeyPrefix + userID + optOutKeySuffix }
func MeetingKey(userID string) string  { return MeetingKeyPrefix + userID }

// MeetingUserID extracts the user id from a meeting key.
func MeetingUserID(key string) (string, bool) {
	if len(key) <= len(MeetingKeyPrefix) || key[:len(MeetingKeyPrefix)] != MeetingKeyPrefix {
		return "", false
	}
	return key[len(MeetingKeyPrefix):], true
}
