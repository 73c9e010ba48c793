package session

import (
	"strconv"
)

// ParseUserID parses a stored user id. Only the canonical decimal form of a
// positive int64 is accepted: no sign, no leading zeros, no whitespace.
// Anything else means the hash was written by something other than Bind.
func ParseUserID(text string) (int64, error) {
	if text == "" || text[0] < '1' || text[0] > '9' {
		return 0, ErrDataIntegrity
	}
	for i := 1; i < len(text); i++ {
		if text[i] < '0' || text[i] > '9' {
			return 0, ErrDataIntegrity
		}
	}

	id, err := strconv.ParseInt(text, 10, 64)
	if err != nil {
		// Only overflow can get here.
		return 0, ErrDataIntegrity
	}
	return id, nil
}

// FormatUserID is the storage form of a user id.
func FormatUserID(userID int64) string {
	return strconv.FormatInt(userID, 10)
}
