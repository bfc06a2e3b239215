package server

import (
	"strconv"
	"strings"

	"github.com/bwmarrin/snowflake"
)

const (
	defaultLeaderboardLimit = 10
	maxLeaderboardLimit     = 100
)

func parseSnowflakeParam(value string) (snowflake.ID, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return 0, newValidationError("id", "required", "id is required")
	}
	parsed, err := snowflake.ParseString(trimmed)
	if err != nil || parsed <= 0 {
		return 0, newValidationError("id", "invalid_id", "invalid id")
	}
	return parsed, nil
}

func parseOptionalSnowflakeID(value string) (*snowflake.ID, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, nil
	}
	parsed, err := parseSnowflakeParam(trimmed)
	if err != nil {
		return nil, err
	}
	return &parsed, nil
}

func parseUserIDParam(value string) (int64, error) {
	parsed, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
	if err != nil || parsed <= 0 {
		return 0, newValidationError("user_id", "invalid_user_id", "invalid user id")
	}
	return parsed, nil
}

// parseLimit applies the default for an empty value and rejects values
// outside 1..max.
func parseLimit(value string, def, max int) (int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return def, nil
	}
	parsed, err := strconv.Atoi(trimmed)
	if err != nil || parsed <= 0 || parsed > max {
		return 0, newValidationError("limit", "invalid_limit", "limit must be between 1 and "+strconv.Itoa(max))
	}
	return parsed, nil
}
