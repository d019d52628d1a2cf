package secrets

import (
	"fmt"
	"sort"
	"strings"
)

// ValidationError lists required settings that are empty.
type ValidationError struct {
	Empty []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("empty values for required environment variables: %s", strings.Join(e.Empty, ", "))
}

// Require checks that every value in required is non-empty. Keys are the
// environment variable names reported in the error, sorted.
func Require(required map[string]string) error {
	var empty []string
	for key, value := range required {
		if strings.TrimSpace(value) == "" {
			empty = append(empty, key)
		}
	}
	if len(empty) == 0 {
		return nil
	}
	sort.Strings(empty)
	return &ValidationError{Empty: empty}
}
