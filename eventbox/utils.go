package eventbox

import (
	"encoding/json"
	"fmt"
	"math"
	"slices"

	"github.com/google/uuid"
)

// Contains checks if an item is in a slice. This function uses type parameters to work with any slice type.
func Contains[T comparable](slice []T, item T) bool {
	return slices.Contains(slice, item)
}

// SafeInt64ToInt safely converts int64 to int
func SafeInt64ToInt(val int64) int {
	if val > math.MaxInt {
		return math.MaxInt
	} else if val < math.MinInt {
		return math.MinInt
	}

	return int(val)
}

// IsUUID Validate if the string pass through is an uuid
func IsUUID(s string) bool {
	_, err := uuid.Parse(s)

	return err == nil
}

// StructToJSONString convert a struct to json string
func StructToJSONString(s any) (string, error) {
	jsonByte, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("struct to JSON: %w", err)
	}

	return string(jsonByte), nil
}

// UUIDsToStrings converts a slice of UUIDs to a slice of strings.
// It's optimized to minimize allocations and iterations.
func UUIDsToStrings(uuids []uuid.UUID) []string {
	result := make([]string, len(uuids))
	for i := range uuids {
		result[i] = uuids[i].String()
	}

	return result
}
