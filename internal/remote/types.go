package remote

// Object is a raw remote payload as decoded from JSON. Every object carries
// "id" and "object" (type tag); most carry "created" as unix seconds.
type Object = map[string]any

// GetString safely extracts a string value from an object
func GetString(m map[string]any, k string) (string, bool) {
	if v, ok := m[k]; ok {
		if s, ok2 := v.(string); ok2 {
			return s, true
		}
	}
	return "", false
}

// GetMap safely extracts a nested map from an object
// Handles both map[string]any and map[string]interface{} decodings
func GetMap(m map[string]any, k string) (map[string]any, bool) {
	if v, ok := m[k]; ok {
		if mm, ok2 := v.(map[string]any); ok2 {
			return mm, true
		}
		if mm, ok2 := v.(map[string]interface{}); ok2 {
			converted := make(map[string]any, len(mm))
			for key, val := range mm {
				converted[key] = val
			}
			return converted, true
		}
	}
	return nil, false
}

// GetInt64 extracts a numeric field as int64. JSON numbers decode as float64,
// so both representations are accepted.
func GetInt64(m map[string]any, k string) (int64, bool) {
	switch v := m[k].(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case float64:
		return int64(v), true
	}
	return 0, false
}

// GetBool safely extracts a boolean value from an object
func GetBool(m map[string]any, k string) (bool, bool) {
	if v, ok := m[k]; ok {
		if b, ok2 := v.(bool); ok2 {
			return b, true
		}
	}
	return false, false
}

// GetSlice extracts a JSON array field
func GetSlice(m map[string]any, k string) ([]any, bool) {
	if v, ok := m[k]; ok {
		if s, ok2 := v.([]any); ok2 {
			return s, true
		}
	}
	return nil, false
}

// ID returns the object's id, or "" if absent
func ID(o Object) string {
	s, _ := GetString(o, "id")
	return s
}

// Created returns the object's creation timestamp in unix seconds, 0 if absent
func Created(o Object) int64 {
	n, _ := GetInt64(o, "created")
	return n
}

// CreatedRange bounds a list call by creation timestamp (unix seconds).
// Zero values mean unbounded.
type CreatedRange struct {
	GTE int64
	LTE int64
}

// ListParams are the parameters accepted by every list endpoint.
// Limit must not exceed MaxPageSize; StartingAfter resumes a pagination walk
// after the given object id.
type ListParams struct {
	Limit         int
	StartingAfter string
	Created       *CreatedRange
	// Filter restricts the listing by payload field equality, e.g.
	// {"subscription": "sub_123"} when listing a parent's child collection.
	Filter map[string]string
}

// MaxPageSize is the provider-mandated page ceiling for list calls.
const MaxPageSize = 100

// Page is one page of a list response
type Page struct {
	Data    []Object
	HasMore bool
}

// Event is a decoded webhook event.
// Type follows the "<object>.<verb>" convention; verb "deleted" marks removals.
type Event struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Created int64  `json:"created"`
	Account string `json:"account,omitempty"`
	Data    struct {
		Object map[string]any `json:"object"`
	} `json:"data"`
}

// QueryRunStatus is the lifecycle of an analytical query run
type QueryRunStatus string

const (
	QueryRunRunning   QueryRunStatus = "running"
	QueryRunSucceeded QueryRunStatus = "succeeded"
	QueryRunFailed    QueryRunStatus = "failed"
)

// QueryRun is the polled state of a submitted analytical query
type QueryRun struct {
	ID     string
	Status QueryRunStatus
	FileID string
	Error  string
}
