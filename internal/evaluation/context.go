package evaluation

import "fmt"

// Well-known context keys. Callers may add any other attribute
// (fleetSize, shipmentValue, actionsLastMinute, ...).
const (
	KeyUserID        = "userId"
	KeyUserRole      = "userRole"
	KeyUserKYCStatus = "userKycStatus"
	KeyDeviceID      = "deviceId"
	KeyIP            = "ip"
	KeyRoute         = "route"
	KeyPayload       = "payload"
)

// Context is the per-request attribute map rules are evaluated against.
// It is built fresh for every action and never persisted as-is.
type Context map[string]any

func (c Context) str(key string) string {
	v, ok := c[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

func (c Context) UserID() string { return c.str(KeyUserID) }

// With returns a copy of c with key set to v.
func (c Context) With(key string, v any) Context {
	out := make(Context, len(c)+1)
	for k, val := range c {
		out[k] = val
	}
	out[key] = v
	return out
}

// Summary is the subset of the context that is safe to record in the audit chain.
func (c Context) Summary() map[string]any {
	out := map[string]any{}
	for _, k := range []string{KeyUserID, KeyUserRole, KeyUserKYCStatus, KeyDeviceID, KeyIP, KeyRoute} {
		if s := c.str(k); s != "" {
			out[k] = s
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// lookup resolves a dotted path through nested maps.
func (c Context) lookup(path []string) bool {
	var cur any = map[string]any(c)
	for _, seg := range path {
		var m map[string]any
		switch v := cur.(type) {
		case map[string]any:
			m = v
		case Context:
			m = v
		default:
			return false
		}
		next, ok := m[seg]
		if !ok {
			return false
		}
		cur = next
	}
	return true
}
