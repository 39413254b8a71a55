package generic

// ReplaceRefs rewrites, in place, every top-level column of r whose value is
// oldID. Foreign-key columns (client_id, schedule_id, ...) hold plain id
// strings, so a temporary id confirmed remotely is found this way in any table.
func ReplaceRefs(r Record, oldID, newID string) bool {
	changed := false
	for k, v := range r {
		if s, ok := v.(string); ok && s == oldID {
			r[k] = newID
			changed = true
		}
	}
	return changed
}

// TempRefs returns the columns of r, other than its own id, that still hold a
// temporary id. A row referencing an unconfirmed row elsewhere cannot be
// replayed until that row is confirmed.
func TempRefs(r Record) []string {
	var cols []string
	for k, v := range r {
		if k == ColumnID {
			continue
		}
		if s, ok := v.(string); ok && IsTempID(s) {
			cols = append(cols, k)
		}
	}
	return cols
}
