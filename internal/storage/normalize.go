package storage

import "strings"

// NormalizeAliasText folds alias text for storage and lookup: lowercased,
// whitespace-collapsed. Both writes and reads must pass through this so
// "ACME  Corp" and "acme corp" land on the same row.
func NormalizeAliasText(text string) string {
	return strings.Join(strings.Fields(strings.ToLower(text)), " ")
}
