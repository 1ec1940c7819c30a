package rbac

import "strings"

// Matches reports whether a permission pattern grants a specific
// permission.
//
// Pattern syntax, limited to the two-segment action:resource form:
//
//	read:users   exact match
//	read:*       any resource for the action
//	*:users      any action for the resource
//	*            everything
//
// Patterns or permissions outside that form only match when identical.
func Matches(pattern, permission string) bool {
	if pattern == "*" || pattern == permission {
		return true
	}

	patternAction, patternResource, patternOK := strings.Cut(pattern, ":")
	permAction, permResource, permOK := strings.Cut(permission, ":")
	if !patternOK || !permOK {
		return false
	}

	if patternAction == "*" {
		return patternResource == permResource || patternResource == "*"
	}
	if patternResource == "*" {
		return patternAction == permAction
	}
	return false
}

// MatchesAny reports whether any pattern in the set grants the permission.
func MatchesAny(patterns map[string]struct{}, permission string) bool {
	for pattern := range patterns {
		if Matches(pattern, permission) {
			return true
		}
	}
	return false
}
