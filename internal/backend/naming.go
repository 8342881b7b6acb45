package backend

import (
	"fmt"
	"regexp"
	"strings"
)

// prefixPattern is the accepted shape of network and unit name prefixes.
var prefixPattern = regexp.MustCompile(`^[a-z]+_?[a-z_]+$`)

// ValidatePrefix checks a configured name prefix.
func ValidatePrefix(prefix string) error {
	if !prefixPattern.MatchString(prefix) {
		return fmt.Errorf("invalid name prefix %q: must match %s", prefix, prefixPattern)
	}
	return nil
}

// Namer derives backend object names from logical names.
type Namer struct {
	NetworkPrefix string
	UnitPrefix    string
	User          string
}

// NetworkName returns "{networkPrefix}_{user}_{name}".
func (n Namer) NetworkName(name string) string {
	return derive(n.NetworkPrefix, n.User, name)
}

// UnitName returns "{unitPrefix}_{user}_{name}".
func (n Namer) UnitName(name string) string {
	return derive(n.UnitPrefix, n.User, name)
}

func derive(prefix, user, name string) string {
	return strings.Join([]string{prefix, user, name}, "_")
}

var userUnsafe = regexp.MustCompile(`[^a-z0-9]`)

// SanitizeUser lowercases a user name and strips everything but letters and
// digits, so it is safe inside object names and label values.
func SanitizeUser(user string) string {
	return userUnsafe.ReplaceAllString(strings.ToLower(user), "")
}
