package kube

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
)

// maxLabelLen is the longest DNS-1123 label Kubernetes accepts.
const maxLabelLen = 63

var invalidNameChars = regexp.MustCompile(`[^0-9a-z\-.]`)

func shortHash(s string, n int) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])[:n]
}

// objectName maps a derived name, which may hold uppercase letters and
// underscores, onto a valid object name. The hash suffix keeps names that
// only differ in case apart.
func objectName(derived string) string {
	n := strings.ReplaceAll(strings.ToLower(derived), "_", "-")
	n = strings.Trim(invalidNameChars.ReplaceAllString(n, ""), "-.")
	suffix := shortHash(derived, 8)
	if limit := maxLabelLen - len(suffix) - 1; len(n) > limit {
		n = n[:limit]
	}
	if n == "" {
		return "u-" + suffix
	}
	return n + "-" + suffix
}

// hostname maps a logical unit name onto a DNS-1123 label.
func hostname(name string) string {
	n := strings.ReplaceAll(strings.ToLower(name), "_", "-")
	n = strings.Trim(invalidNameChars.ReplaceAllString(strings.ReplaceAll(n, ".", "-"), ""), "-")
	if len(n) > maxLabelLen {
		n = n[:maxLabelLen]
	}
	return n
}

// namespaceName returns the namespace holding every object of a lab.
func namespaceName(prefix, labHash string) string {
	return prefix + strings.ToLower(labHash)
}

// bridgeName returns the Linux bridge a network is built on. Interface
// names are limited to 15 bytes.
func bridgeName(derived string) string {
	return "nl" + shortHash(derived, 13)
}

// objectID joins a namespace and an object name into a handle ID.
func objectID(namespace, name string) string {
	return namespace + "/" + name
}

// splitID reverses objectID.
func splitID(id string) (namespace, name string, err error) {
	namespace, name, ok := strings.Cut(id, "/")
	if !ok || namespace == "" || name == "" {
		return "", "", fmt.Errorf("malformed object id %q", id)
	}
	return namespace, name, nil
}
