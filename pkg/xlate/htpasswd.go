package xlate

import (
	"bufio"
	"bytes"
	"crypto/sha1"
	"encoding/base64"
	"strings"
)

// SHAPrefix marks a base64 SHA-1 htpasswd digest.
const SHAPrefix = "{SHA}"

var htpasswdPrefixes = []string{SHAPrefix, "$apr1$", "$2y$", "$2a$", "$2b$", "$1$", "$5$", "$6$"}

// IsHtpasswdDigest tells whether s already is a digest accepted in
// htpasswd files.
func IsHtpasswdDigest(s string) bool {
	for _, prefix := range htpasswdPrefixes {
		if strings.HasPrefix(s, prefix) {
			return true
		}
	}
	return false
}

// Htpasswd returns the {SHA} digest of a password. Values that already
// are htpasswd digests are kept.
func Htpasswd(password string) string {
	if IsHtpasswdDigest(password) {
		return password
	}
	sum := sha1.Sum([]byte(password))
	return SHAPrefix + base64.StdEncoding.EncodeToString(sum[:])
}

// HtpasswdLine renders one "user:digest" line.
func HtpasswdLine(user, password string) string {
	return user + ":" + Htpasswd(password)
}

// ParseHtpasswd reads "user:digest" lines, skipping blank lines and
// comments. Lines without a colon are returned as bad.
func ParseHtpasswd(data []byte) (users [][2]string, bad []int) {
	sc := bufio.NewScanner(bytes.NewReader(data))
	for n := 1; sc.Scan(); n++ {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		user, digest, ok := strings.Cut(line, ":")
		if !ok || user == "" {
			bad = append(bad, n)
			continue
		}
		users = append(users, [2]string{user, digest})
	}
	return users, bad
}
