package tunnelsup

import (
	"fmt"
	"math/rand"
	"regexp"
	"strings"

	"github.com/freitascorp/gatewayd/internal/model"
)

var nameRe = regexp.MustCompile(`^[A-Za-z0-9_-]{1,20}$`)

// ValidName reports whether name matches spec.md §3's tunnel name pattern.
func ValidName(name string) bool { return nameRe.MatchString(name) }

var sanitizeInvalidRe = regexp.MustCompile(`[^A-Za-z0-9_-]+`)

// Sanitize turns an arbitrary hostname into a candidate tunnel name: non-
// alphanumeric runs become '-', the result is truncated to 60 chars and
// trimmed of leading/trailing '-'. Hosts that sanitize to fewer than 2
// characters fall back to the literal "remote-machine", per spec.md §8's
// boundary law for prompt_for_name.
func Sanitize(host string) string {
	s := sanitizeInvalidRe.ReplaceAllString(host, "-")
	if len(s) > 60 {
		s = s[:60]
	}
	s = strings.Trim(s, "-")
	if len(s) < 2 {
		return "remote-machine"
	}
	return s
}

// NameChecker reports whether a candidate name is free on the remote
// service.
type NameChecker interface {
	IsFree(name string) (bool, error)
}

// ChooseName implements spec.md §4.F's naming precedence: (1) the user-
// preferred name if free and valid, (2) a sanitized hostname with a
// numeric disambiguating suffix, (3) on interactive terminals, prompt
// (delegated to promptFn, which may be nil when not interactive).
func ChooseName(preferred, hostname string, checker NameChecker, isInteractive bool, promptFn func() (string, error)) (string, error) {
	if preferred != "" && ValidName(preferred) {
		if free, err := checker.IsFree(preferred); err == nil && free {
			return preferred, nil
		}
	}

	base := Sanitize(hostname)
	name := base
	for suffix := 0; suffix < 1000; suffix++ {
		candidate := name
		if suffix > 0 {
			candidate = fmt.Sprintf("%s-%d", base, suffix)
			if len(candidate) > 20 {
				candidate = candidate[:20]
			}
		}
		free, err := checker.IsFree(candidate)
		if err == nil && free {
			return candidate, nil
		}
	}

	if isInteractive && promptFn != nil {
		return promptFn()
	}
	return "", fmt.Errorf("could not find a free tunnel name")
}

// ExpectedTags builds the tag set spec.md §4.F says the remote tunnel
// record must carry: {name, "protocol-v<N>", role-tag, maybe "_wsl"}.
func ExpectedTags(name string, role model.TunnelRole, isWSL bool) []string {
	tags := []string{name, fmt.Sprintf("protocol-v%d", model.ProtocolVersion), string(role)}
	if isWSL {
		tags = append(tags, "_wsl")
	}
	return tags
}

// TagsDiffer compares two tag sets as sets (order-independent).
func TagsDiffer(current, expected []string) bool {
	if len(current) != len(expected) {
		return true
	}
	set := make(map[string]struct{}, len(current))
	for _, t := range current {
		set[t] = struct{}{}
	}
	for _, t := range expected {
		if _, ok := set[t]; !ok {
			return true
		}
	}
	return false
}

// PickEvictionCandidate chooses, at random, one owned tunnel with zero host
// connections to delete when the service reports a quota exceeded error,
// per spec.md §4.F.
func PickEvictionCandidate(candidates []string) (string, bool) {
	if len(candidates) == 0 {
		return "", false
	}
	return candidates[rand.Intn(len(candidates))], true
}
