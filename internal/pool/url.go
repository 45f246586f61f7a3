package pool

import (
	"strconv"
	"strings"
)

// BuildURL derives the connection URL of d for the given scheme.
//
// SOCKS URLs always carry an "@" and embed whichever of username and password
// are present, joined by ":". HTTP(S) URLs embed "user:pass@" only when both
// are set.
func BuildURL(d Descriptor, scheme Scheme) (string, error) {
	hostPort := joinNonEmpty(d.Address, portString(d.Port))

	switch scheme {
	case SchemeSOCKS4, SchemeSOCKS5:
		auth := joinNonEmpty(d.Credentials.Username, d.Credentials.Password)
		return string(scheme) + "://" + auth + "@" + hostPort, nil
	case SchemeHTTP, SchemeHTTPS:
		auth := ""
		if d.Credentials.Username != "" && d.Credentials.Password != "" {
			auth = d.Credentials.Username + ":" + d.Credentials.Password + "@"
		}
		return string(scheme) + "://" + auth + hostPort, nil
	default:
		return "", &ConfigError{Field: "scheme", Value: string(scheme)}
	}
}

func portString(port int) string {
	if port == 0 {
		return ""
	}
	return strconv.Itoa(port)
}

func joinNonEmpty(parts ...string) string {
	kept := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, ":")
}
