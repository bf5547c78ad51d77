package dataplane

import (
	"regexp"
	"strings"

	"k8s-netremedy/internal/types"
)

// modePattern matches a `mode:` key at the start of a line, quoted or not,
// with an optional trailing comment. `detectLocalMode:` and friends do not match.
var modePattern = regexp.MustCompile(`(?m)^[ \t]*mode:[ \t]*["']?([A-Za-z0-9_-]*)["']?[ \t]*(?:#.*)?\r?$`)

// ExtractMode resolves the service-proxy mode from a free-form kube-proxy
// configuration. Anything that is not a recognisable mode falls back to
// iptables, the kube-proxy default.
func ExtractMode(configText string) types.ProxyMode {
	mode, _ := parseMode(configText)
	return mode
}

// parseMode also reports whether the iptables fallback was used
func parseMode(configText string) (types.ProxyMode, bool) {
	m := modePattern.FindStringSubmatch(configText)
	if m == nil {
		return types.ProxyModeIptables, true
	}

	switch strings.ToLower(m[1]) {
	case "ipvs":
		return types.ProxyModeIPVS, false
	case "iptables":
		return types.ProxyModeIptables, false
	case "":
		// kube-proxy treats an empty mode as its platform default
		return types.ProxyModeIptables, true
	default:
		return types.ProxyModeUnknown, false
	}
}
