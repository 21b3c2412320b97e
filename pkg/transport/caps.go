// Package transport implements the smart transfer protocol: capability
// negotiation, the v0/v1 and v2 fetch state machines, the receive-pack
// push stream, and the scheme registry that maps URLs onto byte-stream
// carriers.
package transport

import (
	"fmt"
	"sort"
	"strings"
)

// Capability names advertised and requested on the wire.
const (
	CapMultiAck              = "multi_ack"
	CapMultiAckDetailed      = "multi_ack_detailed"
	CapSideBand              = "side-band"
	CapSideBand64k           = "side-band-64k"
	CapOfsDelta              = "ofs-delta"
	CapThinPack              = "thin-pack"
	CapNoProgress            = "no-progress"
	CapIncludeTag            = "include-tag"
	CapAllowTipSHA1          = "allow-tip-sha1-in-want"
	CapAllowReachableSHA1    = "allow-reachable-sha1-in-want"
	CapShallow               = "shallow"
	CapDeepenSince           = "deepen-since"
	CapDeepenNot             = "deepen-not"
	CapDeepenRelative        = "deepen-relative"
	CapFilter                = "filter"
	CapObjectFormat          = "object-format"
	CapAgent                 = "agent"
	CapSessionID             = "session-id"
	CapSymref                = "symref"
	CapReportStatus          = "report-status"
	CapDeleteRefs            = "delete-refs"
	CapAtomic                = "atomic"
	CapPushOptions           = "push-options"
	CapWaitForDone           = "wait-for-done" // v2 only
	CapSidebandAll           = "sideband-all"  // v2 only
	CapPackfileURIs          = "packfile-uris" // v2 only
	DefaultAgent             = "grit/1"
	objectFormatSHA1         = "sha1"
	capabilitiesPseudoRef    = "capabilities^{}"
	maxCapabilityLineSymrefs = 32
)

// CapabilityList holds capability names with optional values. A key
// present with an empty value is a bare capability.
type CapabilityList map[string]string

// ParseCapability splits one "name" or "name=value" token.
func ParseCapability(word []byte) (string, string, error) {
	if len(word) == 0 {
		return "", "", fmt.Errorf("empty capability")
	}
	if i := strings.IndexByte(string(word), '='); i >= 0 {
		return string(word[:i]), string(word[i+1:]), nil
	}
	return string(word), "", nil
}

// ParseCapabilities parses a space-separated capability tail.
func ParseCapabilities(tail []byte) (CapabilityList, error) {
	caps := make(CapabilityList)
	for _, word := range strings.Fields(string(tail)) {
		k, v, err := ParseCapability([]byte(word))
		if err != nil {
			return nil, err
		}
		if k == CapSymref {
			caps.addSymref(v)
			continue
		}
		caps[k] = v
	}
	return caps, nil
}

// Supports reports whether the capability is present.
func (caps CapabilityList) Supports(key string) bool {
	_, ok := caps[key]
	return ok
}

// Intersect keeps only the capabilities also present in other.
func (caps CapabilityList) Intersect(other CapabilityList) {
	for k := range caps {
		if !other.Supports(k) {
			delete(caps, k)
		}
	}
}

// addSymref accumulates symref declarations, which may repeat.
func (caps CapabilityList) addSymref(value string) {
	existing := caps[CapSymref]
	if existing == "" {
		caps[CapSymref] = value
		return
	}
	if strings.Count(existing, " ")+1 >= maxCapabilityLineSymrefs {
		return
	}
	caps[CapSymref] = existing + " " + value
}

// Symrefs returns the advertised symbolic ref mappings.
func (caps CapabilityList) Symrefs() map[string]string {
	out := make(map[string]string)
	for _, decl := range strings.Fields(caps[CapSymref]) {
		if from, to, ok := strings.Cut(decl, ":"); ok {
			out[from] = to
		}
	}
	return out
}

// String formats the list for a capability tail, sorted for stable
// output. Symrefs expand back into repeated symref= declarations.
func (caps CapabilityList) String() string {
	words := make([]string, 0, len(caps))
	for k, v := range caps {
		switch {
		case k == CapSymref:
			for _, decl := range strings.Fields(v) {
				words = append(words, CapSymref+"="+decl)
			}
		case v == "":
			words = append(words, k)
		default:
			words = append(words, k+"="+v)
		}
	}
	sort.Strings(words)
	return strings.Join(words, " ")
}
