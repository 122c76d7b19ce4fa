package relay

import (
	"strings"

	"github.com/opensha/aafs/internal/catalog"
)

// Kind identifies the payload variant of a relay item. It is encoded as the
// prefix of the relay id.
type Kind int

const (
	KindUnknown Kind = iota
	KindPDLCompletion
	KindPDLRemoval
	KindPDLForeign
	KindAnalystSelection
	KindServerStatus
)

const (
	prefixPDLCompletion    = "pdlc_"
	prefixPDLRemoval       = "pdlr_"
	prefixPDLForeign       = "pdlf_"
	prefixAnalystSelection = "anls_"

	// ServerStatusID is the singleton id of a server's status item.
	ServerStatusID = "srvs_status"
)

var kindPrefixes = []struct {
	kind   Kind
	prefix string
}{
	{KindPDLCompletion, prefixPDLCompletion},
	{KindPDLRemoval, prefixPDLRemoval},
	{KindPDLForeign, prefixPDLForeign},
	{KindAnalystSelection, prefixAnalystSelection},
}

func (k Kind) String() string {
	switch k {
	case KindPDLCompletion:
		return "pdl_completion"
	case KindPDLRemoval:
		return "pdl_removal"
	case KindPDLForeign:
		return "pdl_foreign"
	case KindAnalystSelection:
		return "analyst_selection"
	case KindServerStatus:
		return "server_status"
	}
	return "unknown"
}

// NormalizeEventID returns the NFC form of a catalog event id, so visually
// identical ids map to the same relay key.
func NormalizeEventID(id string) string {
	return catalog.NormalizeID(id)
}

// PDLCompletionID is the relay id of a completion for an event.
func PDLCompletionID(eventID string) string {
	return prefixPDLCompletion + NormalizeEventID(eventID)
}

// PDLRemovalID is the relay id of a removal for an event.
func PDLRemovalID(eventID string) string {
	return prefixPDLRemoval + NormalizeEventID(eventID)
}

// PDLForeignID is the relay id of a foreign detection for an event.
func PDLForeignID(eventID string) string {
	return prefixPDLForeign + NormalizeEventID(eventID)
}

// AnalystSelectionID is the relay id of an analyst selection for an event.
func AnalystSelectionID(eventID string) string {
	return prefixAnalystSelection + NormalizeEventID(eventID)
}

// KindOf classifies a relay id by its prefix.
func KindOf(relayID string) Kind {
	if relayID == ServerStatusID {
		return KindServerStatus
	}
	for _, kp := range kindPrefixes {
		if strings.HasPrefix(relayID, kp.prefix) {
			return kp.kind
		}
	}
	return KindUnknown
}

// EventIDOf returns the event id embedded in a relay id, or "" for the
// server status and unknown ids.
func EventIDOf(relayID string) string {
	for _, kp := range kindPrefixes {
		if strings.HasPrefix(relayID, kp.prefix) {
			return relayID[len(kp.prefix):]
		}
	}
	return ""
}

// PDLFamilyIDs returns the completion, removal and foreign ids for every
// event id in a family.
func PDLFamilyIDs(eventIDs []string) []string {
	out := make([]string, 0, 3*len(eventIDs))
	for _, id := range eventIDs {
		out = append(out, PDLCompletionID(id), PDLRemovalID(id), PDLForeignID(id))
	}
	return out
}

// CompletionIDs returns the completion ids for every event id in a family.
func CompletionIDs(eventIDs []string) []string {
	out := make([]string, 0, len(eventIDs))
	for _, id := range eventIDs {
		out = append(out, PDLCompletionID(id))
	}
	return out
}
