// Package resolve implements the Conflict Resolver (component I):
// did_cid_win, the deterministic last-writer-wins comparison between a
// local and an incoming Clock Record for the same (pk, col). It never
// reads the user row's value — only clock metadata — so it is cheap and
// order-independent.
package resolve

import "github.com/crsql-go/crsql/internal/siteid"

// Clock is the subset of a Clock Record the resolver needs. SiteID is nil
// to mean "originated locally" (the record's writer is the local site).
type Clock struct {
	ColVersion int64
	DBVersion  int64
	SiteID     []byte
}

// DidCidWin decides whether incoming beats local for the same (pk, col).
// localSite is the comparing site's own site id, substituted for a nil
// local.SiteID (local origin) per spec.md §4.I step 4.
func DidCidWin(localSite []byte, incoming, local Clock) bool {
	switch {
	case incoming.ColVersion > local.ColVersion:
		return true
	case incoming.ColVersion < local.ColVersion:
		return false
	}

	if incoming.DBVersion != local.DBVersion {
		return incoming.DBVersion > local.DBVersion
	}

	effectiveLocal := local.SiteID
	if effectiveLocal == nil {
		effectiveLocal = localSite
	}
	// A nil incoming site id only happens for locally-produced records,
	// which never flow back in through the write path as "incoming"; if
	// it ever did, treat it the same way, as the writer's own site.
	effectiveIncoming := incoming.SiteID
	if effectiveIncoming == nil {
		effectiveIncoming = localSite
	}

	cmp := siteid.Compare(effectiveIncoming, effectiveLocal)
	return cmp > 0
}
