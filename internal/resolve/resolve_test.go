package resolve

import "testing"

func TestDidCidWin_ColVersionDecides(t *testing.T) {
	local := Clock{ColVersion: 2, DBVersion: 5}
	incoming := Clock{ColVersion: 3, DBVersion: 1}
	if !DidCidWin(nil, incoming, local) {
		t.Fatal("higher col_version must win regardless of db_version")
	}
	incoming.ColVersion = 1
	if DidCidWin(nil, incoming, local) {
		t.Fatal("lower col_version must lose")
	}
}

func TestDidCidWin_DBVersionTiebreak(t *testing.T) {
	local := Clock{ColVersion: 1, DBVersion: 5}
	incoming := Clock{ColVersion: 1, DBVersion: 6}
	if !DidCidWin(nil, incoming, local) {
		t.Fatal("higher db_version must win on col_version tie")
	}
	incoming.DBVersion = 4
	if DidCidWin(nil, incoming, local) {
		t.Fatal("lower db_version must lose on col_version tie")
	}
}

func TestDidCidWin_SiteIDTiebreak(t *testing.T) {
	localSite := []byte{0x01}
	peerA := []byte{0x05}
	peerB := []byte{0x00}

	// local record originated locally (SiteID nil => effective = localSite)
	local := Clock{ColVersion: 1, DBVersion: 1, SiteID: nil}

	incomingFromLargerPeer := Clock{ColVersion: 1, DBVersion: 1, SiteID: peerA}
	if !DidCidWin(localSite, incomingFromLargerPeer, local) {
		t.Fatal("larger peer site id must win on full tie")
	}

	incomingFromSmallerPeer := Clock{ColVersion: 1, DBVersion: 1, SiteID: peerB}
	if DidCidWin(localSite, incomingFromSmallerPeer, local) {
		t.Fatal("smaller peer site id must lose on full tie")
	}
}

func TestDidCidWin_EqualSiteIsNoop(t *testing.T) {
	site := []byte{0x09, 0x09}
	local := Clock{ColVersion: 1, DBVersion: 1, SiteID: site}
	incoming := Clock{ColVersion: 1, DBVersion: 1, SiteID: site}
	if DidCidWin(nil, incoming, local) {
		t.Fatal("equal site id on full tie must be a no-op (lose)")
	}
}
