package rhizome

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestManifest_Valid(t *testing.T) {
	require.False(t, (*Manifest)(nil).Valid())
	require.False(t, (&Manifest{}).Valid())

	m := &Manifest{ID: idFromByte(1)}
	require.True(t, m.Valid(), "zero-length payload manifests need no payload hash")

	m.PayloadLength = 10
	require.False(t, m.Valid(), "non-zero payload requires a 64-hex-digit hash")

	m.PayloadHash = "abc"
	require.False(t, m.Valid())

	m.PayloadHash = ""
	for i := 0; i < 64; i++ {
		m.PayloadHash += "a"
	}
	require.True(t, m.Valid())
}

func TestManifest_IDHex(t *testing.T) {
	m := &Manifest{ID: idFromByte(0xAB)}
	require.Len(t, m.IDHex(), 64)
	require.Equal(t, "ab", m.IDHex()[:2])
}

func TestPeerCoordinate_Valid(t *testing.T) {
	require.False(t, PeerCoordinate{}.Valid())
	require.True(t, PeerCoordinate{StreamAddr: &net.TCPAddr{}}.Valid())
	require.True(t, PeerCoordinate{HasOverlayID: true}.Valid())
}

func TestSuggestResult_String(t *testing.T) {
	require.Equal(t, "Queued", Queued.String())
	require.Equal(t, "AcceptedImmediateImport", AcceptedImmediateImport.String())
	require.Equal(t, "DroppedSuperseded", DroppedSuperseded.String())
	require.Equal(t, "DroppedDuplicate", DroppedDuplicate.String())
	require.Equal(t, "DroppedNoQueue", DroppedNoQueue.String())
	require.Equal(t, "SuggestError", SuggestError.String())
	require.Contains(t, SuggestResult(99).String(), "?")
}

func TestManifestFetchResult_String(t *testing.T) {
	require.Equal(t, "Started", ManifestFetchStarted.String())
	require.Equal(t, "SlotBusy", ManifestFetchSlotBusy.String())
	require.Equal(t, "Error", ManifestFetchError.String())
}

func TestSlotState_String(t *testing.T) {
	require.Equal(t, "Free", slotFree.String())
	require.Equal(t, "Connecting", slotConnecting.String())
	require.Equal(t, "SendingRequest", slotSendingRequest.String())
	require.Equal(t, "ReceivingHeaders", slotReceivingHeaders.String())
	require.Equal(t, "ReceivingBody", slotReceivingBody.String())
	require.Equal(t, "ReceivingBodyDatagram", slotReceivingBodyDatagram.String())
}
