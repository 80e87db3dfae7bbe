package pairing

import "errors"

var (
	// ErrVersionMismatch is returned for a token from an incompatible build.
	ErrVersionMismatch = errors.New("signaling version mismatch")
	// ErrRoomMismatch is returned for a token minted for another room.
	ErrRoomMismatch = errors.New("token belongs to a different room")
	// ErrWrongKind is returned when an answer is pasted where an offer is
	// expected, or the reverse.
	ErrWrongKind = errors.New("unexpected token kind")
	// ErrNoPendingOffer is returned by SubmitAnswer unless an offer is
	// awaiting its answer.
	ErrNoPendingOffer = errors.New("no offer is awaiting an answer")
	// ErrBusy is returned when a handshake is started while another one is
	// in progress or connected.
	ErrBusy = errors.New("handshake already in progress")
	// ErrReset is returned by a call whose handshake was reset while it was
	// suspended.
	ErrReset = errors.New("handshake was reset")
	// ErrGatheringTimeout is logged when ICE gathering does not finish in
	// time; the description is sent with the candidates found so far.
	ErrGatheringTimeout = errors.New("ICE gathering timed out")
	// ErrTransport wraps failures of the underlying peer connection.
	ErrTransport = errors.New("transport failure")
)
