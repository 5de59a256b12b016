package relay

// Observer is the one-directional event sink used on both sides of the
// relay: the inbound conduit receives client frames through it, and the
// outbound implementation pushes backend items to the client transport.
//
// Every implementation must tolerate calls after its underlying resource
// is gone; teardown can race with in-flight delivery, so late calls are
// dropped, never raised.
type Observer interface {
	OnNext(frame []byte)
	OnError(err error)
	OnComplete()
}
