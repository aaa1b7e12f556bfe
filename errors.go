package dempsy

import "errors"

// Error kinds per spec §7. Propagation policy:
//   - per-connection errors (ErrCorruptFrame, ErrPeerClosed) close only
//     that connection;
//   - per-message errors (ErrSerialization) are logged and the message is
//     dropped, never taking down a Reader;
//   - reconciler errors (ErrCoordination) are caught and retried, leaving
//     the last-good snapshot installed;
//   - the dispatcher never propagates routing errors to its caller, it
//     only records statistics — ErrRoutingNotReady is the one exception,
//     returned only when the table has never once become ready;
//   - ErrBind propagates out of Start and aborts node bring-up;
//   - ErrShutdownInProgress is swallowed silently at submission points.
var (
	ErrBind                = errors.New("dempsy: bind error")
	ErrCorruptFrame        = errors.New("dempsy: corrupt frame")
	ErrPeerClosed          = errors.New("dempsy: peer closed connection")
	ErrSenderUnavailable   = errors.New("dempsy: sender unavailable")
	ErrRoutingNotReady     = errors.New("dempsy: routing table never became ready")
	ErrSnapshotAbsent      = errors.New("dempsy: routing snapshot transiently absent")
	ErrSerialization       = errors.New("dempsy: serialization error")
	ErrCoordination        = errors.New("dempsy: coordination directory error")
	ErrShutdownInProgress  = errors.New("dempsy: shutdown in progress")
	ErrNoOwner             = errors.New("dempsy: no destination for message")
	ErrUnregisteredCluster = errors.New("dempsy: unregistered cluster")
)
