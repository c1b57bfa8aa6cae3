package logger

// Standard field keys used across the sync server so log output stays
// greppable. Handlers and engines should prefer these constants over ad-hoc
// key strings.
const (
	// KeyRequestID is the per-request identifier assigned by the router.
	KeyRequestID = "request_id"

	// KeyUser is the stable user key owning the collection being synced.
	KeyUser = "user"

	// KeyOp is the sync operation name (meta, start, chunk, uploadChanges, ...).
	KeyOp = "op"

	// KeyClientIP is the remote address without port.
	KeyClientIP = "client_ip"

	// KeyHost is the client-chosen host identifier.
	KeyHost = "host"

	// KeyUSN is a collection or media update sequence number.
	KeyUSN = "usn"

	// KeyDuration is the elapsed time of an operation.
	KeyDuration = "duration"

	// KeyError carries an error value.
	KeyError = "error"
)
