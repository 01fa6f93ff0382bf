package rhizome

// Store is the engine's view of the local bundle database: the facts it
// needs about what is already held, and the means of persisting a newly
// fetched bundle. Implementations are expected to wrap whatever durable
// storage a deployment actually uses; the engine never opens a file or a
// database connection itself.
type Store interface {
	// LookupVersion reports the version of the manifest identified by id
	// already known locally, if any.
	LookupVersion(id [32]byte) (version uint64, ok bool, err error)
	// HasPayload reports whether a payload with the given hash is already
	// held, regardless of which bundle references it.
	HasPayload(payloadHash string) (bool, error)
	// ImportBundle persists a verified manifest and its payload (read from
	// payloadPath, which the caller owns and may remove afterwards), with
	// the given time-to-live.
	ImportBundle(m *Manifest, payloadPath string, ttl uint8) error
	// VerifyManifest checks a manifest's signature and internal
	// consistency, returning a non-nil error (wrapping ErrBadManifest) if
	// it fails.
	VerifyManifest(m *Manifest) error
	// ReadManifestFile parses a manifest from a file on disk, as written
	// by a completed manifest-by-prefix fetch.
	ReadManifestFile(path string) (*Manifest, error)
}
