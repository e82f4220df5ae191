package domain

// RemoteObject is one entry of a listing pass.
type RemoteObject struct {
	Key         string
	Size        int64
	Fingerprint string
}

// PrefixStats aggregates a listing by directory prefix.
type PrefixStats struct {
	Prefix string
	Size   int64
	Items  int
}

// DiffResult compares a local listing against a remote one.
type DiffResult struct {
	New       []RemoteObject
	Changed   []RemoteObject
	Unchanged []RemoteObject
	Missing   []RemoteObject
}
