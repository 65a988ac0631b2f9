package canvas

// last-write-wins conflict resolution.
// resolution is whole-document: the losing version's fields are entirely
// discarded, never field-merged.

// picks the winner between two versions of the same shape id.
// the larger `UpdatedAt` wins. On an exact tie the version written by the
// lexicographically smaller session id wins, so every replica picks the
// identical final value.
func ResolveConflict(a *Shape, b *Shape) *Shape {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	if a.UpdatedAt != b.UpdatedAt {
		if b.UpdatedAt < a.UpdatedAt {
			return a
		}
		return b
	}
	if a.UpdatedBy <= b.UpdatedBy {
		return a
	}
	return b
}

// whether a remote version confirms or supersedes a pending local version.
// equal timestamps mean our own write came back, which also clears the overlay.
func RemoteSupersedes(remote *Shape, pending *Shape) bool {
	if remote == nil {
		return false
	}
	if pending == nil {
		return true
	}
	return pending.UpdatedAt <= remote.UpdatedAt
}
