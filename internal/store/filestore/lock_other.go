//go:build !unix

package filestore

// lockFile is a no-op where advisory file locks are unavailable; only
// writers within one process are serialized there.
func lockFile(string) (func() error, error) {
	return func() error { return nil }, nil
}
