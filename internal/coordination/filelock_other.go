//go:build !unix

package coordination

// Without flock the file backend is only safe within a single process.
func lockFile(string, bool) (func(), error) {
	return func() {}, nil
}
