package peer

// ShouldInitiate reports whether self sends the first offer to remote. The
// lower id (byte-wise) initiates, so exactly one side of a distinct pair
// does and neither does for equal ids.
func ShouldInitiate(self, remote string) bool {
	return self < remote
}
