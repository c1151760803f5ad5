package tilecache

// debugAssertions enables fail-fast internal consistency checks. Off in
// production; tests flip it on.
var debugAssertions = false

func debugAssert(cond bool, msg string) {
	if debugAssertions && !cond {
		panic("tilecache: " + msg)
	}
}
