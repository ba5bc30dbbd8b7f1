//go:build !unix

package tcpcdriver

func classifyErrno(err error) (error, bool) {
	return nil, false
}

func errnoMessages() []errnoMessage {
	return []errnoMessage{
		{"resource temporarily unavailable", ErrTransient},
		{"device or resource busy", ErrTransient},
		{"access is denied", ErrPermission},
	}
}
