package common

// Generation identifies the transport generation a connection speaks.
type Generation int

const (
	GenUnknown Generation = iota
	GenHTTP1              // legacy single-stream
	GenHTTP2              // multiplexed streams over one connection
	GenHTTP3              // datagram transport
	GenFTP                // file transfer protocol
)

func (g Generation) String() string {
	switch g {
	case GenHTTP1:
		return "http/1.1"
	case GenHTTP2:
		return "h2"
	case GenHTTP3:
		return "h3"
	case GenFTP:
		return "ftp"
	default:
		return "unknown"
	}
}

// Multiplexed reports whether the generation carries multiple logical streams
// over a single transport connection.
func (g Generation) Multiplexed() bool {
	return g == GenHTTP2 || g == GenHTTP3
}
