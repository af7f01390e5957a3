package network

// Agent drives one accepted connection. Servers call Run on a dedicated
// goroutine, release the transport when it returns, then call OnClose once.
type Agent interface {
	// Run reads and dispatches inbound payloads until the connection ends.
	Run()
	// OnClose runs the disconnect cleanup.
	OnClose()
}
