package interfaces

// Connection represents one authenticated realtime session on the server
// ARCHITECTURAL DISCOVERY: Pure abstraction without transport details keeps
// routing and the delivery engines testable without a live socket
type Connection interface {
	// WriteJSON sends a JSON value to the client (thread-safe)
	WriteJSON(v interface{}) error

	// WriteRaw sends an already-encoded frame. Broadcasts encode once and
	// hand the same bytes to every recipient.
	WriteRaw(data []byte) error

	// Close closes the connection and cleans up resources
	Close() error

	// GetUserID returns the authenticated user's ID
	GetUserID() string

	// GetRole returns the principal's role as issued by the token
	GetRole() string

	// GetSessionID returns the server-assigned session identifier
	GetSessionID() string

	// IsAuthenticated returns true once credentials are attached
	IsAuthenticated() bool

	// SetCredentials attaches the authenticated principal
	SetCredentials(userID, role, sessionID string) error
}
