package config

// Defaults for flag values and environment lookups.
const (
	EnvAPIKey     = "GEMINI_API_KEY"
	DefaultDBPath = "studychat.db"
	DefaultUserID = "local"
)

// Config holds application configuration
type Config struct {
	APIKey string   // Gemini API key, read from the environment
	Models []string // Candidate models, tried in order
	UserID string   // Opaque key scoping stored sessions
	DBPath string   // SQLite database path
	Debug  bool
}
