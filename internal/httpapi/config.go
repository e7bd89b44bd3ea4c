package httpapi

// maxBodyBytes caps request bodies on JSON endpoints. Vision prompts carry
// base64 image payloads, so the default is roomier than a plain-text API
// would need.
var maxBodyBytes int64 = 10 << 20

// SetMaxBodyBytes configures the request body cap; non-positive restores the
// default.
func SetMaxBodyBytes(n int64) {
	if n <= 0 {
		maxBodyBytes = 10 << 20
		return
	}
	maxBodyBytes = n
}

// generateTimeout bounds how long a generate or retry request may run, in
// seconds. Zero leaves only the server/connection timeouts. Loads are never
// bounded here; a cold download can legitimately take minutes.
var generateTimeout = int64(0)

// SetGenerateTimeoutSeconds sets the generation timeout (0 disables).
func SetGenerateTimeoutSeconds(sec int64) {
	if sec < 0 {
		sec = 0
	}
	generateTimeout = sec
}

// CORS configuration (opt-in). If disabled, no CORS middleware is added.
var (
	corsEnabled        bool
	corsAllowedOrigins []string
	corsAllowedMethods []string
	corsAllowedHeaders []string
)

// SetCORSOptions configures CORS behavior for the HTTP server.
func SetCORSOptions(enabled bool, origins, methods, headers []string) {
	corsEnabled = enabled
	corsAllowedOrigins = append([]string(nil), origins...)
	corsAllowedMethods = append([]string(nil), methods...)
	corsAllowedHeaders = append([]string(nil), headers...)
}
