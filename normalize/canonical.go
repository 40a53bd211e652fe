package normalize

// CanonicalTypes maps canonical finding types to their descriptions.
var CanonicalTypes = map[string]string{
	// Security group types
	"SG_WORLD_OPEN_SSH":     "Security group allows SSH (tcp/22) from 0.0.0.0/0",
	"SG_WORLD_OPEN_RDP":     "Security group allows RDP (tcp/3389) from 0.0.0.0/0",
	"SG_WORLD_OPEN_DB_PORT": "Security group allows database port from 0.0.0.0/0",

	// Exposure types
	"FIP_EXPOSED_INSTANCE":   "Instance has public IP attached (exposed to internet)",
	"PORT_SECURITY_DISABLED": "Port has port security disabled",
	"S3_PUBLIC_ACCESS":       "Bucket allows public access",

	// Error states
	"INSTANCE_ERROR_STATE": "Instance is in ERROR state",
	"VOLUME_ERROR_STATE":   "Volume is in error state",

	// API endpoint types
	"API_UNAUTHENTICATED_ACCESS":   "Endpoint serves protected content without authentication",
	"API_MISSING_SECURITY_HEADERS": "Endpoint response lacks standard security headers",
	"API_VERSION_DISCLOSURE":       "Endpoint discloses server software version",
	"API_DANGEROUS_METHODS":        "Endpoint advertises unsafe HTTP methods",
	"API_PLAINTEXT_TRANSPORT":      "Endpoint is served over plain HTTP",
	"API_TIMEOUT":                  "Endpoint did not answer within the probe deadline",

	// Infrastructure file types
	"IAC_WORLD_OPEN_CIDR":      "Template declares a rule open to 0.0.0.0/0",
	"IAC_PORT_SECURITY_OFF":    "Template disables port security",
	"IAC_PLAINTEXT_CREDENTIAL": "Template embeds a plaintext credential",

	// Scan health
	"SCANNER_ERROR": "Scanner adapter failed to complete",
}

// typeAliases maps legacy scanner vocabularies to canonical types.
var typeAliases = map[string]string{
	"SG_OPEN_SSH":         "SG_WORLD_OPEN_SSH",
	"SG_OPEN_RDP":         "SG_WORLD_OPEN_RDP",
	"NOVA_SERVER_ERROR":   "INSTANCE_ERROR_STATE",
	"CINDER_VOLUME_ERROR": "VOLUME_ERROR_STATE",
}

// CanonicalType resolves a raw or legacy finding type to its canonical form.
// Unrecognized types pass through unchanged so new scanner vocabularies are
// never silently dropped.
func CanonicalType(rawType string) string {
	if rawType == "" {
		return "UNKNOWN"
	}
	if _, ok := CanonicalTypes[rawType]; ok {
		return rawType
	}
	if canonical, ok := typeAliases[rawType]; ok {
		return canonical
	}
	return rawType
}
