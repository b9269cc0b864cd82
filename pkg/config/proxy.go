package config

// ProxyConfig holds runtime configuration for the subdomain resolver.
type ProxyConfig struct {
	Environment    string
	Addr           string
	StorageBaseURL string
}

// LoadProxyConfig constructs a ProxyConfig from environment variables.
func LoadProxyConfig() ProxyConfig {
	loadDotenv()
	return ProxyConfig{
		Environment:    GetString("APP_ENV", "development"),
		Addr:           GetString("PROXY_ADDR", ":8000"),
		StorageBaseURL: GetString("STORAGE_BASE_URL", "https://codebay-outputs.s3.ap-south-1.amazonaws.com/__outputs"),
	}
}
