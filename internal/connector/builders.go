package connector

// DefaultBuilders is the compile-time connector set. Adding a connector
// means adding an entry here; nothing is discovered at runtime.
func DefaultBuilders() map[string]Builder {
	return map[string]Builder{
		"filesystem": NewFilesystem,
		"github":     NewGitHub,
		"amazon_q":   NewAmazonQ,
		"cline":      NewCline,
		"google_drive": func(cfg BuildConfig) (Connector, error) {
			return NewProxy(cfg, "Google Drive", "1.0.0", []string{"gdrive"})
		},
		"dropbox": func(cfg BuildConfig) (Connector, error) {
			return NewProxy(cfg, "Dropbox", "1.0.0", []string{"dropbox"})
		},
	}
}
