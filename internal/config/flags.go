package config

import (
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// RegisterFlags attaches all CLI flags to the provided command.
func RegisterFlags(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.String("config", "", "Path to YAML configuration file (optional)")
	flags.IntP("smtp-port", "s", DefaultSMTPPort, "SMTP port to listen on")
	flags.String("smtp-ip", DefaultIP, "IP Address to bind SMTP service to")
	flags.Bool("smtp-tls", false, "Offer STARTTLS on the SMTP port")
	flags.String("tls-cert", "", "TLS certificate file (self-signed when empty)")
	flags.String("tls-key", "", "TLS key file (self-signed when empty)")
	flags.Int64("max-message-size", DefaultMaxMessageSize, "Maximum accepted message size in bytes")
	flags.Int("http-port", DefaultHTTPPort, "HTTP port to listen on")
	flags.String("http-ip", DefaultIP, "IP Address to bind HTTP service to")
	flags.String("static-dir", DefaultStaticDir, "Directory with the web UI served at /")
	flags.StringP("whitelist", "w", "", "Only accept e-mails from these addresses. Accepts multiple e-mails comma-separated")
	flags.IntP("max", "m", DefaultMax, "Max number of e-mails to keep")
	flags.StringP("auth", "a", "", "Enable Authentication (USERNAME:PASSWORD)")
	flags.Bool("headers", false, "Enable headers in responses")
	flags.String("log-level", DefaultLogLevel, "Logging level: debug, info, warn, error")
}

// LoadConfig builds the configuration for cmd: defaults, then the YAML
// file named by --config, then environment variables, then every flag the
// user set explicitly. The result is validated.
func LoadConfig(cmd *cobra.Command) (*Config, error) {
	flags := cmd.Flags()

	path, err := flags.GetString("config")
	if err != nil {
		return nil, err
	}

	var cfg *Config
	if path != "" {
		cfg, err = LoadFromFile(path)
	} else {
		cfg, err = Load()
	}
	if err != nil {
		return nil, err
	}

	if err := cfg.ApplyFlags(flags); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyFlags overrides c with every flag in fs that was set on the command line.
func (c *Config) ApplyFlags(fs *pflag.FlagSet) error {
	var err error
	fs.Visit(func(f *pflag.Flag) {
		if err != nil {
			return
		}
		switch f.Name {
		case "smtp-port":
			c.SMTP.Port, err = fs.GetInt(f.Name)
		case "smtp-ip":
			c.SMTP.IP, err = fs.GetString(f.Name)
		case "smtp-tls":
			c.SMTP.TLS.Enabled, err = fs.GetBool(f.Name)
		case "tls-cert":
			c.SMTP.TLS.CertFile, err = fs.GetString(f.Name)
		case "tls-key":
			c.SMTP.TLS.KeyFile, err = fs.GetString(f.Name)
		case "max-message-size":
			c.SMTP.MaxMessageSize, err = fs.GetInt64(f.Name)
		case "http-port":
			c.HTTP.Port, err = fs.GetInt(f.Name)
		case "http-ip":
			c.HTTP.IP, err = fs.GetString(f.Name)
		case "static-dir":
			c.HTTP.StaticDir, err = fs.GetString(f.Name)
		case "whitelist":
			var v string
			v, err = fs.GetString(f.Name)
			c.Whitelist = SplitList(v)
		case "max":
			c.Max, err = fs.GetInt(f.Name)
		case "auth":
			c.Auth, err = fs.GetString(f.Name)
		case "headers":
			c.Headers, err = fs.GetBool(f.Name)
		case "log-level":
			var v string
			v, err = fs.GetString(f.Name)
			c.Logging.Level = normalizeLevel(v)
		}
	})
	return err
}
