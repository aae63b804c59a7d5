package cmd

import (
	"fmt"
	u "net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"github.com/tanq16/rangedl/internal/config"
	"github.com/tanq16/rangedl/internal/output"
	"github.com/tanq16/rangedl/internal/store"
	"github.com/tanq16/rangedl/internal/transfer"
	"github.com/tanq16/rangedl/internal/utils"
)

var RangedlVersion = "dev"

var (
	cfgFile string
	cfg     *config.Config
	// flagCfg receives flag values; only flags the user set are copied over
	// the loaded configuration.
	flagCfg = config.Default()
)

var rootCmd = &cobra.Command{
	Use:     "rangedl",
	Short:   "rangedl is a resumable multi-connection HTTP downloader",
	Version: RangedlVersion,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(cfgFile, cmd.Flags().Changed("config"))
		if err != nil {
			return err
		}
		applyFlags(cmd, loaded)
		splitProxyAuth(loaded)
		if err := loaded.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}
		utils.InitLogger(loaded.Debug)
		cfg = loaded
		return nil
	},
	SilenceUsage:  true,
	SilenceErrors: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		output.PrintError(fmt.Sprintf("Error: %v", err))
		os.Exit(1)
	}
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "Config file (default ~/.rangedl/config.yaml)")
	pf.IntVarP(&flagCfg.Threads, "connections", "c", flagCfg.Threads, "Number of connections per download (above 5 enables high-thread-mode)")
	pf.StringVarP(&flagCfg.OutputDir, "dir", "d", flagCfg.OutputDir, "Directory that receives downloaded files")
	pf.DurationVarP(&flagCfg.Timeout, "timeout", "t", flagCfg.Timeout, "Response header timeout (eg. 5s, 10m)")
	pf.DurationVarP(&flagCfg.KeepAliveTimeout, "keep-alive-timeout", "k", flagCfg.KeepAliveTimeout, "Keep-alive timeout for client (eg. 10s, 1m, 80s)")
	pf.DurationVar(&flagCfg.RetryGap, "retry-gap", flagCfg.RetryGap, "Wait between retries of a failed range")
	pf.IntVar(&flagCfg.MaxRetries, "max-retries", flagCfg.MaxRetries, "Consecutive failed attempts before a download fails")
	pf.StringVarP(&flagCfg.UserAgent, "user-agent", "a", utils.ToolUserAgent, "User agent ('randomize' picks a browser agent)")
	pf.StringVarP(&flagCfg.ProxyURL, "proxy", "p", "", "HTTP/HTTPS proxy URL (e.g., proxy.example.com:8080)")
	pf.StringVar(&flagCfg.ProxyUsername, "proxy-username", "", "Proxy username (if not provided in proxy URL)")
	pf.StringVar(&flagCfg.ProxyPassword, "proxy-password", "", "Proxy password (if not provided in proxy URL)")
	pf.StringArrayVarP(&flagCfg.Headers, "header", "H", []string{}, "Custom headers (like 'Authorization: Basic dXNlcjpwYXNz'); can be specified multiple times")
	pf.BoolVar(&flagCfg.Browser, "browser", false, "Send Origin and Referer headers derived from the URL")
	pf.StringVar(&flagCfg.StoreBackend, "store", flagCfg.StoreBackend, "Resume store backend (badger or sqlite)")
	pf.StringVar(&flagCfg.StorePath, "store-path", "", "Resume store location (default under ~/.rangedl)")
	pf.BoolVar(&flagCfg.Debug, "debug", false, "Enable debug logging")

	rootCmd.AddCommand(newGetCmd())
	rootCmd.AddCommand(newBatchCmd())
	rootCmd.AddCommand(newListCmd())
	rootCmd.AddCommand(newCleanCmd())
}

var flagSetters = map[string]func(c *config.Config){
	"connections":        func(c *config.Config) { c.Threads = flagCfg.Threads },
	"dir":                func(c *config.Config) { c.OutputDir = flagCfg.OutputDir },
	"timeout":            func(c *config.Config) { c.Timeout = flagCfg.Timeout },
	"keep-alive-timeout": func(c *config.Config) { c.KeepAliveTimeout = flagCfg.KeepAliveTimeout },
	"retry-gap":          func(c *config.Config) { c.RetryGap = flagCfg.RetryGap },
	"max-retries":        func(c *config.Config) { c.MaxRetries = flagCfg.MaxRetries },
	"user-agent":         func(c *config.Config) { c.UserAgent = flagCfg.UserAgent },
	"proxy":              func(c *config.Config) { c.ProxyURL = flagCfg.ProxyURL },
	"proxy-username":     func(c *config.Config) { c.ProxyUsername = flagCfg.ProxyUsername },
	"proxy-password":     func(c *config.Config) { c.ProxyPassword = flagCfg.ProxyPassword },
	"header":             func(c *config.Config) { c.Headers = append(c.Headers, flagCfg.Headers...) },
	"browser":            func(c *config.Config) { c.Browser = flagCfg.Browser },
	"store":              func(c *config.Config) { c.StoreBackend = flagCfg.StoreBackend },
	"store-path":         func(c *config.Config) { c.StorePath = flagCfg.StorePath },
	"debug":              func(c *config.Config) { c.Debug = flagCfg.Debug },
}

func applyFlags(cmd *cobra.Command, c *config.Config) {
	for name, set := range flagSetters {
		if cmd.Flags().Changed(name) {
			set(c)
		}
	}
}

// splitProxyAuth moves credentials embedded in the proxy URL into the
// username and password fields unless those were given explicitly.
func splitProxyAuth(c *config.Config) {
	parsedProxy, err := u.Parse(c.ProxyURL)
	if err != nil || parsedProxy.User == nil || c.ProxyUsername != "" {
		return
	}
	c.ProxyUsername = parsedProxy.User.Username()
	if password, set := parsedProxy.User.Password(); set {
		c.ProxyPassword = password
	}
	parsedProxy.User = nil
	c.ProxyURL = parsedProxy.String()
}

func openStore() (store.Store, error) {
	location := cfg.ResolvedStorePath()
	if err := os.MkdirAll(filepath.Dir(location), 0755); err != nil {
		return nil, fmt.Errorf("error creating state directory: %w", err)
	}
	st, err := store.Open(cfg.StoreBackend, location)
	if err != nil {
		return nil, fmt.Errorf("error opening resume store: %w", err)
	}
	return st, nil
}

func transferConfig(st store.Store) transfer.Config {
	return transfer.Config{
		Dir:                cfg.OutputDir,
		Threads:            cfg.Threads,
		RetryGap:           cfg.RetryGap,
		MaxRetries:         cfg.MaxRetries,
		DownloadBufferSize: cfg.DownloadBuffer,
		WriteBufferSize:    cfg.WriteBuffer,
		PersistInterval:    time.Second,
		Client:             utils.NewHTTPClient(cfg.HTTPClientConfig()),
		Store:              st,
	}
}
