// Package config defines the explicit configuration structs constructed
// once at startup and passed by reference to every component that needs
// them. There is no global configuration state.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ghodss/yaml"
	homedir "github.com/mitchellh/go-homedir"
	"github.com/spf13/afero"

	"github.com/syncbox/syncbox/pkg/errors"
	"github.com/syncbox/syncbox/pkg/report"
	"github.com/syncbox/syncbox/pkg/wire"
)

// SupportedConfigVersion is the config file version this binary parses.
const SupportedConfigVersion = "v1"

const (
	// ClientConfigPath is the default path to the client config.
	ClientConfigPath = "~/.syncbox.yaml"

	// ServerConfigPath is the default path to the server config.
	ServerConfigPath = "~/.syncbox-server.yaml"
)

// parseConfigErrTemplate is a template for when the CLI fails to parse
// yaml configuration files. The yaml library constructs errors in a way
// that loses context, so we can only pass the message on.
const parseConfigErrTemplate = "Configuration file could not be parsed. " +
	"Please review %q.\n" +
	"Common pitfalls include:\n" +
	" - Using the wrong types for fields\n" +
	" - Having extra fields inside the config file\n\n" +
	"For reference, here is the error from the parser:\n" +
	"%s"

// Client configures the client process: whose tree is synced, where it
// lives, and how to reach the server.
type Client struct {
	Version string `json:"version,omitempty"`

	User   string `json:"user"`
	Root   string `json:"root"`
	Server string `json:"server,omitempty"`

	DataPort   int `json:"dataPort,omitempty"`
	NotifyPort int `json:"notifyPort,omitempty"`

	Checksum   string `json:"checksum,omitempty"`
	QuotaBytes int64  `json:"quotaBytes,omitempty"`
	Workers    int    `json:"workers,omitempty"`

	ReadTimeoutSeconds int `json:"readTimeoutSeconds,omitempty"`
	ChunkDelayMillis   int `json:"chunkDelayMillis,omitempty"`
}

// DriveMount names one server storage partition and its location.
type DriveMount struct {
	Name string `json:"name"`
	Root string `json:"root"`
}

// Server configures the server process and its drives.
type Server struct {
	Version string `json:"version,omitempty"`

	DataPort   int `json:"dataPort,omitempty"`
	NotifyPort int `json:"notifyPort,omitempty"`

	Checksum   string `json:"checksum,omitempty"`
	QuotaBytes int64  `json:"quotaBytes,omitempty"`

	ReadTimeoutSeconds int `json:"readTimeoutSeconds,omitempty"`
	ChunkDelayMillis   int `json:"chunkDelayMillis,omitempty"`

	Drives []DriveMount `json:"drives,omitempty"`
}

// Compiled-in defaults, used whenever the config file is missing or
// unusable.
const (
	DefaultDataPort   = 7331
	DefaultNotifyPort = 7332
	DefaultChecksum   = wire.DigestSHA256
	DefaultQuota      = int64(1) << 30 // 1 GiB per user
	DefaultWorkers    = 4
	DefaultTimeout    = 30
)

// DefaultClient returns the hard-coded client defaults.
func DefaultClient() Client {
	root, err := homedir.Expand("~/syncbox")
	if err != nil {
		root = "syncbox"
	}
	return Client{
		Version:            SupportedConfigVersion,
		User:               currentUsername(),
		Root:               root,
		Server:             "localhost",
		DataPort:           DefaultDataPort,
		NotifyPort:         DefaultNotifyPort,
		Checksum:           DefaultChecksum,
		QuotaBytes:         DefaultQuota,
		Workers:            DefaultWorkers,
		ReadTimeoutSeconds: DefaultTimeout,
	}
}

// DefaultServer returns the hard-coded server defaults: a single drive
// under the home directory.
func DefaultServer() Server {
	root, err := homedir.Expand("~/syncbox-drives")
	if err != nil {
		root = "syncbox-drives"
	}
	return Server{
		Version:            SupportedConfigVersion,
		DataPort:           DefaultDataPort,
		NotifyPort:         DefaultNotifyPort,
		Checksum:           DefaultChecksum,
		QuotaBytes:         DefaultQuota,
		ReadTimeoutSeconds: DefaultTimeout,
		Drives: []DriveMount{
			{Name: "drive0", Root: filepath.Join(root, "drive0")},
		},
	}
}

func currentUsername() string {
	if user := os.Getenv("USER"); user != "" {
		return user
	}
	return "syncbox"
}

// ParseClient loads the client config at `path`. A missing or broken
// file, or an unknown checksum algorithm, falls back to the compiled
// defaults with a single notification (never a crash).
func ParseClient(path string, notifier report.Notifier) Client {
	cfg := DefaultClient()
	if err := parseConfig(path, &cfg); err != nil {
		notifier.Warn("Using default configuration",
			errors.GetPrintableMessage(err))
		cfg = DefaultClient()
	}
	cfg.Checksum = checkedDigest(cfg.Checksum, notifier)
	if expanded, err := homedir.Expand(cfg.Root); err == nil {
		cfg.Root = expanded
	}
	return cfg
}

// ParseServer loads the server config at `path`, with the same fallback
// behavior as ParseClient.
func ParseServer(path string, notifier report.Notifier) Server {
	cfg := DefaultServer()
	if err := parseConfig(path, &cfg); err != nil {
		notifier.Warn("Using default configuration",
			errors.GetPrintableMessage(err))
		cfg = DefaultServer()
	}
	cfg.Checksum = checkedDigest(cfg.Checksum, notifier)
	for i, d := range cfg.Drives {
		if expanded, err := homedir.Expand(d.Root); err == nil {
			cfg.Drives[i].Root = expanded
		}
	}
	return cfg
}

func checkedDigest(algo string, notifier report.Notifier) string {
	if wire.ValidDigest(algo) {
		return algo
	}
	notifier.Warn("Unknown checksum algorithm",
		fmt.Sprintf("%q is not supported; falling back to %s.", algo, DefaultChecksum))
	return DefaultChecksum
}

// ReadTimeout returns the idle read deadline for connections.
func (c Client) ReadTimeout() time.Duration {
	return time.Duration(c.ReadTimeoutSeconds) * time.Second
}

// ChunkDelay returns the artificial per-chunk transfer delay.
func (c Client) ChunkDelay() time.Duration {
	return time.Duration(c.ChunkDelayMillis) * time.Millisecond
}

// ReadTimeout returns the idle read deadline for connections.
func (s Server) ReadTimeout() time.Duration {
	return time.Duration(s.ReadTimeoutSeconds) * time.Second
}

// ChunkDelay returns the artificial per-chunk transfer delay.
func (s Server) ChunkDelay() time.Duration {
	return time.Duration(s.ChunkDelayMillis) * time.Millisecond
}

func (c Client) getVersion() string { return c.Version }
func (s Server) getVersion() string { return s.Version }

type configInterface interface {
	getVersion() string
}

type incompatibleVersionError struct {
	path, exp, actual string
}

func (err incompatibleVersionError) Error() string {
	return err.FriendlyMessage()
}

func (err incompatibleVersionError) FriendlyMessage() string {
	return fmt.Sprintf("The configuration file %q is incompatible "+
		"with this version of syncbox.\n"+
		"Expected version %q, but got %q.", err.path, err.exp, err.actual)
}

func parseConfig(path string, config configInterface) error {
	if expanded, err := homedir.Expand(path); err == nil {
		path = expanded
	}

	configBytes, err := afero.ReadFile(fs, path)
	if err != nil {
		if isPathNotFoundError(err) {
			return errors.FileNotFound{Path: path}
		}
		return errors.WithContext(err, "read file")
	}

	if err := yaml.Unmarshal(configBytes, config); err != nil {
		return errors.NewFriendlyError(parseConfigErrTemplate, path, err)
	}

	if config.getVersion() != SupportedConfigVersion {
		return incompatibleVersionError{path, SupportedConfigVersion, config.getVersion()}
	}
	return nil
}

func isPathNotFoundError(err error) bool {
	if fileErr, ok := err.(*os.PathError); ok &&
		fileErr.Op == "open" && fileErr.Err.Error() == "no such file or directory" {
		return true
	}
	return os.IsNotExist(err)
}
