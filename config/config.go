package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
)

// Config captures all command-line options and the loaded destination policy.
type Config struct {
	PolicyPath         string
	StagingDir         string
	StateDir           string
	LogLevel           string
	LogDir             string
	DryRun             bool
	MarkSeen           bool
	IMAPHost           string
	IMAPPort           int
	IMAPUser           string
	IMAPPass           string
	UseTLS             bool
	InsecureSkipVerify bool
	Mailbox            string
	IncludeHeader      []string
	IncludeBody        []string
	ExcludeHeader      []string
	ExcludeBody        []string

	Policy PolicyFile
}

// IMAPEnabled reports whether a mailbox should be harvested this run.
func (c Config) IMAPEnabled() bool {
	return c.IMAPHost != ""
}

// RegisterFlags attaches all CLI flags to the provided command. Flags are
// persistent so every subcommand shares them.
func RegisterFlags(cmd *cobra.Command) error {
	base, err := baseDir()
	if err != nil {
		return err
	}

	flags := cmd.PersistentFlags()
	flags.String("policy", filepath.Join(base, "policy.yaml"), "Path to the YAML destination policy")
	flags.String("staging-dir", "", "Staging directory for extracted attachments (overrides the policy file)")
	flags.String("state-dir", filepath.Join(base, "state"), "Directory for processed-message state files")
	flags.String("log-level", "info", "Logging level: debug, info, warn, error")
	flags.String("log-dir", "", "Also write logs to a timestamped file in this directory")
	flags.Bool("dry-run", false, "Report where files would go without copying, deleting or marking mail as read")
	flags.Bool("mark-seen", true, "Mark harvested IMAP messages as seen once their attachments are staged")
	flags.String("imap-host", "", "IMAP server hostname (empty disables mail harvesting)")
	flags.Int("imap-port", 993, "IMAP server port")
	flags.String("imap-user", "", "IMAP username")
	flags.String("imap-pass", "", "IMAP password (falls back to IMAP_PASS env var)")
	flags.Bool("use-tls", true, "Use TLS for the IMAP connection")
	flags.Bool("insecure-skip-verify", false, "Skip TLS certificate verification (not recommended)")
	flags.String("mailbox", "INBOX", "IMAP mailbox searched for unseen messages")
	flags.StringArray("include-header", nil, "Regex allow-list applied to message headers (mutually exclusive with exclude flags)")
	flags.StringArray("include-body", nil, "Regex allow-list applied to message bodies (mutually exclusive with exclude flags)")
	flags.StringArray("exclude-header", nil, "Regex block-list applied to message headers (mutually exclusive with include flags)")
	flags.StringArray("exclude-body", nil, "Regex block-list applied to message bodies (mutually exclusive with include flags)")

	return nil
}

// LoadConfig converts the parsed Cobra flags into a Config struct, loads the
// policy file and validates the result.
func LoadConfig(cmd *cobra.Command) (Config, error) {
	flags := cmd.Flags()

	policyPath, err := flags.GetString("policy")
	if err != nil {
		return Config{}, err
	}
	stagingDir, err := flags.GetString("staging-dir")
	if err != nil {
		return Config{}, err
	}
	stateDir, err := flags.GetString("state-dir")
	if err != nil {
		return Config{}, err
	}
	logLevel, err := flags.GetString("log-level")
	if err != nil {
		return Config{}, err
	}
	logDir, err := flags.GetString("log-dir")
	if err != nil {
		return Config{}, err
	}
	dryRun, err := flags.GetBool("dry-run")
	if err != nil {
		return Config{}, err
	}
	markSeen, err := flags.GetBool("mark-seen")
	if err != nil {
		return Config{}, err
	}
	imapHost, err := flags.GetString("imap-host")
	if err != nil {
		return Config{}, err
	}
	imapPort, err := flags.GetInt("imap-port")
	if err != nil {
		return Config{}, err
	}
	imapUser, err := flags.GetString("imap-user")
	if err != nil {
		return Config{}, err
	}
	imapPass, err := flags.GetString("imap-pass")
	if err != nil {
		return Config{}, err
	}
	useTLS, err := flags.GetBool("use-tls")
	if err != nil {
		return Config{}, err
	}
	insecureSkipVerify, err := flags.GetBool("insecure-skip-verify")
	if err != nil {
		return Config{}, err
	}
	mailbox, err := flags.GetString("mailbox")
	if err != nil {
		return Config{}, err
	}
	includeHeader, err := flags.GetStringArray("include-header")
	if err != nil {
		return Config{}, err
	}
	includeBody, err := flags.GetStringArray("include-body")
	if err != nil {
		return Config{}, err
	}
	excludeHeader, err := flags.GetStringArray("exclude-header")
	if err != nil {
		return Config{}, err
	}
	excludeBody, err := flags.GetStringArray("exclude-body")
	if err != nil {
		return Config{}, err
	}

	if imapPass == "" {
		imapPass = os.Getenv("IMAP_PASS")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return Config{}, err
	}

	policy, err := LoadPolicy(ExpandHome(policyPath, home))
	if err != nil {
		return Config{}, err
	}

	if stagingDir == "" {
		stagingDir = policy.StagingDirectory
	}
	if stagingDir == "" {
		stagingDir = filepath.Join(home, ".notesorter", "staging")
	}
	if stateDir == "" {
		stateDir = filepath.Join(home, ".notesorter", "state")
	}

	logLevel = strings.ToLower(logLevel)
	if logLevel == "warning" {
		logLevel = "warn"
	}

	cfg := Config{
		PolicyPath:         policyPath,
		StagingDir:         filepath.Clean(ExpandHome(stagingDir, home)),
		StateDir:           filepath.Clean(ExpandHome(stateDir, home)),
		LogLevel:           logLevel,
		LogDir:             logDir,
		DryRun:             dryRun,
		MarkSeen:           markSeen && !dryRun,
		IMAPHost:           imapHost,
		IMAPPort:           imapPort,
		IMAPUser:           imapUser,
		IMAPPass:           imapPass,
		UseTLS:             useTLS,
		InsecureSkipVerify: insecureSkipVerify,
		Mailbox:            mailbox,
		IncludeHeader:      includeHeader,
		IncludeBody:        includeBody,
		ExcludeHeader:      excludeHeader,
		ExcludeBody:        excludeBody,
		Policy:             policy,
	}

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func validateConfig(cfg Config) error {
	if cfg.StagingDir == "" {
		return fmt.Errorf("staging directory is empty")
	}
	if cfg.IMAPEnabled() {
		if cfg.IMAPUser == "" {
			return fmt.Errorf("--imap-user is required when --imap-host is set")
		}
		if cfg.IMAPPass == "" {
			return fmt.Errorf("IMAP password must be provided via --imap-pass or IMAP_PASS env var")
		}
		if cfg.IMAPPort <= 0 || cfg.IMAPPort > 65535 {
			return fmt.Errorf("--imap-port must be between 1 and 65535")
		}
		if cfg.Mailbox == "" {
			return fmt.Errorf("--mailbox is empty")
		}
	}
	includeActive := len(cfg.IncludeHeader) > 0 || len(cfg.IncludeBody) > 0
	excludeActive := len(cfg.ExcludeHeader) > 0 || len(cfg.ExcludeBody) > 0
	if includeActive && excludeActive {
		return fmt.Errorf("include and exclude flags are mutually exclusive")
	}

	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid --log-level: %s", cfg.LogLevel)
	}

	if err := cfg.Policy.Destinations.Validate(); err != nil {
		return fmt.Errorf("policy %s: %w", cfg.PolicyPath, err)
	}

	return nil
}

func baseDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".notesorter"), nil
}
