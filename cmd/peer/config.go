package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	nick      string
	relay     string
	nats      string
	shareBase string
	redisAddr string
	nickFile  string
	logLevel  string
	noQR      bool
}

func (c *Config) validate() error {
	if c.relay == "" && c.nats == "" {
		return errors.New("one of --relay or --nats is required")
	}
	if c.shareBase == "" {
		return errors.New("--share-base must not be empty")
	}
	return nil
}

func defaultNickFile() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "bpm-party.yaml"
	}
	return filepath.Join(dir, "bpm-party", "profile.yaml")
}

func newCmd(cfg *Config, in io.Reader, out io.Writer) *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("BPM")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	cmd := &cobra.Command{
		Use:           "peer",
		Short:         "Play a tap-the-tempo party session from the terminal.",
		SilenceErrors: true,
		SilenceUsage:  true,
		Version:       releaseVersion,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return cfg.validate()
		},
	}

	fs := cmd.PersistentFlags()
	fs.SetNormalizeFunc(func(_ *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})

	fs.StringVarP(&cfg.nick, "nick", "n", "", "nickname, 2 to 15 characters; defaults to the last one used (env: BPM_NICK)")
	fs.StringVar(&cfg.relay, "relay", "http://localhost:8080", "relay server base url (env: BPM_RELAY)")
	fs.StringVar(&cfg.nats, "nats", "", "NATS url; takes precedence over --relay (env: BPM_NATS)")
	fs.StringVar(&cfg.shareBase, "share-base", "http://localhost:8080/", "base of the share link (env: BPM_SHARE_BASE)")
	fs.StringVar(&cfg.redisAddr, "redis-addr", "", "remember the nickname in redis instead of a file (env: BPM_REDIS_ADDR)")
	fs.StringVar(&cfg.nickFile, "nick-file", defaultNickFile(), "file the last nickname is kept in (env: BPM_NICK_FILE)")
	fs.StringVarP(&cfg.logLevel, "log-level", "l", "warn", "log level (env: BPM_LOG_LEVEL)")
	fs.BoolVar(&cfg.noQR, "no-qr", false, "do not print the share link as a QR code (env: BPM_NO_QR)")

	fs.VisitAll(func(f *pflag.Flag) {
		_ = v.BindPFlag(f.Name, f)
		_ = v.BindEnv(f.Name)
		if !f.Changed && v.IsSet(f.Name) {
			_ = fs.Set(f.Name, fmt.Sprintf("%v", v.Get(f.Name)))
		}
	})

	cmd.AddCommand(
		&cobra.Command{
			Use:   "host",
			Short: "Open a room and run the game",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return run(cmd.Context(), cfg, "", in, out)
			},
		},
		&cobra.Command{
			Use:   "join ROOM",
			Short: "Join a room by id or share link",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return run(cmd.Context(), cfg, args[0], in, out)
			},
		},
	)

	cmd.CompletionOptions.HiddenDefaultCmd = true
	cmd.SetHelpCommand(&cobra.Command{Hidden: true})
	cmd.SetVersionTemplate("bpm-party peer v{{.Version}}\n")
	cmd.SetOut(out)

	return cmd
}
