package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/sharewatch/sharewatchd/pkg/share"
	"github.com/sharewatch/sharewatchd/pkg/share/config"
	"github.com/sharewatch/sharewatchd/pkg/share/inspect"
	"github.com/sharewatch/sharewatchd/pkg/share/keystore"
	"github.com/sharewatch/sharewatchd/pkg/share/mountdrv"
)

// shareCmd groups the administrative operations §6 names
// (addShare/updateShare/removeShare/toggleEnabled/mountShare/
// unmountShare/toggleMount/stopRetrying), applied directly against the
// persisted configuration — the running `serve` daemon observes the
// change via its fsnotify watch and re-evaluates.
func shareCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "share",
		Short: "Manage configured shares",
	}
	cmd.AddCommand(
		shareAddCmd(), shareListCmd(), shareRemoveCmd(),
		shareEnableCmd(), shareDisableCmd(), shareToggleEnabledCmd(),
		shareMountCmd(), shareUnmountCmd(), shareToggleMountCmd(),
		shareStopRetryingCmd(),
	)
	return cmd
}

func openRepo(cmd *cobra.Command) (*config.FileRepository, string, error) {
	homeFlag, _ := cmd.Root().PersistentFlags().GetString("home")
	home, err := resolveHome(homeFlag)
	if err != nil {
		return nil, "", err
	}
	configFlag, _ := cmd.Root().PersistentFlags().GetString("config")
	cfg, err := loadDaemonConfig(cmd.Context(), home)
	if err != nil {
		return nil, "", err
	}
	if configFlag != "" {
		cfg.ConfigPath = configFlag
	}
	repo, err := config.NewFileRepository(cfg.ConfigPath)
	if err != nil {
		return nil, "", err
	}
	return repo, home, nil
}

func shareAddCmd() *cobra.Command {
	var (
		protocol      string
		server        string
		shareName     string
		displayName   string
		mountPath     string
		username      string
		requiresVPN   bool
		readOnly      bool
		hidden        bool
		retryStrategy string
	)
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a new share and persist it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			repo, _, err := openRepo(cmd)
			if err != nil {
				return err
			}
			proto := share.Protocol(strings.ToLower(protocol))
			if !proto.Valid() {
				return fmt.Errorf("share add: unknown protocol %q (want smb, afp, or nfs)", protocol)
			}
			cfg := share.NewShareConfig(proto, server, shareName)
			cfg.DisplayName = displayName
			cfg.MountPath = mountPath
			cfg.Username = username
			cfg.SaveCredentials = username != ""
			cfg.RequiresVPN = requiresVPN
			cfg.ReadOnly = readOnly
			cfg.Hidden = hidden
			if retryStrategy != "" {
				cfg.RetryStrategyName = share.RetryStrategy(strings.ToLower(retryStrategy))
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			if cfg.SaveCredentials {
				password, err := readPassword(cmd)
				if err != nil {
					return err
				}
				ks, closeKs, err := openKeystore()
				if err != nil {
					return err
				}
				defer closeKs()
				key := keystore.Key{Server: cfg.ServerAddress, Username: cfg.Username, Protocol: cfg.Protocol, Port: cfg.Protocol.DefaultPort()}
				if err := ks.Write(cmd.Context(), key, password); err != nil {
					return fmt.Errorf("share add: storing credential: %w", err)
				}
			}

			if err := repo.Save(cmd.Context(), cfg); err != nil {
				return err
			}
			fmt.Printf("added share %s (%s://%s/%s)\n", cfg.ID, cfg.Protocol, cfg.ServerAddress, cfg.ShareName)
			return nil
		},
	}
	cmd.Flags().StringVar(&protocol, "protocol", "smb", "smb, afp, or nfs")
	cmd.Flags().StringVar(&server, "server", "", "remote server hostname or IP (required)")
	cmd.Flags().StringVar(&shareName, "share", "", "remote export/share name (required)")
	cmd.Flags().StringVar(&displayName, "name", "", "human-readable display name")
	cmd.Flags().StringVar(&mountPath, "mount-path", "", "local mount path (default <home>/NetworkDrives/<share>)")
	cmd.Flags().StringVar(&username, "username", "", "username; empty for anonymous/guest")
	cmd.Flags().BoolVar(&requiresVPN, "requires-vpn", false, "only mount while a VPN route to the server exists")
	cmd.Flags().BoolVar(&readOnly, "read-only", false, "mount read-only")
	cmd.Flags().BoolVar(&hidden, "hidden", false, "mount with nobrowse")
	cmd.Flags().StringVar(&retryStrategy, "retry", "normal", "aggressive, normal, conservative, or manual")
	_ = cmd.MarkFlagRequired("server")
	_ = cmd.MarkFlagRequired("share")
	return cmd
}

func readPassword(cmd *cobra.Command) (string, error) {
	fmt.Fprint(os.Stderr, "password: ")
	scanner := bufio.NewScanner(cmd.InOrStdin())
	if !scanner.Scan() {
		return "", fmt.Errorf("share add: reading password: %w", scanner.Err())
	}
	return scanner.Text(), nil
}

func openKeystore() (keystore.Adapter, func(), error) {
	ks, err := keystore.NewSecretServiceAdapter()
	if err != nil {
		return keystore.NewMemoryAdapter(), func() {}, nil
	}
	return ks, func() { _ = ks.Close() }, nil
}

func shareListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List configured shares",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			repo, _, err := openRepo(cmd)
			if err != nil {
				return err
			}
			cfgs, err := repo.FetchAll(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tPROTOCOL\tSERVER\tSHARE\tSTATE")
			for _, c := range cfgs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", c.ID, c.DisplayName, c.Protocol, c.ServerAddress, c.ShareName, c.ManagementState)
			}
			return w.Flush()
		},
	}
}

func shareByID(cmd *cobra.Command, repo *config.FileRepository, id string) (share.ShareConfig, error) {
	cfgs, err := repo.FetchAll(cmd.Context())
	if err != nil {
		return share.ShareConfig{}, err
	}
	for _, c := range cfgs {
		if c.ID == id {
			return c, nil
		}
	}
	return share.ShareConfig{}, fmt.Errorf("share: no share with id %q", id)
}

func shareRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm <id>",
		Short: "Best-effort unmount, then forget a share",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, home, err := openRepo(cmd)
			if err != nil {
				return err
			}
			cfg, err := shareByID(cmd, repo, args[0])
			if err != nil {
				return err
			}
			mountPath := mountdrv.MountPointForConfig(cfg, home)
			driver := &mountdrv.Driver{Fs: afero.NewOsFs(), Inspector: inspect.NewUnixInspector()}
			if err := driver.Unmount(cmd.Context(), mountPath); err != nil {
				fmt.Fprintf(os.Stderr, "share rm: unmount %s: %v (continuing)\n", mountPath, err)
			}
			if err := repo.Delete(cmd.Context(), cfg.ID); err != nil {
				return err
			}
			if cfg.Username != "" {
				if ks, closeKs, err := openKeystore(); err == nil {
					defer closeKs()
					_ = ks.Delete(cmd.Context(), keystore.Key{Server: cfg.ServerAddress, Username: cfg.Username, Protocol: cfg.Protocol, Port: cfg.Protocol.DefaultPort()})
				}
			}
			fmt.Printf("removed share %s\n", cfg.ID)
			return nil
		},
	}
}

func setManagement(cmd *cobra.Command, id string, state share.ManagementState) error {
	repo, _, err := openRepo(cmd)
	if err != nil {
		return err
	}
	cfg, err := shareByID(cmd, repo, id)
	if err != nil {
		return err
	}
	cfg.ManagementState = state
	return repo.Save(cmd.Context(), cfg)
}

func shareEnableCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "enable <id>",
		Short: "Allow sharewatchd to auto-mount this share",
		Args:  cobra.ExactArgs(1),
		RunE:  func(cmd *cobra.Command, args []string) error { return setManagement(cmd, args[0], share.Enabled) },
	}
}

func shareDisableCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "disable <id>",
		Short: "Stop sharewatchd from auto-acting on this share",
		Args:  cobra.ExactArgs(1),
		RunE:  func(cmd *cobra.Command, args []string) error { return setManagement(cmd, args[0], share.Disabled) },
	}
}

func shareStopRetryingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop-retrying <id>",
		Short: "Disable a share and stop further retries (alias for disable)",
		Args:  cobra.ExactArgs(1),
		RunE:  func(cmd *cobra.Command, args []string) error { return setManagement(cmd, args[0], share.Disabled) },
	}
}

func shareToggleEnabledCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "toggle-enabled <id>",
		Short: "Flip a share's enabled/disabled management state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, _, err := openRepo(cmd)
			if err != nil {
				return err
			}
			cfg, err := shareByID(cmd, repo, args[0])
			if err != nil {
				return err
			}
			next := share.Enabled
			if cfg.ManagementState == share.Enabled {
				next = share.Disabled
			}
			return setManagement(cmd, args[0], next)
		},
	}
}

// oneShotMount (and oneShotUnmount below) runs a single mount or unmount outside the daemon's
// managed lifecycle, for an operator who wants an immediate result from
// the CLI without waiting for the running daemon's evaluation cycle.
// It does not touch the Retry Governor or the Lifecycle Machine; the
// running `serve` process picks the resulting kernel-mount-table state
// back up on its next evaluation.
func oneShotMount(cmd *cobra.Command, repo *config.FileRepository, home, id string) error {
	cfg, err := shareByID(cmd, repo, id)
	if err != nil {
		return err
	}
	var cred *share.Credential
	if cfg.WantsCredentialLookup() {
		ks, closeKs, err := openKeystore()
		if err != nil {
			return err
		}
		defer closeKs()
		password, err := ks.Read(cmd.Context(), keystore.Key{Server: cfg.ServerAddress, Username: cfg.Username, Protocol: cfg.Protocol, Port: cfg.Protocol.DefaultPort()})
		if err != nil {
			return fmt.Errorf("share mount: credential lookup: %w", err)
		}
		cred = &share.Credential{Server: cfg.ServerAddress, Username: cfg.Username, Password: password, Port: cfg.Protocol.DefaultPort(), Protocol: cfg.Protocol}
	}
	mountPath := mountdrv.MountPointForConfig(cfg, home)
	driver := &mountdrv.Driver{Fs: afero.NewOsFs(), Inspector: inspect.NewUnixInspector()}
	if err := driver.Mount(cmd.Context(), cfg, mountPath, cred, mountdrv.DefaultTimeout); err != nil {
		return fmt.Errorf("share mount: %w", err)
	}
	fmt.Printf("mounted %s at %s\n", cfg.ID, mountPath)
	return nil
}

func oneShotUnmount(cmd *cobra.Command, repo *config.FileRepository, home, id string) error {
	cfg, err := shareByID(cmd, repo, id)
	if err != nil {
		return err
	}
	mountPath := mountdrv.MountPointForConfig(cfg, home)
	driver := &mountdrv.Driver{Fs: afero.NewOsFs(), Inspector: inspect.NewUnixInspector()}
	if err := driver.Unmount(cmd.Context(), mountPath); err != nil {
		return fmt.Errorf("share unmount: %w", err)
	}
	fmt.Printf("unmounted %s from %s\n", cfg.ID, mountPath)
	return nil
}

func shareMountCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mount <id>",
		Short: "Mount a share immediately, once, outside the daemon's retry loop",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, home, err := openRepo(cmd)
			if err != nil {
				return err
			}
			return oneShotMount(cmd, repo, home, args[0])
		},
	}
}

func shareUnmountCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unmount <id>",
		Short: "Unmount a share immediately",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, home, err := openRepo(cmd)
			if err != nil {
				return err
			}
			return oneShotUnmount(cmd, repo, home, args[0])
		},
	}
}

func shareToggleMountCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "toggle-mount <id>",
		Short: "Mount an unmounted share, or unmount a mounted one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, home, err := openRepo(cmd)
			if err != nil {
				return err
			}
			cfg, err := shareByID(cmd, repo, args[0])
			if err != nil {
				return err
			}
			mountPath := mountdrv.MountPointForConfig(cfg, home)
			inspector := inspect.NewUnixInspector()
			mounted, err := inspector.IsMountPoint(cmd.Context(), mountPath)
			if err != nil {
				return err
			}
			if mounted {
				return oneShotUnmount(cmd, repo, home, args[0])
			}
			return oneShotMount(cmd, repo, home, args[0])
		},
	}
}
