package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/phevbox/phevbox/internal/allocate"
	"github.com/phevbox/phevbox/internal/catalog"
	"github.com/phevbox/phevbox/internal/collect"
	"github.com/phevbox/phevbox/internal/config"
	"github.com/phevbox/phevbox/internal/guard"
	"github.com/phevbox/phevbox/internal/output"
	"github.com/phevbox/phevbox/internal/payload"
	"github.com/phevbox/phevbox/internal/prompt"
	"github.com/phevbox/phevbox/internal/pve"
	"github.com/phevbox/phevbox/internal/usb"
)

var (
	version = "dev"
	commit  = "unknown"
)

// addressWait bounds the post-start poll for the guest's address.
const (
	addressWait     = 90 * time.Second
	addressInterval = 5 * time.Second
)

var (
	configPath   string
	outputFormat string
	noHeaders    bool
	assumeYes    bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "phevbox",
	Short: "phevbox - phev2mqtt appliance provisioner",
	Long: `phevbox provisions a phev2mqtt bridge appliance as a Proxmox VM.

It walks the operator through sizing, network, and USB WiFi adapter
selection, creates the VM with the adapter passed through, and delivers
a first-boot payload that sets up the bridge inside the guest.`,
	Version: fmt.Sprintf("%s (commit: %s)", version, commit),
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", config.DefaultHostConfigPath, "host configuration file")

	listCmd.Flags().StringVarP(&outputFormat, "output", "o", "table", "output format (table, yaml, json)")
	listCmd.Flags().BoolVar(&noHeaders, "no-headers", false, "omit table headers")
	lookupCmd.Flags().StringVarP(&outputFormat, "output", "o", "table", "output format (table, yaml, json)")
	destroyCmd.Flags().BoolVarP(&assumeYes, "yes", "y", false, "do not ask for confirmation")

	catalogCmd.AddCommand(lookupCmd)
	rootCmd.AddCommand(createCmd)
	rootCmd.AddCommand(destroyCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(catalogCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("phevbox %s (commit: %s)\n", version, commit)
	},
}

func newLogger() *logrus.Logger {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return log
}

var createCmd = &cobra.Command{
	Use:   "create",
	Short: "Provision a new appliance instance",
	Long: `Provision a new appliance instance interactively.

Collects the full instance specification, creates the VM with the USB
adapter passed through, injects the first-boot payload, and starts it.
Any failure after creation begins destroys the partial instance.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		log := newLogger()
		ctx := context.Background()

		host, err := config.LoadHostConfig(configPath)
		if err != nil {
			return err
		}

		if os.Geteuid() != 0 {
			return &pve.PreflightError{Reason: "must run as root on the Proxmox node"}
		}
		tools := []string{"qm", "pvesm", "pvesh", "lsusb"}
		if host.PayloadChannel == config.ChannelImageMutate {
			tools = append(tools, "virt-customize")
		}
		if err := pve.Preflight(tools...); err != nil {
			return err
		}
		if _, err := os.Stat(host.BaseImage); err != nil {
			return &pve.PreflightError{Reason: fmt.Sprintf("base image %s is not readable: %v", host.BaseImage, err)}
		}

		runner := pve.NewRunner()
		client := pve.NewClientWithRunner(runner)

		collector := collect.New(prompt.NewTerminal(), client, usb.NewEnumerator(runner, log), host, log)
		spec, err := collector.Collect(ctx)
		if errors.Is(err, prompt.ErrCanceled) {
			log.Info("canceled, no resources were created")
			return nil
		}
		if err != nil {
			return err
		}

		injector, err := payload.ForChannel(host, client, runner, log)
		if err != nil {
			return err
		}

		g := guard.New(client, log)
		g.Arm(spec.VMID)
		defer g.Release(ctx)

		alloc := allocate.New(client, injector, host.BaseImage, log)
		if err := alloc.Allocate(ctx, spec); err != nil {
			return err
		}
		g.Complete()

		log.WithField("vmid", spec.VMID).Info("instance started, waiting for the guest address")
		addr, err := client.WaitForGuestIP(ctx, spec.VMID, addressWait, addressInterval)
		if err != nil {
			return err
		}

		fmt.Printf("\n✓ Instance %d (%s) is running\n", spec.VMID, spec.Name())
		if addr == pve.UnknownAddress {
			fmt.Println("The guest has not reported an address yet; check the console or your DHCP leases.")
		} else {
			fmt.Printf("Guest address: %s\n", addr)
			fmt.Printf("Follow the setup: ssh root@%s journalctl -fu cloud-final\n", addr)
		}
		return nil
	},
}

var destroyCmd = &cobra.Command{
	Use:   "destroy <vmid>",
	Short: "Destroy an appliance instance",
	Long: `Destroy an appliance instance by id.

Stops the instance if running and purges it along with its disks.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		vmid, err := strconv.Atoi(args[0])
		if err != nil || vmid <= 0 {
			return fmt.Errorf("invalid instance id %q", args[0])
		}

		if !assumeYes {
			ok, err := prompt.NewTerminal().Confirm(fmt.Sprintf("Destroy instance %d and its disks?", vmid), false)
			if err != nil || !ok {
				fmt.Println("aborted")
				return nil
			}
		}

		if err := pve.NewClient().Destroy(context.Background(), vmid); err != nil {
			return fmt.Errorf("failed to destroy instance %d: %w", vmid, err)
		}
		fmt.Printf("✓ Instance %d destroyed\n", vmid)
		return nil
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List appliance instances",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		instances, err := pve.NewClient().List(context.Background())
		if err != nil {
			return fmt.Errorf("failed to list instances: %w", err)
		}

		formatter, err := output.NewFormatter(output.Options{Format: output.Format(outputFormat), NoHeaders: noHeaders})
		if err != nil {
			return err
		}
		out, err := formatter.FormatInstances(instances)
		if err != nil {
			return err
		}
		fmt.Print(out)
		return nil
	},
}

var catalogCmd = &cobra.Command{
	Use:   "catalog",
	Short: "Query the adapter catalog",
}

var lookupCmd = &cobra.Command{
	Use:   "lookup <vendor:product>",
	Short: "Look up an adapter identifier in the catalog",
	Long: `Look up an adapter identifier in the remote catalog.

A fetch failure degrades to the unknown driver instead of failing; the
degradation is reported on stderr.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		log := newLogger()

		host, err := config.LoadHostConfig(configPath)
		if err != nil {
			return err
		}

		entry := catalog.Unknown(args[0])
		cat, err := catalog.Fetch(host.CatalogURL)
		if err != nil {
			log.WithError(err).Warn("catalog unavailable, reporting the unknown driver")
		} else {
			entry = cat.Lookup(args[0])
		}

		formatter, err := output.NewFormatter(output.Options{Format: output.Format(outputFormat)})
		if err != nil {
			return err
		}
		out, err := formatter.FormatEntry(entry)
		if err != nil {
			return err
		}
		fmt.Print(out)
		return nil
	},
}
