package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/nexidian/gocliselect"
	"github.com/spf13/cobra"

	"optrack/driver-agent/internal/app"
)

func newLoginCommand(opts *rootOptions) *cobra.Command {
	var identifier, secret string

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Log the operator in",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			if identifier == "" {
				if identifier, err = prompt("CPF: "); err != nil {
					return err
				}
			}
			if secret == "" {
				if secret, err = prompt("Senha: "); err != nil {
					return err
				}
			}

			msg, profile, err := client.Login(cmd.Context(), identifier, secret)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), styles.success.Render(msg))
			fmt.Fprintf(cmd.OutOrStdout(), "Veículo: %s\n", profile.VehicleIdentifier)
			return nil
		},
	}
	cmd.Flags().StringVar(&identifier, "id", "", "operator identifier (CPF)")
	cmd.Flags().StringVar(&secret, "secret", "", "operator secret (prompted when empty)")
	return cmd
}

func newLogoutCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "End the session and wipe local data",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			msg, err := client.Logout(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), msg)
			return nil
		},
	}
}

func newPressCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "press [button]",
		Short: "Start or stop an operation (pick from a menu when no button is given)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			var buttonID string
			if len(args) > 0 {
				buttonID = args[0]
			} else {
				st, err := client.State(ctx)
				if err != nil {
					return err
				}
				if buttonID, err = pickButton(st); err != nil {
					return err
				}
			}

			tr, err := client.Press(ctx, buttonID)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if tr.Ended != nil {
				fmt.Fprintf(out, "%s %s (%s)\n", styles.muted.Render("encerrada:"), tr.Ended.Name, tr.Ended.Duration)
			}
			if tr.Started != nil {
				fmt.Fprintf(out, "%s %s\n", styles.success.Render("iniciada:"), tr.Started.Name)
			}
			return nil
		},
	}
}

func newSyncCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Push pending records to the fleet backend now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			res, err := client.Sync(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s (%d registros)\n", res.Message, res.Records)
			return nil
		},
	}
}

func newStatusCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the current operation, location and sync queue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			st, err := client.State(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderStatus(st))
			return nil
		},
	}
}

func newRestartLocationCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "restart-location",
		Short: "Resume location sampling after a GPS error",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			if err := client.RestartLocation(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Aguardando localização...")
			return nil
		},
	}
}

func pickButton(st app.State) (string, error) {
	if !st.IsLoggedIn {
		return "", errors.New("not logged in")
	}
	if len(st.OperationalButtons) == 0 {
		return "", errors.New("no operational buttons available")
	}

	menu := gocliselect.NewMenu("Selecione a operação")
	for _, b := range st.OperationalButtons {
		label := b.Name
		if b.ID == st.ActiveButton {
			label = "■ " + label + " (em andamento)"
		}
		menu.AddItem(label, b.ID)
	}
	selected, err := menu.Display()
	if err != nil {
		return "", err
	}
	choice, _ := selected.(string)
	if choice == "" {
		return "", errors.New("no operation selected")
	}
	return choice, nil
}

var stdin = bufio.NewReader(os.Stdin)

func prompt(label string) (string, error) {
	fmt.Fprint(os.Stderr, label)
	line, err := stdin.ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("read %s: %w", strings.TrimSpace(label), err)
	}
	return strings.TrimSpace(line), nil
}
