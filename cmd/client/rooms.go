package main

import (
	"context"
	"os"
	"strings"
	"time"

	"voicechat/internal/client"
	"voicechat/internal/core/domain"
	"voicechat/pkg/utils"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

var roomsCmd = &cobra.Command{
	Use:   "rooms [name]",
	Short: "List rooms and who is in them",
	Long: `Without arguments, list every room with its members.
With a room name, show each member's mute and speaking state.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadClientConfig()
		if err != nil {
			return err
		}
		dir, err := client.NewDirectory(cfg.Client.ServerURL)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()

		if len(args) == 1 {
			return printRoom(ctx, dir, domain.RoomName(args[0]))
		}
		return printRooms(ctx, dir)
	},
}

var usersCmd = &cobra.Command{
	Use:   "users",
	Short: "List users currently in any room",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadClientConfig()
		if err != nil {
			return err
		}
		dir, err := client.NewDirectory(cfg.Client.ServerURL)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()

		users, err := dir.Users(ctx)
		if err != nil {
			return err
		}
		t := newTable()
		t.AppendHeader(table.Row{"#", "User"})
		for i, u := range users {
			t.AppendRow(table.Row{i + 1, u})
		}
		t.AppendFooter(table.Row{"", len(users)})
		t.Render()
		return nil
	},
}

func newTable() table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(table.StyleRounded)
	return t
}

func printRooms(ctx context.Context, dir *client.Directory) error {
	rooms, err := dir.Rooms(ctx)
	if err != nil {
		return err
	}
	t := newTable()
	t.AppendHeader(table.Row{"Room", "Members", "Who"})
	total := 0
	for _, r := range rooms {
		total += r.Count
		t.AppendRow(table.Row{r.Name, r.Count, utils.TruncateString(strings.Join(r.Members, ", "), 60)})
	}
	t.AppendFooter(table.Row{"Total", total, ""})
	t.Render()
	return nil
}

func printRoom(ctx context.Context, dir *client.Directory, name domain.RoomName) error {
	room, err := dir.Room(ctx, name)
	if err != nil {
		return err
	}
	t := newTable()
	t.SetTitle(string(room.Name))
	t.AppendHeader(table.Row{"User", "Muted", "Speaking"})
	for _, p := range room.Presence {
		t.AppendRow(table.Row{p.Username, yesNo(p.Muted), yesNo(p.Speaking)})
	}
	t.AppendFooter(table.Row{room.Count, "", ""})
	t.Render()
	return nil
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func init() {
	rootCmd.AddCommand(roomsCmd)
	rootCmd.AddCommand(usersCmd)
}
