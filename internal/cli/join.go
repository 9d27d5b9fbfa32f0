package cli

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/scenesync/scenesync/internal/collab"
	"github.com/scenesync/scenesync/internal/transport"
	"github.com/scenesync/scenesync/internal/types"
)

var joinCmd = &cobra.Command{
	Use:   "join <room-id>",
	Short: "Join a collaboration room and chat from the terminal",
	Args:  cobra.ExactArgs(1),
	RunE:  runJoin,
}

func init() {
	joinCmd.Flags().String("server", "ws://localhost:8000/ws", "Collaboration server URL")
	joinCmd.Flags().String("username", "", "Display name")
	joinCmd.Flags().String("identity-token", "", "Signed identity token, if the server requires one")

	viper.BindPFlag("server_url", joinCmd.Flags().Lookup("server"))
	viper.BindPFlag("username", joinCmd.Flags().Lookup("username"))

	rootCmd.AddCommand(joinCmd)
}

func runJoin(cmd *cobra.Command, args []string) error {
	roomId := args[0]

	tr := transport.NewWebsocketTransport(viper.GetString("server_url"), logger)
	session := collab.NewSession(tr, logger)

	cyan := color.New(color.FgHiCyan).SprintFunc()
	faint := color.New(color.Faint).SprintFunc()

	session.On(types.EventChatMessage, func(evt collab.Event) {
		var msg types.ChatMessage
		if err := evt.Decode(&msg); err != nil {
			return
		}
		fmt.Printf("%s %s: %s\n", faint(msg.Timestamp.Format("15:04:05")), cyan(msg.Username), msg.Message)
	})
	session.On(types.EventUserJoined, func(evt collab.Event) {
		fmt.Println(faint(evt.Sender.Username + " joined"))
	})
	session.On(types.EventUserLeft, func(evt collab.Event) {
		fmt.Println(faint(evt.Sender.Username + " left"))
	})

	token, _ := cmd.Flags().GetString("identity-token")
	profile := collab.Profile{
		Username: viper.GetString("username"),
		Token:    token,
	}

	ctx := cmd.Context()
	if err := session.Init(ctx, profile); err != nil {
		return err
	}
	defer session.Disconnect()

	if err := session.JoinRoom(ctx, roomId); err != nil {
		return err
	}

	user := session.CurrentUser()
	fmt.Printf("joined %s as %s (%d participants). /quit to leave.\n",
		cyan(roomId), cyan(user.Username), len(session.Users()))

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	for {
		select {
		case <-sigs:
			return session.LeaveRoom(context.Background())
		case line, ok := <-lines:
			if !ok || strings.TrimSpace(line) == "/quit" {
				return session.LeaveRoom(context.Background())
			}
			if strings.TrimSpace(line) == "" {
				continue
			}
			if err := session.SendChatMessage(ctx, line); err != nil {
				// fire-and-forget: a failed send is reported, never fatal
				fmt.Fprintln(os.Stderr, "send failed:", err)
			}
		}
	}
}
