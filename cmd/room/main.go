// Command room is a terminal chat client: "room host" opens a room, "room <addr>" joins one.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gookit/color"
	"github.com/mama165/sdk-go/logs"

	"chatroom/internal/chat"
	"chatroom/internal/config"
	"chatroom/internal/db"
	"chatroom/internal/discovery"
	"chatroom/internal/models"
	"chatroom/internal/repositories"
	"chatroom/internal/room"
	"chatroom/internal/store"
)

var (
	senderStyle = color.New(color.FgCyan, color.OpBold)
	emoteStyle  = color.New(color.FgMagenta)
	errorStyle  = color.New(color.FgRed)
	infoStyle   = color.New(color.FgGray)
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render("fatal: "+err.Error()))
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log := logs.GetLoggerFromString(cfg.LogLevel)

	target := discovery.Sentinel
	if len(os.Args) > 1 {
		target = os.Args[1]
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := []chat.Option{chat.WithEventBuffer(cfg.Room.EventBuffer)}
	if cfg.Room.ConversationID > 0 {
		database, err := db.Connect(cfg.DBDSN, log)
		if err != nil {
			return err
		}
		defer database.Close()
		conversations := store.NewConversationStore(
			repositories.NewConversationRepo(database),
			repositories.NewMessageRepo(database),
			repositories.NewUserRepo(database),
			log,
		)
		opts = append(opts, chat.WithMessageLog(conversations, cfg.Room.UserID, cfg.Room.ConversationID))
	}

	svc := chat.New(discovery.New(cfg.Room.ListenAddr, room.Options{
		PingPeriod:    cfg.Room.PingPeriod,
		PongWait:      cfg.Room.PongWait,
		WriteWait:     cfg.Room.WriteWait,
		JoinTimeout:   cfg.Room.JoinTimeout,
		SendBuffer:    cfg.Room.SendBuffer,
		MaxFrameBytes: int64(cfg.Room.MaxFrameBytes),
	}, log), log, opts...)
	defer svc.Close()

	sub := svc.Subscribe()
	go render(sub)

	if err := svc.ConnectUserToServer(ctx, target, cfg.Room.Username); err != nil {
		return err
	}
	if target == discovery.Sentinel {
		fmt.Println(infoStyle.Sprintf("hosting on %s, type /help for commands", cfg.Room.ListenAddr))
	} else {
		fmt.Println(infoStyle.Sprintf("joined %s, type /help for commands", target))
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := handle(svc, parseLine(line)); quit {
				return nil
			}
			if svc.State() == room.Disconnected {
				fmt.Println(infoStyle.Render("room closed"))
				return nil
			}
		}
	}
}

func handle(svc *chat.Service, cmd command) bool {
	var err error
	switch cmd.kind {
	case cmdSay:
		if cmd.arg == "" {
			return false
		}
		err = svc.SendMessage(cmd.arg, cmd.format)
	case cmdKick, cmdMute, cmdAdmin:
		target, ok := resolveParticipant(svc.Participants(), cmd.arg)
		if !ok {
			fmt.Println(errorStyle.Sprintf("no single participant matches %q", cmd.arg))
			return false
		}
		switch cmd.kind {
		case cmdKick:
			err = svc.TryKick(target.ID)
		case cmdMute:
			err = svc.TryChangeMuteStatus(target.ID)
		default:
			err = svc.TryChangeAdminStatus(target.ID)
		}
	case cmdWho:
		for _, p := range svc.Participants() {
			fmt.Println(infoStyle.Sprintf("%s  %-16s admin=%t muted=%t host=%t", p.ID[:8], p.Username, p.IsAdmin, p.IsMuted, p.IsHost))
		}
	case cmdHelp:
		fmt.Println(infoStyle.Render(helpText))
	case cmdQuit:
		if err := svc.DisconnectClient(); err != nil {
			fmt.Println(errorStyle.Render(err.Error()))
		}
		return true
	case cmdUnknown:
		fmt.Println(errorStyle.Sprintf("unknown command /%s", cmd.arg))
	}
	if err != nil {
		fmt.Println(errorStyle.Render(err.Error()))
	}
	return false
}

func render(sub *chat.Subscription) {
	messages, exceptions := sub.Messages(), sub.Exceptions()
	for messages != nil || exceptions != nil {
		select {
		case ev, ok := <-messages:
			if !ok {
				messages = nil
				continue
			}
			printMessage(ev.Message)
		case ev, ok := <-exceptions:
			if !ok {
				exceptions = nil
				continue
			}
			fmt.Println(errorStyle.Sprintf("! %s (%s)", ev.Error, ev.Context))
		}
	}
}

func printMessage(msg models.RoomMessage) {
	stamp := msg.Timestamp.Local().Format("15:04:05")
	if msg.Format == models.FormatEmote {
		fmt.Println(emoteStyle.Sprintf("%s * %s %s", stamp, msg.SenderName, msg.Content))
		return
	}
	fmt.Printf("%s %s %s\n", infoStyle.Render(stamp), senderStyle.Render(msg.SenderName+":"), msg.Content)
}
