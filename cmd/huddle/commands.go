package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	gfshutdown "github.com/gelmium/graceful-shutdown"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/huddle/internal/app/orch"
	"github.com/dkeye/huddle/internal/app/permission"
	"github.com/dkeye/huddle/internal/app/rooms"
	"github.com/dkeye/huddle/internal/domain"
)

const leaveTimeout = 5 * time.Second

var errUsage = errors.New("usage")

func usageError(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{errUsage}, args...)...)
}

// parseSettings reads key=value pairs such as lockCalls=true.
func parseSettings(args []string) (rooms.SettingsPatch, error) {
	var p rooms.SettingsPatch
	for _, arg := range args {
		key, raw, ok := strings.Cut(arg, "=")
		if !ok {
			return p, usageError("setting %q is not key=value", arg)
		}
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return p, usageError("setting %q: %v", arg, err)
		}
		switch key {
		case domain.FieldDefaultCanChat:
			p.DefaultCanChat = &v
		case domain.FieldDefaultCanCall:
			p.DefaultCanCall = &v
		case domain.FieldLockChat:
			p.LockChat = &v
		case domain.FieldLockCalls:
			p.LockCalls = &v
		default:
			return p, usageError("unknown setting %q", key)
		}
	}
	return p, nil
}

// parseOverride reads "chat|call true|false|unset".
func parseOverride(capability, value string) (domain.Capability, *bool, error) {
	c := domain.Capability(capability)
	if !c.Valid() {
		return "", nil, usageError("unknown capability %q", capability)
	}
	if value == "unset" {
		return c, nil, nil
	}
	v, err := strconv.ParseBool(value)
	if err != nil {
		return "", nil, usageError("override value %q", value)
	}
	return c, &v, nil
}

func formatMessage(m domain.Message) string {
	return fmt.Sprintf("[%s] %s: %s", m.CreatedAt.Local().Format("15:04:05"), m.AuthorName, m.Text)
}

// formatMembers lists members with the admin marked; canChat false flags the
// list as read-only for the signed-in user.
func formatMembers(ms []domain.Member, canChat bool) string {
	names := make([]string, 0, len(ms))
	for _, m := range ms {
		if m.IsAdmin() {
			names = append(names, m.DisplayName+" (admin)")
			continue
		}
		names = append(names, m.DisplayName)
	}
	line := "members: " + strings.Join(names, ", ")
	if !canChat {
		line += " [read-only]"
	}
	return line
}

// untilInterrupted blocks until SIGINT or SIGTERM and then runs cleanup.
func untilInterrupted(ctx context.Context, name string, cleanup func(ctx context.Context) error) int {
	wait := gfshutdown.GracefulShutdown(ctx, leaveTimeout, map[string]gfshutdown.Operation{name: cleanup})
	return <-wait
}

func (c *client) createRoom(ctx context.Context, out io.Writer, name string) error {
	room, err := c.rooms.CreateRoom(ctx, name)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "room %s created, join code %s\n", room.ID, room.JoinCode)
	return nil
}

func (c *client) join(ctx context.Context, out io.Writer, code string) error {
	room, err := c.rooms.FindByCode(ctx, code)
	if err != nil {
		return err
	}
	m, err := c.rooms.Enter(ctx, room.ID)
	if err != nil {
		return err
	}
	eff, err := c.rooms.Effective(ctx, room.ID)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "joined %s (%s) as %s, chat=%t call=%t\n", room.Name, room.ID, m.Role, eff.CanChat, eff.CanCall)
	return nil
}

func (c *client) settings(ctx context.Context, out io.Writer, room domain.RoomID, args []string) error {
	patch, err := parseSettings(args)
	if err != nil {
		return err
	}
	if err := c.rooms.UpdateSettings(ctx, room, patch); err != nil {
		return err
	}
	r, err := c.rooms.Room(ctx, room)
	if err != nil {
		return err
	}
	s := r.Settings()
	fmt.Fprintf(out, "defaultCanChat=%t defaultCanCall=%t lockChat=%t lockCalls=%t\n", s.DefaultCanChat, s.DefaultCanCall, s.LockChat, s.LockCalls)
	return nil
}

func (c *client) override(ctx context.Context, out io.Writer, room domain.RoomID, target domain.UserID, capability, value string) error {
	c2, v, err := parseOverride(capability, value)
	if err != nil {
		return err
	}
	if err := c.rooms.SetOverride(ctx, room, target, c2, v); err != nil {
		return err
	}
	fmt.Fprintf(out, "%s %s override for %s: %s\n", room, c2, target, value)
	return nil
}

// chat sends text, or without text follows the room's messages until interrupted.
func (c *client) chat(ctx context.Context, out io.Writer, room domain.RoomID, text string) (int, error) {
	if _, err := c.rooms.Enter(ctx, room); err != nil {
		return 1, err
	}
	if text != "" {
		_, err := c.rooms.SendMessage(ctx, room, text)
		return 0, err
	}

	perms, err := permission.Watch(ctx, c.store, c.ids, room, func(permission.Effective) {})
	if err != nil {
		return 1, err
	}
	defer perms.Stop()

	members, err := c.rooms.WatchMembers(ctx, room, func(ms []domain.Member) {
		fmt.Fprintln(out, formatMembers(ms, perms.Can(domain.CapabilityChat)))
	})
	if err != nil {
		return 1, err
	}

	seen := make(map[string]bool)
	sub, err := c.rooms.WatchMessages(ctx, room, func(msgs []domain.Message) {
		for _, m := range msgs {
			if seen[m.ID] {
				continue
			}
			seen[m.ID] = true
			fmt.Fprintln(out, formatMessage(m))
		}
	})
	if err != nil {
		members.Stop()
		return 1, err
	}
	return untilInterrupted(ctx, "chat", func(context.Context) error {
		sub.Stop()
		members.Stop()
		return nil
	}), nil
}

// voice joins the room's voice channel and stays until interrupted.
func (c *client) voice(ctx context.Context, out io.Writer, room domain.RoomID) (int, error) {
	if _, err := c.rooms.Enter(ctx, room); err != nil {
		return 1, err
	}
	perms, err := permission.Watch(ctx, c.store, c.ids, room, func(e permission.Effective) {
		fmt.Fprintf(out, "permissions: chat=%t call=%t\n", e.CanChat, e.CanCall)
	})
	if err != nil {
		return 1, err
	}
	defer perms.Stop()

	call, err := c.orch.EnterVoice(ctx, room)
	if err != nil {
		return 1, err
	}
	fmt.Fprintf(out, "voice %s: %s of call %s\n", room, call.Role(), call.ID())
	if m := perms.Member(); m != nil {
		fmt.Fprintf(out, "in %s as %s\n", room, m.Role)
	}

	presence, err := c.dir.WatchPresence(ctx, room, func(ps []domain.VoicePresence) {
		names := make([]string, 0, len(ps))
		for _, p := range ps {
			names = append(names, p.DisplayName)
		}
		fmt.Fprintf(out, "in voice: %s\n", strings.Join(names, ", "))
	})
	if err != nil {
		log.Warn().Err(err).Str("module", "cli").Msg("presence unavailable")
	}

	go func() {
		<-call.Done()
		fmt.Fprintf(out, "call %s ended\n", call.ID())
	}()

	return untilInterrupted(ctx, "voice", func(ctx context.Context) error {
		if presence != nil {
			presence.Stop()
		}
		select {
		case <-c.orch.Shutdown():
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}), nil
}

func (c *client) closeVoice(ctx context.Context, out io.Writer, room domain.RoomID) error {
	closed, err := c.orch.CloseVoiceForAll(ctx, room)
	if err != nil {
		return err
	}
	if !closed {
		return fmt.Errorf("only the room admin can close voice for everyone")
	}
	fmt.Fprintf(out, "voice closed in %s\n", room)
	return nil
}

// callCreate starts a standalone call, prints its share link and waits.
func (c *client) callCreate(ctx context.Context, out io.Writer, room domain.RoomID) (int, error) {
	if _, err := c.rooms.Enter(ctx, room); err != nil {
		return 1, err
	}
	call, link, err := c.orch.CreateCall(ctx, room)
	if err != nil {
		return 1, err
	}
	fmt.Fprintln(out, link)
	return c.stayInCall(ctx, out, room, call.ID(), call.Done()), nil
}

// callJoin answers a call given as a share link or as ROOM CALL.
func (c *client) callJoin(ctx context.Context, out io.Writer, args []string) (int, error) {
	room, id, err := callTarget(args)
	if err != nil {
		return 1, err
	}
	if _, err := c.rooms.Enter(ctx, room); err != nil {
		return 1, err
	}
	call, err := c.orch.JoinCall(ctx, room, id)
	if err != nil {
		return 1, err
	}
	fmt.Fprintf(out, "joined call %s\n", id)
	return c.stayInCall(ctx, out, room, id, call.Done()), nil
}

func (c *client) callHangUp(ctx context.Context, out io.Writer, args []string) error {
	room, id, err := callTarget(args)
	if err != nil {
		return err
	}
	if err := c.orch.HangUp(ctx, room, id); err != nil {
		return err
	}
	fmt.Fprintf(out, "call %s ended\n", id)
	return nil
}

func (c *client) stayInCall(ctx context.Context, out io.Writer, room domain.RoomID, id domain.CallID, done <-chan struct{}) int {
	go func() {
		<-done
		fmt.Fprintf(out, "call %s ended\n", id)
	}()
	return untilInterrupted(ctx, "call", func(ctx context.Context) error {
		return c.orch.HangUp(ctx, room, id)
	})
}

func callTarget(args []string) (domain.RoomID, domain.CallID, error) {
	switch len(args) {
	case 1:
		return orch.ParseShareLink(args[0])
	case 2:
		return domain.RoomID(args[0]), domain.CallID(args[1]), nil
	}
	return "", "", usageError("want a share link or ROOM CALL")
}
