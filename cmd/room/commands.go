package main

import (
	"strings"

	"chatroom/internal/models"
)

type commandKind int

const (
	cmdSay commandKind = iota
	cmdKick
	cmdMute
	cmdAdmin
	cmdWho
	cmdQuit
	cmdHelp
	cmdUnknown
)

type command struct {
	kind   commandKind
	arg    string
	format models.Format
}

// parseLine turns one line of input into a command. Anything that is not a
// slash command is sent as a text message.
func parseLine(line string) command {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "/") {
		return command{kind: cmdSay, arg: line, format: models.FormatText}
	}

	name, arg, _ := strings.Cut(strings.TrimPrefix(line, "/"), " ")
	arg = strings.TrimSpace(arg)
	switch strings.ToLower(name) {
	case "md":
		return command{kind: cmdSay, arg: arg, format: models.FormatMarkdown}
	case "me":
		return command{kind: cmdSay, arg: arg, format: models.FormatEmote}
	case "kick":
		return command{kind: cmdKick, arg: arg}
	case "mute":
		return command{kind: cmdMute, arg: arg}
	case "admin":
		return command{kind: cmdAdmin, arg: arg}
	case "who":
		return command{kind: cmdWho}
	case "quit", "exit":
		return command{kind: cmdQuit}
	case "help":
		return command{kind: cmdHelp}
	}
	return command{kind: cmdUnknown, arg: name}
}

// resolveParticipant accepts a participant id, an id prefix or a username.
func resolveParticipant(participants []models.Participant, ref string) (models.Participant, bool) {
	if ref == "" {
		return models.Participant{}, false
	}
	for _, p := range participants {
		if p.ID == ref || p.Username == ref {
			return p, true
		}
	}
	var match models.Participant
	found := 0
	for _, p := range participants {
		if strings.HasPrefix(p.ID, ref) {
			match = p
			found++
		}
	}
	return match, found == 1
}

const helpText = `commands:
  <text>          send a message
  /md <text>      send markdown
  /me <action>    send an emote
  /who            list participants
  /kick <who>     remove a participant (admin)
  /mute <who>     toggle mute (admin)
  /admin <who>    toggle admin (admin)
  /quit           leave the room`
