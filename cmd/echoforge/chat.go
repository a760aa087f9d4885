package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"

	"github.com/MrWong99/echoforge/internal/app"
	"github.com/MrWong99/echoforge/internal/character"
)

const chatHelp = `Commands:
  /stats   show the player's gold, items and flags
  /reset   start a new thread with the default player
  /quit    leave the conversation`

// chat runs a terminal conversation with one character. The player stats
// returned by each turn are carried into the next one, so effects granted by
// the character accumulate for the length of the conversation.
func chat(ctx context.Context, a *app.App, name string, in io.Reader, out io.Writer) error {
	if _, ok := a.Characters().Profile(name); !ok {
		return fmt.Errorf("unknown character %q (configured: %s)", name, strings.Join(a.Characters().Names(), ", "))
	}

	player := a.Characters().Player()
	thread := uuid.NewString()
	fmt.Fprintf(out, "Talking to %s as %s. Type /help for commands.\n", name, player.Name)

	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, "> ")
		if !scanner.Scan() {
			fmt.Fprintln(out)
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
			continue
		case "/quit", "/exit":
			return nil
		case "/help":
			fmt.Fprintln(out, chatHelp)
			continue
		case "/stats":
			printStats(out, player.Stats)
			continue
		case "/reset":
			player = a.Characters().Player()
			thread = uuid.NewString()
			fmt.Fprintln(out, "(new conversation)")
			continue
		}

		st, err := a.Orchestrator().ProcessMessage(ctx, line, name, &player, thread, nil)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%s: %s\n", st.Character, st.Response)
		for _, e := range st.AppliedEffects {
			fmt.Fprintf(out, "  [%s: %s]\n", e.Trigger, e)
		}
		if st.EmergencyFallback {
			fmt.Fprintf(out, "  [fallback: %s]\n", st.FallbackReason)
		}
		player.Stats = st.UpdatedStats.Clone()
	}
}

func printStats(out io.Writer, s character.Stats) {
	fmt.Fprintf(out, "gold: %d\n", s.Gold)
	for k, v := range s.Items {
		fmt.Fprintf(out, "item %s: %d\n", k, v)
	}
	for k, v := range s.Flags {
		fmt.Fprintf(out, "flag %s: %t\n", k, v)
	}
}
