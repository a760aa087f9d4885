package discord

import (
	"context"
	"strings"
	"testing"

	"github.com/bwmarrin/discordgo"
)

// command builds an application command interaction from user u in
// channel "chan-1".
func command(name string, u *discordgo.Member, opts ...*discordgo.ApplicationCommandInteractionDataOption) *discordgo.InteractionCreate {
	return &discordgo.InteractionCreate{Interaction: &discordgo.Interaction{
		Type:      discordgo.InteractionApplicationCommand,
		ChannelID: "chan-1",
		Member:    u,
		Data: discordgo.ApplicationCommandInteractionData{
			Name:    name,
			Options: opts,
		},
	}}
}

func opt(name string, value any) *discordgo.ApplicationCommandInteractionDataOption {
	return &discordgo.ApplicationCommandInteractionDataOption{Name: name, Value: value}
}

func TestCommandRouter_Dispatch(t *testing.T) {
	t.Parallel()

	r := NewCommandRouter()
	r.RegisterCommand(&discordgo.ApplicationCommand{Name: "ping"}, func(_ context.Context, i *discordgo.InteractionCreate) Reply {
		return Reply{Content: "pong " + stringOption(i, "who")}
	})

	got, ok := r.Dispatch(context.Background(), command("ping", nil, opt("who", "ana")))
	if !ok {
		t.Fatal("Dispatch(ping) reported unknown command")
	}
	if got.Content != "pong ana" {
		t.Errorf("Content = %q, want %q", got.Content, "pong ana")
	}

	if _, ok := r.Dispatch(context.Background(), command("missing", nil)); ok {
		t.Error("Dispatch(missing) reported a known command")
	}
}

func TestCommandRouter_AutocompleteSurvivesReregistration(t *testing.T) {
	t.Parallel()

	r := NewCommandRouter()
	handler := func(context.Context, *discordgo.InteractionCreate) Reply { return Reply{} }
	r.RegisterCommand(&discordgo.ApplicationCommand{Name: "talk"}, handler)
	r.RegisterAutocomplete("talk", func(*discordgo.InteractionCreate) []*discordgo.ApplicationCommandOptionChoice {
		return []*discordgo.ApplicationCommandOptionChoice{{Name: "Roberte", Value: "Roberte"}}
	})
	r.RegisterDeferred(&discordgo.ApplicationCommand{Name: "talk"}, handler)

	choices := r.Choices(command("talk", nil))
	if len(choices) != 1 || choices[0].Name != "Roberte" {
		t.Errorf("Choices() = %v, want [Roberte]", choices)
	}
	if got := r.Choices(command("other", nil)); got != nil {
		t.Errorf("Choices(other) = %v, want nil", got)
	}
}

func TestCommandRouter_ApplicationCommands(t *testing.T) {
	t.Parallel()

	r := NewCommandRouter()
	handler := func(context.Context, *discordgo.InteractionCreate) Reply { return Reply{} }
	r.RegisterCommand(&discordgo.ApplicationCommand{Name: "a"}, handler)
	r.RegisterDeferred(&discordgo.ApplicationCommand{Name: "b"}, handler)
	// An autocomplete for an unregistered command carries no definition.
	r.RegisterAutocomplete("c", nil)

	if got := len(r.ApplicationCommands()); got != 2 {
		t.Errorf("len(ApplicationCommands()) = %d, want 2", got)
	}
	if _, ok := r.Dispatch(context.Background(), command("c", nil)); ok {
		t.Error("Dispatch(c) reported a known command")
	}
}

func TestReply_ContentTruncated(t *testing.T) {
	t.Parallel()

	r := Reply{Content: strings.Repeat("é", maxContent+10)}
	got := []rune(r.content())
	if len(got) != maxContent {
		t.Errorf("len(content) = %d runes, want %d", len(got), maxContent)
	}
	if got[len(got)-1] != '…' {
		t.Errorf("content does not end with an ellipsis")
	}
	if short := (Reply{Content: "hi"}).content(); short != "hi" {
		t.Errorf("content = %q, want %q", short, "hi")
	}
}

func TestReply_Flags(t *testing.T) {
	t.Parallel()

	if Errorf("x %d", 1).flags() != discordgo.MessageFlagsEphemeral {
		t.Error("Errorf reply is not ephemeral")
	}
	if (Reply{}).flags() != 0 {
		t.Error("plain reply is ephemeral")
	}
	if got := Errorf("bad %s", "thing").Content; got != "Error: bad thing" {
		t.Errorf("Errorf content = %q", got)
	}
}

// fakeAPI records what the router sends back to Discord.
type fakeAPI struct {
	responses []*discordgo.InteractionResponse
	followUps []*discordgo.WebhookParams
}

func (f *fakeAPI) InteractionRespond(_ *discordgo.Interaction, resp *discordgo.InteractionResponse, _ ...discordgo.RequestOption) error {
	f.responses = append(f.responses, resp)
	return nil
}

func (f *fakeAPI) FollowupMessageCreate(_ *discordgo.Interaction, _ bool, data *discordgo.WebhookParams, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	f.followUps = append(f.followUps, data)
	return &discordgo.Message{}, nil
}

func TestCommandRouter_Serve(t *testing.T) {
	t.Parallel()

	r := NewCommandRouter()
	r.RegisterCommand(&discordgo.ApplicationCommand{Name: "quick"}, func(context.Context, *discordgo.InteractionCreate) Reply {
		return Ephemeral("fast")
	})
	r.RegisterDeferred(&discordgo.ApplicationCommand{Name: "slow"}, func(ctx context.Context, _ *discordgo.InteractionCreate) Reply {
		if _, ok := ctx.Deadline(); !ok {
			return Reply{Content: "no deadline"}
		}
		return Reply{Content: "done"}
	})
	r.RegisterAutocomplete("slow", func(*discordgo.InteractionCreate) []*discordgo.ApplicationCommandOptionChoice {
		return []*discordgo.ApplicationCommandOptionChoice{{Name: "Azzedine", Value: "Azzedine"}}
	})

	t.Run("immediate", func(t *testing.T) {
		t.Parallel()
		api := &fakeAPI{}
		r.serve(api, command("quick", nil))
		if len(api.responses) != 1 || len(api.followUps) != 0 {
			t.Fatalf("sent %d responses, %d follow-ups", len(api.responses), len(api.followUps))
		}
		resp := api.responses[0]
		if resp.Type != discordgo.InteractionResponseChannelMessageWithSource || resp.Data.Content != "fast" || resp.Data.Flags != discordgo.MessageFlagsEphemeral {
			t.Errorf("response = %+v, data %+v", resp, resp.Data)
		}
	})

	t.Run("deferred", func(t *testing.T) {
		t.Parallel()
		api := &fakeAPI{}
		r.serve(api, command("slow", nil))
		if len(api.responses) != 1 || api.responses[0].Type != discordgo.InteractionResponseDeferredChannelMessageWithSource {
			t.Fatalf("responses = %+v, want one deferral", api.responses)
		}
		if len(api.followUps) != 1 || api.followUps[0].Content != "done" {
			t.Errorf("follow-ups = %+v, want [done]", api.followUps)
		}
	})

	t.Run("unknown", func(t *testing.T) {
		t.Parallel()
		api := &fakeAPI{}
		r.serve(api, command("nope", nil))
		if len(api.responses) != 1 || api.responses[0].Data.Content != "Unknown command." {
			t.Errorf("responses = %+v", api.responses)
		}
	})

	t.Run("autocomplete", func(t *testing.T) {
		t.Parallel()
		api := &fakeAPI{}
		i := command("slow", nil)
		i.Type = discordgo.InteractionApplicationCommandAutocomplete
		r.serve(api, i)
		if len(api.responses) != 1 || api.responses[0].Type != discordgo.InteractionApplicationCommandAutocompleteResult {
			t.Fatalf("responses = %+v", api.responses)
		}
		if got := api.responses[0].Data.Choices; len(got) != 1 || got[0].Name != "Azzedine" {
			t.Errorf("choices = %v", got)
		}
	})

	t.Run("ignored type", func(t *testing.T) {
		t.Parallel()
		api := &fakeAPI{}
		i := command("quick", nil)
		i.Type = discordgo.InteractionModalSubmit
		r.serve(api, i)
		if len(api.responses)+len(api.followUps) != 0 {
			t.Error("router answered a modal submission")
		}
	})
}
