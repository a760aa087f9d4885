package discord

import (
	"fmt"
	"log/slog"

	"github.com/bwmarrin/discordgo"
)

// maxContent is Discord's message length limit.
const maxContent = 2000

// Reply is the answer of a command handler.
type Reply struct {
	Content   string
	Embeds    []*discordgo.MessageEmbed
	Ephemeral bool
}

// Ephemeral returns a reply only the invoking user sees.
func Ephemeral(content string) Reply {
	return Reply{Content: content, Ephemeral: true}
}

// Errorf returns an ephemeral error reply.
func Errorf(format string, args ...any) Reply {
	return Ephemeral("Error: " + fmt.Sprintf(format, args...))
}

func (r Reply) flags() discordgo.MessageFlags {
	if r.Ephemeral {
		return discordgo.MessageFlagsEphemeral
	}
	return 0
}

func (r Reply) content() string {
	runes := []rune(r.Content)
	if len(runes) <= maxContent {
		return r.Content
	}
	return string(runes[:maxContent-1]) + "…"
}

// interactionAPI is the part of [discordgo.Session] that answers
// interactions.
type interactionAPI interface {
	InteractionRespond(i *discordgo.Interaction, resp *discordgo.InteractionResponse, opts ...discordgo.RequestOption) error
	FollowupMessageCreate(i *discordgo.Interaction, wait bool, data *discordgo.WebhookParams, opts ...discordgo.RequestOption) (*discordgo.Message, error)
}

var _ interactionAPI = (*discordgo.Session)(nil)

// answer sends one interaction response of kind t and logs a failure.
func answer(api interactionAPI, i *discordgo.InteractionCreate, t discordgo.InteractionResponseType, data *discordgo.InteractionResponseData) {
	if err := api.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{Type: t, Data: data}); err != nil {
		slog.Warn("discord: interaction response failed", "type", t, "err", err)
	}
}

func respond(api interactionAPI, i *discordgo.InteractionCreate, r Reply) {
	answer(api, i, discordgo.InteractionResponseChannelMessageWithSource, &discordgo.InteractionResponseData{
		Content: r.content(),
		Embeds:  r.Embeds,
		Flags:   r.flags(),
	})
}

// deferReply acknowledges a slow command publicly. Ephemeral follow-ups
// are still honoured.
func deferReply(api interactionAPI, i *discordgo.InteractionCreate) {
	answer(api, i, discordgo.InteractionResponseDeferredChannelMessageWithSource, nil)
}

func respondChoices(api interactionAPI, i *discordgo.InteractionCreate, choices []*discordgo.ApplicationCommandOptionChoice) {
	answer(api, i, discordgo.InteractionApplicationCommandAutocompleteResult, &discordgo.InteractionResponseData{Choices: choices})
}

func followUp(api interactionAPI, i *discordgo.InteractionCreate, r Reply) {
	_, err := api.FollowupMessageCreate(i.Interaction, true, &discordgo.WebhookParams{
		Content: r.content(),
		Embeds:  r.Embeds,
		Flags:   r.flags(),
	})
	if err != nil {
		slog.Warn("discord: follow-up failed", "err", err)
	}
}
