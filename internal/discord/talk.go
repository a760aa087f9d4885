package discord

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/echoforge/internal/character"
	"github.com/MrWong99/echoforge/internal/pipeline"
	"github.com/MrWong99/echoforge/internal/session"
)

// Backend runs dialogue turns and memory views. *orchestrator.Orchestrator
// satisfies it.
type Backend interface {
	ProcessMessage(ctx context.Context, message, characterName string, player *character.Player, thread string, sessionID *string) (*pipeline.TurnState, error)
	Characters() []string
	HistorySummary(ctx context.Context, character, thread string, limit int) session.HistoryOverview
	ClearMemory(ctx context.Context, character, thread string, keepSummaries bool) bool
}

// maxChoices is Discord's limit for autocomplete results.
const maxChoices = 25

// memorySummaries is the number of summaries shown by /memory.
const memorySummaries = 5

// conversation is the state of one user in one channel.
type conversation struct {
	player     character.Player
	generation int
}

// Commands implements /talk, /stats, /reset, /memory and /forget.
type Commands struct {
	backend Backend
	player  func() character.Player
	perms   *PermissionChecker

	mu    sync.Mutex
	convs map[string]*conversation
}

// NewCommands creates the command set. player returns the default player a
// new conversation starts with.
func NewCommands(backend Backend, player func() character.Player, perms *PermissionChecker) *Commands {
	return &Commands{
		backend: backend,
		player:  player,
		perms:   perms,
		convs:   make(map[string]*conversation),
	}
}

// Register adds all commands to router.
func (c *Commands) Register(router *CommandRouter) {
	characterOption := &discordgo.ApplicationCommandOption{
		Type:         discordgo.ApplicationCommandOptionString,
		Name:         "character",
		Description:  "Character to address",
		Required:     true,
		Autocomplete: true,
	}

	router.RegisterDeferred(&discordgo.ApplicationCommand{
		Name:        "talk",
		Description: "Say something to a character",
		Options: []*discordgo.ApplicationCommandOption{
			characterOption,
			{
				Type:        discordgo.ApplicationCommandOptionString,
				Name:        "message",
				Description: "What you say",
				Required:    true,
			},
		},
	}, c.handleTalk)
	router.RegisterAutocomplete("talk", c.autocompleteCharacter)

	router.RegisterCommand(&discordgo.ApplicationCommand{
		Name:        "stats",
		Description: "Show your gold, items and flags",
	}, c.handleStats)

	router.RegisterCommand(&discordgo.ApplicationCommand{
		Name:        "reset",
		Description: "Start a new conversation with the default player",
	}, c.handleReset)

	router.RegisterDeferred(&discordgo.ApplicationCommand{
		Name:        "memory",
		Description: "Show what a character remembers about you",
		Options:     []*discordgo.ApplicationCommandOption{characterOption},
	}, c.handleMemory)
	router.RegisterAutocomplete("memory", c.autocompleteCharacter)

	router.RegisterDeferred(&discordgo.ApplicationCommand{
		Name:        "forget",
		Description: "Erase a character's memory of a user (game master only)",
		Options: []*discordgo.ApplicationCommandOption{
			characterOption,
			{
				Type:        discordgo.ApplicationCommandOptionUser,
				Name:        "user",
				Description: "User to forget, defaults to you",
			},
			{
				Type:        discordgo.ApplicationCommandOptionBoolean,
				Name:        "keep_summaries",
				Description: "Keep the conversation summaries",
			},
		},
	}, c.handleForget)
	router.RegisterAutocomplete("forget", c.autocompleteCharacter)
}

// ─── Handlers ────────────────────────────────────────────────────────────────

func (c *Commands) handleTalk(ctx context.Context, i *discordgo.InteractionCreate) Reply {
	name, ok := c.resolveCharacter(stringOption(i, "character"))
	if !ok {
		return Errorf("unknown character %q.", stringOption(i, "character"))
	}
	message := strings.TrimSpace(stringOption(i, "message"))
	if message == "" {
		return Errorf("say something.")
	}

	userID := interactionUserID(i)
	player, thread := c.snapshot(i.ChannelID, userID, interactionUserName(i))
	sessionID := "discord:" + i.ChannelID

	st, err := c.backend.ProcessMessage(ctx, message, name, &player, thread, &sessionID)
	if err != nil {
		return Errorf("%v", err)
	}
	c.updateStats(i.ChannelID, userID, thread, st.UpdatedStats)

	var b strings.Builder
	fmt.Fprintf(&b, "> %s\n**%s:** %s", message, st.Character, st.Response)
	for _, e := range st.AppliedEffects {
		fmt.Fprintf(&b, "\n*%s: %s*", e.Trigger, e)
	}
	return Reply{Content: b.String()}
}

func (c *Commands) handleStats(_ context.Context, i *discordgo.InteractionCreate) Reply {
	player, _ := c.snapshot(i.ChannelID, interactionUserID(i), interactionUserName(i))
	return Reply{Embeds: []*discordgo.MessageEmbed{statsEmbed(player)}, Ephemeral: true}
}

func (c *Commands) handleReset(_ context.Context, i *discordgo.InteractionCreate) Reply {
	key := convKey(i.ChannelID, interactionUserID(i))
	c.mu.Lock()
	conv := c.conversationLocked(key, interactionUserName(i))
	conv.generation++
	conv.player = c.defaultPlayer(interactionUserName(i))
	c.mu.Unlock()
	return Ephemeral("Started a new conversation.")
}

func (c *Commands) handleMemory(ctx context.Context, i *discordgo.InteractionCreate) Reply {
	name, ok := c.resolveCharacter(stringOption(i, "character"))
	if !ok {
		return Errorf("unknown character %q.", stringOption(i, "character"))
	}
	_, thread := c.snapshot(i.ChannelID, interactionUserID(i), interactionUserName(i))

	ov := c.backend.HistorySummary(ctx, name, thread, memorySummaries)
	return Reply{Embeds: []*discordgo.MessageEmbed{memoryEmbed(ov)}, Ephemeral: true}
}

func (c *Commands) handleForget(ctx context.Context, i *discordgo.InteractionCreate) Reply {
	if !c.perms.IsGM(i) {
		return Errorf("only game masters can make characters forget.")
	}
	name, ok := c.resolveCharacter(stringOption(i, "character"))
	if !ok {
		return Errorf("unknown character %q.", stringOption(i, "character"))
	}

	userID := interactionUserID(i)
	if id := stringOption(i, "user"); id != "" {
		userID = id
	}
	keep := boolOption(i, "keep_summaries")

	_, thread := c.snapshot(i.ChannelID, userID, "")
	if c.backend.ClearMemory(ctx, name, thread, keep) {
		return Ephemeral(fmt.Sprintf("%s forgot the conversation with <@%s>.", name, userID))
	}
	return Ephemeral(fmt.Sprintf("%s's working memory of <@%s> was cleared; nothing was stored.", name, userID))
}

func (c *Commands) autocompleteCharacter(i *discordgo.InteractionCreate) []*discordgo.ApplicationCommandOptionChoice {
	var typed string
	for _, o := range i.ApplicationCommandData().Options {
		if o.Focused {
			typed, _ = o.Value.(string)
		}
	}
	typed = strings.ToLower(typed)

	choices := make([]*discordgo.ApplicationCommandOptionChoice, 0, maxChoices)
	for _, name := range c.backend.Characters() {
		if typed != "" && !strings.Contains(strings.ToLower(name), typed) {
			continue
		}
		choices = append(choices, &discordgo.ApplicationCommandOptionChoice{Name: name, Value: name})
		if len(choices) == maxChoices {
			break
		}
	}
	return choices
}

// ─── Conversation state ──────────────────────────────────────────────────────

func convKey(channelID, userID string) string {
	return channelID + "/" + userID
}

func (c *Commands) defaultPlayer(userName string) character.Player {
	p := c.player().Clone()
	if userName != "" {
		p.Name = userName
	}
	return p
}

func (c *Commands) conversationLocked(key, userName string) *conversation {
	conv, ok := c.convs[key]
	if !ok {
		conv = &conversation{player: c.defaultPlayer(userName)}
		c.convs[key] = conv
	}
	return conv
}

// snapshot returns a copy of the user's player and the current thread ID.
func (c *Commands) snapshot(channelID, userID, userName string) (character.Player, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	conv := c.conversationLocked(convKey(channelID, userID), userName)
	return conv.player.Clone(), threadID(userID, conv.generation)
}

// updateStats stores the stats of a finished turn unless the conversation
// was reset while the turn ran.
func (c *Commands) updateStats(channelID, userID, thread string, stats character.Stats) {
	c.mu.Lock()
	defer c.mu.Unlock()
	conv, ok := c.convs[convKey(channelID, userID)]
	if !ok || threadID(userID, conv.generation) != thread {
		return
	}
	conv.player.Stats = stats.Clone()
}

func threadID(userID string, generation int) string {
	if generation == 0 {
		return "discord-" + userID
	}
	return fmt.Sprintf("discord-%s-%d", userID, generation)
}

// resolveCharacter matches name case-insensitively against the configured
// characters.
func (c *Commands) resolveCharacter(name string) (string, bool) {
	name = strings.TrimSpace(name)
	for _, n := range c.backend.Characters() {
		if strings.EqualFold(n, name) {
			return n, true
		}
	}
	return "", false
}

// ─── Formatting ──────────────────────────────────────────────────────────────

func statsEmbed(p character.Player) *discordgo.MessageEmbed {
	fields := []*discordgo.MessageEmbedField{
		{Name: "Gold", Value: fmt.Sprintf("%d", p.Stats.Gold), Inline: true},
	}
	if len(p.Stats.Items) > 0 {
		var b strings.Builder
		for _, k := range slices.Sorted(maps.Keys(p.Stats.Items)) {
			fmt.Fprintf(&b, "%s: %d\n", k, p.Stats.Items[k])
		}
		fields = append(fields, &discordgo.MessageEmbedField{Name: "Items", Value: b.String(), Inline: true})
	}
	var flags []string
	for _, k := range slices.Sorted(maps.Keys(p.Stats.Flags)) {
		if p.Stats.Flags[k] {
			flags = append(flags, k)
		}
	}
	if len(flags) > 0 {
		fields = append(fields, &discordgo.MessageEmbedField{Name: "Flags", Value: strings.Join(flags, "\n")})
	}
	return &discordgo.MessageEmbed{
		Title:  p.Name,
		Color:  0x5865F2,
		Fields: fields,
	}
}

func memoryEmbed(ov session.HistoryOverview) *discordgo.MessageEmbed {
	e := &discordgo.MessageEmbed{
		Title:       "Memory of " + ov.Character,
		Description: fmt.Sprintf("%d messages, %d summaries", ov.TotalMessages, ov.TotalSummaries),
		Color:       0x57F287,
	}
	if ov.FirstConversation != nil {
		e.Fields = append(e.Fields, &discordgo.MessageEmbedField{
			Name: "First conversation", Value: ov.FirstConversation.Format(time.DateTime), Inline: true,
		})
	}
	if ov.LastConversation != nil {
		e.Fields = append(e.Fields, &discordgo.MessageEmbedField{
			Name: "Last conversation", Value: ov.LastConversation.Format(time.DateTime), Inline: true,
		})
	}
	for _, s := range ov.Summaries {
		e.Fields = append(e.Fields, &discordgo.MessageEmbedField{
			Name:  fmt.Sprintf("%s (%d messages)", s.CreatedAt.Format(time.DateTime), s.MessagesCount),
			Value: truncate(s.Text, 1024),
		})
	}
	if len(e.Fields) == 0 && ov.TotalMessages == 0 {
		e.Description = "No stored memories yet."
	}
	return e
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n-1]) + "…"
}

// ─── Interaction helpers ─────────────────────────────────────────────────────

func option(i *discordgo.InteractionCreate, name string) *discordgo.ApplicationCommandInteractionDataOption {
	for _, o := range i.ApplicationCommandData().Options {
		if o.Name == name {
			return o
		}
	}
	return nil
}

func stringOption(i *discordgo.InteractionCreate, name string) string {
	if o := option(i, name); o != nil {
		s, _ := o.Value.(string)
		return s
	}
	return ""
}

func boolOption(i *discordgo.InteractionCreate, name string) bool {
	if o := option(i, name); o != nil {
		b, _ := o.Value.(bool)
		return b
	}
	return false
}

func interactionUser(i *discordgo.InteractionCreate) *discordgo.User {
	if i.Member != nil && i.Member.User != nil {
		return i.Member.User
	}
	return i.User
}

func interactionUserID(i *discordgo.InteractionCreate) string {
	if u := interactionUser(i); u != nil {
		return u.ID
	}
	return ""
}

func interactionUserName(i *discordgo.InteractionCreate) string {
	if i.Member != nil && i.Member.Nick != "" {
		return i.Member.Nick
	}
	u := interactionUser(i)
	if u == nil {
		return ""
	}
	if u.GlobalName != "" {
		return u.GlobalName
	}
	return u.Username
}
