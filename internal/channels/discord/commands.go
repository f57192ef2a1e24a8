package discord

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/bwmarrin/discordgo"

	"github.com/haasonsaas/ephemera/internal/lifecycle"
	"github.com/haasonsaas/ephemera/internal/policy"
)

// CommandName is the slash command that creates a channel.
const CommandName = "createvc"

const inviteOptionPrefix = "pingadd"

// Creator handles a parsed /createvc request. *lifecycle.Manager implements it.
type Creator interface {
	CreateResource(ctx context.Context, req lifecycle.CreateRequest) (*lifecycle.CreateResult, error)
}

// Commands returns the application commands the adapter registers.
func Commands() []*discordgo.ApplicationCommand {
	options := []*discordgo.ApplicationCommandOption{
		{
			Type:        discordgo.ApplicationCommandOptionString,
			Name:        "vctype",
			Description: "Private or Public",
			Required:    true,
			Choices: []*discordgo.ApplicationCommandOptionChoice{
				{Name: "Private", Value: string(policy.VisibilityPrivate)},
				{Name: "Public", Value: string(policy.VisibilityPublic)},
			},
		},
		{
			Type:        discordgo.ApplicationCommandOptionString,
			Name:        "vcname",
			Description: "Name of the voice channel",
			MaxLength:   lifecycle.MaxNameLength,
		},
	}
	for n := 1; n <= policy.MaxInvitees; n++ {
		options = append(options, &discordgo.ApplicationCommandOption{
			Type:        discordgo.ApplicationCommandOptionString,
			Name:        fmt.Sprintf("%s%d", inviteOptionPrefix, n),
			Description: "Ping a user or role to add them to a private channel",
		})
	}

	dm := false
	return []*discordgo.ApplicationCommand{{
		Name:         CommandName,
		Description:  "Create a voice channel for you to join",
		DMPermission: &dm,
		Options:      options,
	}}
}

// handleInteractionCreate hands the command off so the gateway keeps
// dispatching voice state updates while the channel is created.
func (a *Adapter) handleInteractionCreate(_ *discordgo.Session, i *discordgo.InteractionCreate) {
	go a.handleInteraction(a.ctx, i.Interaction)
}

// handleInteraction acknowledges a /createvc invocation ephemerally, runs the
// creation and edits the acknowledgement with the outcome.
func (a *Adapter) handleInteraction(ctx context.Context, i *discordgo.Interaction) {
	if i == nil || i.Type != discordgo.InteractionApplicationCommand {
		return
	}
	data := i.ApplicationCommandData()
	if data.Name != CommandName {
		return
	}

	a.mu.RLock()
	creator := a.creator
	a.mu.RUnlock()
	if creator == nil {
		a.logger.Error("no creator installed, ignoring command", "interaction_id", i.ID)
		return
	}

	err := a.call(ctx, "interaction_respond", func(opts []discordgo.RequestOption) error {
		return a.session.InteractionRespond(i, &discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
			Data: &discordgo.InteractionResponseData{Flags: discordgo.MessageFlagsEphemeral},
		}, opts...)
	})
	if err != nil {
		a.logger.Error("failed to acknowledge interaction", "interaction_id", i.ID, "error", err)
		return
	}

	req := parseCreateRequest(i, data)
	a.logger.Debug("received createvc",
		"interaction_id", i.ID,
		"guild_id", req.GuildID,
		"requester_id", req.RequesterID,
		"visibility", req.Visibility,
		"invitees", len(req.Invitees))

	result, createErr := creator.CreateResource(ctx, req)
	content := a.replyContent(result, createErr)

	err = a.call(ctx, "interaction_edit", func(opts []discordgo.RequestOption) error {
		_, err := a.session.InteractionResponseEdit(i, &discordgo.WebhookEdit{Content: &content}, opts...)
		return err
	})
	if err != nil {
		a.logger.Error("failed to edit interaction response", "interaction_id", i.ID, "error", err)
	}
}

// parseCreateRequest maps command options onto a creation request. Invitee
// options keep their pingaddN order regardless of the order Discord sends them.
func parseCreateRequest(i *discordgo.Interaction, data discordgo.ApplicationCommandInteractionData) lifecycle.CreateRequest {
	req := lifecycle.CreateRequest{GuildID: i.GuildID}
	switch {
	case i.Member != nil && i.Member.User != nil:
		req.RequesterID = i.Member.User.ID
	case i.User != nil:
		req.RequesterID = i.User.ID
	}

	var invites []*discordgo.ApplicationCommandInteractionDataOption
	for _, opt := range data.Options {
		switch {
		case opt.Name == "vctype":
			req.Visibility = opt.StringValue()
		case opt.Name == "vcname":
			req.Name = opt.StringValue()
		case strings.HasPrefix(opt.Name, inviteOptionPrefix):
			invites = append(invites, opt)
		}
	}
	slices.SortFunc(invites, func(x, y *discordgo.ApplicationCommandInteractionDataOption) int {
		return strings.Compare(x.Name, y.Name)
	})
	for _, opt := range invites {
		req.Invitees = append(req.Invitees, opt.StringValue())
	}
	return req
}

func (a *Adapter) replyContent(result *lifecycle.CreateResult, err error) string {
	if err != nil {
		return lifecycle.UserMessage(err)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Created %s voice channel <#%s>.", result.Visibility, result.ResourceID)
	if len(result.DeniedInviteeNames) > 0 {
		fmt.Fprintf(&b, "\nNot added (missing a required role): %s", strings.Join(result.DeniedInviteeNames, ", "))
	}
	if a.config.RulesLink != "" {
		fmt.Fprintf(&b, "\nPlease follow the server rules: %s", a.config.RulesLink)
	}
	return b.String()
}
