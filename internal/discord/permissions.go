package discord

import (
	"slices"

	"github.com/bwmarrin/discordgo"
)

// PermissionChecker decides who may run game master commands such as
// /forget.
type PermissionChecker struct {
	gmRoleID string
}

// NewPermissionChecker returns a checker for the given role. An empty role
// ID turns the check off, which suits a private test server.
func NewPermissionChecker(gmRoleID string) *PermissionChecker {
	return &PermissionChecker{gmRoleID: gmRoleID}
}

// IsGM reports whether the author of i may run game master commands: they
// hold the game master role or administer the guild. Interactions from
// direct messages carry no guild member and are refused while a role is
// configured.
func (p *PermissionChecker) IsGM(i *discordgo.InteractionCreate) bool {
	if p.gmRoleID == "" {
		return true
	}
	m := i.Member
	switch {
	case m == nil:
		return false
	case m.Permissions&discordgo.PermissionAdministrator != 0:
		return true
	default:
		return slices.Contains(m.Roles, p.gmRoleID)
	}
}
