package client

import (
	"context"
	"slices"
	"sort"

	"github.com/pesio-ai/be-report-reviews/internal/common/config"
)

// adminRoles grant administrator rights within a project.
var adminRoles = []string{"admin", "project-admin", "branch-admin"}

// Directory answers identity questions from the policy file's user list. It
// implements service.AccessChecker and service.RoleDirectory.
type Directory struct {
	users map[string]config.UserConfig
}

// NewDirectory indexes the users of a policy file.
func NewDirectory(users []config.UserConfig) *Directory {
	d := &Directory{users: make(map[string]config.UserConfig, len(users))}
	for _, u := range users {
		d.users[u.ID] = u
	}
	return d
}

// IsAdmin reports global admin rights, or project admin rights when projectID
// is set.
func (d *Directory) IsAdmin(_ context.Context, projectID, userID string) (bool, error) {
	u, ok := d.users[userID]
	if !ok {
		return false, nil
	}
	if u.Admin {
		return true, nil
	}
	if projectID == "" {
		return false, nil
	}
	for _, role := range u.Projects[projectID] {
		if slices.Contains(adminRoles, role) {
			return true, nil
		}
	}
	return false, nil
}

// CanAccessProject reports whether the user holds any role in the project.
func (d *Directory) CanAccessProject(_ context.Context, projectID, userID string) (bool, error) {
	u, ok := d.users[userID]
	if !ok {
		return false, nil
	}
	if u.Admin {
		return true, nil
	}
	_, member := u.Projects[projectID]
	return member, nil
}

// UsersWithRole returns the ids of users holding role in the project, sorted.
func (d *Directory) UsersWithRole(_ context.Context, projectID, role string) ([]string, error) {
	var ids []string
	for id, u := range d.users {
		if slices.Contains(u.Projects[projectID], role) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// DisplayName returns the configured name, falling back to the id.
func (d *Directory) DisplayName(userID string) string {
	if u, ok := d.users[userID]; ok && u.DisplayName != "" {
		return u.DisplayName
	}
	return userID
}
